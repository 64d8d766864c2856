package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/simulate"
	"github.com/openexhibits/tagbridge/state"
)

func runSimulate(args []string) int {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "address to bind")
	port := fs.Int("port", 5000, "port to listen on")
	_ = fs.Parse(args)

	roles := []string{"left", "right"}
	readers := make(map[string]*simulate.Reader, len(roles))
	bindings := make([]state.RoleBinding, 0, len(roles))
	for i, role := range roles {
		name := fmt.Sprintf("Virtual Reader %02d", i)
		readers[role] = simulate.NewReader(name)
		bindings = append(bindings, state.RoleBinding{Role: role, ReaderMatch: name})
	}

	svc := state.NewService(bindings)
	for _, role := range roles {
		svc.Bind(readers[role])
	}

	hub := state.NewHub(svc)
	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	httpSrv := &http.Server{Addr: addr, Handler: hub.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	// The UI owns the terminal until the user quits.
	err := simulate.Run(svc, roles, readers, addr)

	if cerr := hub.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("closing client connections")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	svc.Close()
	for _, r := range readers {
		_ = r.Close()
	}

	if err != nil {
		log.Error().Err(err).Msg("simulator failed")
		return 1
	}
	return 0
}
