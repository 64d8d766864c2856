package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/buildinfo"
	"github.com/openexhibits/tagbridge/config"
	"github.com/openexhibits/tagbridge/nfc"
	"github.com/openexhibits/tagbridge/state"
)

const (
	mdnsServiceType = "_tagbridge._tcp"
	mdnsDomain      = "local."

	shutdownTimeout = 5 * time.Second
)

// roleFlags collects repeated -role name=reader-substring flags.
type roleFlags map[string]string

func (r roleFlags) String() string {
	parts := make([]string, 0, len(r))
	for role, match := range r {
		parts = append(parts, role+"="+match)
	}
	return strings.Join(parts, ", ")
}

func (r roleFlags) Set(v string) error {
	role, match, ok := strings.Cut(v, "=")
	if !ok || role == "" || match == "" {
		return fmt.Errorf("want role=reader-substring, got %q", v)
	}
	if _, dup := r[role]; dup {
		return fmt.Errorf("role %q given twice", role)
	}
	r[role] = match
	return nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	roles := roleFlags{}
	fs.Var(roles, "role", "role binding as name=reader-substring (repeat for each role)")
	host := fs.String("host", "", "address to bind (overrides config)")
	port := fs.Int("port", 0, "port to listen on (overrides config)")
	configPath := fs.String("config", "", "path to YAML config file")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	_ = fs.Parse(args)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Str("path", *configPath).Msg("could not load config")
			return 1
		}
		cfg = loaded
	}
	if len(roles) > 0 {
		cfg.Roles = roles
	}
	if *host != "" {
		cfg.Listen.Host = *host
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	setupLogging(cfg.Log.Level)
	log.Info().Str("version", buildinfo.FullVersion()).Msg("starting " + buildinfo.Name)

	rctx, err := nfc.NewReaderContext()
	if err != nil {
		log.Error().Err(err).Msg("could not reach the smart card service")
		return 1
	}

	bindings := make([]state.RoleBinding, 0, len(cfg.Roles))
	for _, role := range cfg.RoleNames() {
		bindings = append(bindings, state.RoleBinding{Role: role, ReaderMatch: cfg.Roles[role]})
	}
	svc := state.NewService(bindings)

	disc := nfc.NewDiscovery(rctx, nfc.DefaultFactories(cfg.Reader.QuietBuzzer))
	if cfg.Reader.NarrowToISO14443A {
		narrowPolling(disc)
	}
	svc.Attach(disc)

	hub := state.NewHub(svc)
	addr := net.JoinHostPort(cfg.Listen.Host, strconv.Itoa(cfg.Listen.Port))
	httpSrv := &http.Server{Addr: addr, Handler: hub.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	mdns, err := zeroconf.Register(
		buildinfo.DisplayName,
		mdnsServiceType,
		mdnsDomain,
		cfg.Listen.Port,
		[]string{
			"version=" + buildinfo.Version,
			"protocol=websocket",
			"path=/ws",
		},
		nil,
	)
	if err != nil {
		log.Warn().Err(err).Msg("mDNS registration failed, continuing without")
	} else {
		log.Info().Str("service", mdnsServiceType).Msg("mDNS service registered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
		return 1
	}

	// Drain clients first, then tear down the reader side.
	if err := hub.Close(); err != nil {
		log.Warn().Err(err).Msg("closing client connections")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	svc.Close()
	if err := disc.Close(); err != nil {
		log.Warn().Err(err).Msg("closing reader discovery")
	}
	if mdns != nil {
		mdns.Shutdown()
	}
	return 0
}

// narrowPolling restricts each vendor reader's polling to ISO 14443-A. The
// parameter command needs a connected card, so it runs after the first
// completed read per session; readers that reject it keep their default
// polling.
func narrowPolling(disc *nfc.Discovery) {
	target := nfc.OperatingParameter{
		AutoPolling:     true,
		AutoATS:         true,
		DetectISO14443A: true,
	}
	disc.OnReaderAdded(func(r nfc.Reader) {
		v, ok := r.(*nfc.VendorSession)
		if !ok {
			return
		}
		var once sync.Once
		v.OnCard(func(nfc.Card) {
			once.Do(func() {
				got, err := v.SetOperatingParameter(target)
				if err != nil {
					log.Warn().Str("reader", v.Name()).Err(err).Msg("reader kept default polling")
					return
				}
				log.Info().Str("reader", v.Name()).
					Str("parameter", fmt.Sprintf("%02X", got.Byte())).
					Msg("narrowed polling to ISO 14443-A")
			})
		})
	})
}
