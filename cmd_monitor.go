package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/client"
)

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:5000/ws", "WebSocket endpoint of a running server")
	reconnect := fs.Bool("reconnect", false, "keep redialing after a disconnect")
	interval := fs.Duration("interval", client.DefaultReconnectInterval, "fixed delay between redials")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := &client.Monitor{
		URL:       *url,
		Reconnect: *reconnect,
		Interval:  *interval,
	}
	err := m.Run(ctx, func(data []byte) {
		fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), data)
	})
	if err != nil {
		log.Error().Err(err).Msg("monitor stopped")
		return 1
	}
	return 0
}
