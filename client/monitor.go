// Package client implements the WebSocket consumer side of the bridge: it
// connects to a running server and hands every snapshot message to a
// callback.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultReconnectInterval is the fixed delay between redial attempts.
const DefaultReconnectInterval = 2 * time.Second

// Monitor consumes snapshot messages from a bridge server.
type Monitor struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Reconnect keeps redialing with a fixed backoff after any
	// disconnect or dial failure, until the context is cancelled.
	Reconnect bool
	// Interval is the fixed redial delay; zero means
	// DefaultReconnectInterval.
	Interval time.Duration
}

// Run connects and delivers every received message to handle, in order, on
// one goroutine. Without Reconnect it returns the first dial or read
// failure; with Reconnect it only returns once the context is cancelled,
// and then returns nil.
func (m *Monitor) Run(ctx context.Context, handle func([]byte)) error {
	if !m.Reconnect {
		conn, err := m.dial(ctx)
		if err != nil {
			return err
		}
		return m.pump(ctx, conn, handle)
	}

	for {
		conn, err := m.dialWithBackoff(ctx)
		if err != nil {
			// Only context cancellation stops the redial loop.
			return nil
		}
		if err := m.pump(ctx, conn, handle); err != nil {
			log.Warn().Str("url", m.URL).Err(err).Msg("connection lost, reconnecting")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Monitor) interval() time.Duration {
	if m.Interval > 0 {
		return m.Interval
	}
	return DefaultReconnectInterval
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.URL, err)
	}
	return conn, nil
}

func (m *Monitor) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, err := m.dial(ctx)
		if err != nil {
			log.Debug().Str("url", m.URL).Err(err).Msg("dial failed, will retry")
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(m.interval()), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// pump reads until the connection drops or the context ends. Context
// cancellation closes the connection to unblock the read and returns nil.
func (m *Monitor) pump(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		handle(data)
	}
}
