package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/cnl"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/transport"
)

// dialCannelloni is a hook for tests (overridden in unit tests).
var dialCannelloni = cnl.Dial

// initCannelloniBackend tunnels bus to a remote cannelloni peer. A lost or
// desynchronised session ends the RX loop and marks the writer down, so the
// engine discards the bus's frames instead of writing to a dead conn.
// TODO: redial the peer after a disconnect and swap the writer's conn.
func initCannelloniBackend(ctx context.Context, bus *db.Bus, rx transport.Handler, l *slog.Logger, wg *sync.WaitGroup) (engine.Driver, func(), error) {
	if bus.Address == "" {
		return nil, func() {}, errors.New("cannelloni bus needs an address")
	}
	c, err := dialCannelloni(ctx, bus.Address, cnl.DefaultHandshakeTimeout)
	if err != nil {
		return nil, func() {}, fmt.Errorf("cannelloni %s: %w", bus.Address, err)
	}
	l.Info("cannelloni_open", "bus", bus.Name, "peer", c.RemoteAddr().String(), "fd", bus.FD)
	w := cnl.NewTXWriter(ctx, bus.Name, bus.FD, c, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Disconnect()
		defer l.Info("cannelloni_rx_end", "bus", bus.Name)
		for {
			var fr can.Frame
			if err := c.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
					return
				}
				if errors.Is(err, io.EOF) {
					l.Warn("cannelloni_disconnected", "bus", bus.Name)
					return
				}
				metrics.IncError(metrics.ErrCNLRead)
				l.Error("cannelloni_read_error", "bus", bus.Name, "error", err)
				return
			}
			rx(fr)
		}
	}()
	return w, func() { _ = c.Close(); w.Close() }, nil
}
