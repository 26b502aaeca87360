//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/socketcan"
	"github.com/kstaniek/go-canmw/internal/transport"
)

// Hooks for tests (overridden in unit tests).
var (
	openSocketCANDevice = func(iface string, fd bool) (socketcan.Dev, error) { return socketcan.Open(iface, fd) }
	openSocketCANLink   = func(iface string) (socketcan.Configurer, error) {
		lk, err := socketcan.NewLink(iface)
		if err != nil {
			return nil, err
		}
		return lk, nil
	}
)

// initSocketCANBackend opens the raw socket of bus and launches its RX loop.
// The netlink link is only opened when the bus timing is managed here.
func initSocketCANBackend(ctx context.Context, bus *db.Bus, rx transport.Handler, l *slog.Logger, wg *sync.WaitGroup) (engine.Driver, func(), error) {
	iface := bus.Interface
	if iface == "" {
		iface = bus.Name
	}
	var link socketcan.Configurer
	if bus.Baud != db.BaudExternal {
		lk, err := openSocketCANLink(iface)
		if err != nil {
			return nil, func() {}, fmt.Errorf("socketcan link %s: %w", iface, err)
		}
		link = lk
	}
	dev, err := openSocketCANDevice(iface, bus.FD)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", iface, err)
	}
	l.Info("socketcan_open", "bus", bus.Name, "if", iface, "fd", bus.FD)
	tw := socketcan.NewTXWriter(ctx, bus.Name, dev, link, bus.ClockHz, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end", "bus", bus.Name)
		wait := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "bus", bus.Name, "error", err, "backoff", wait)
				sleepFn(wait)
				wait = backoff(wait)
				continue
			}
			rx(fr)
			wait = rxBackoffMin
		}
	}()
	return tw, func() { _ = dev.Close(); tw.Close() }, nil
}
