package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/transport"
)

// initBackends opens a driver for every active bus, starts its RX loop
// feeding the engine and attaches it. On error the drivers opened so far
// are closed again.
func initBackends(ctx context.Context, cfg *appConfig, e *engine.Engine, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	t := e.Tables()
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	for i := range t.Buses {
		bus := &t.Buses[i]
		if !bus.Active {
			l.Info("bus_inactive", "bus", bus.Name)
			continue
		}
		id := db.BusID(i)
		rx := func(fr can.Frame) { _ = e.Receive(id, fr) }
		drv, c, err := initBackend(ctx, cfg, bus, rx, l, wg)
		if err != nil {
			cleanup()
			return func() {}, fmt.Errorf("bus %s: %w", bus.Name, err)
		}
		cleanups = append(cleanups, c)
		if err := e.Attach(id, drv); err != nil {
			cleanup()
			return func() {}, fmt.Errorf("bus %s: %w", bus.Name, err)
		}
	}
	return cleanup, nil
}

// initBackend selects the driver of one bus.
func initBackend(ctx context.Context, cfg *appConfig, bus *db.Bus, rx transport.Handler, l *slog.Logger, wg *sync.WaitGroup) (engine.Driver, func(), error) {
	switch bus.Driver {
	case driverSerial:
		return initSerialBackend(ctx, cfg, bus, rx, l, wg)
	case driverSocketCAN:
		return initSocketCANBackend(ctx, bus, rx, l, wg)
	case driverCannelloni:
		return initCannelloniBackend(ctx, bus, rx, l, wg)
	case driverLoopback:
		lb := transport.NewLoopback(ctx, bus.FD, txQueueSize, rx, transport.Hooks{})
		l.Info("loopback_open", "bus", bus.Name, "fd", bus.FD)
		return lb, func() { _ = lb.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown driver %q (use %s|%s|%s|%s)", bus.Driver, driverSocketCAN, driverSerial, driverCannelloni, driverLoopback)
	}
}

// backoff doubles d up to rxBackoffMax.
func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
