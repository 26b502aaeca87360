package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/serial"
	"github.com/kstaniek/go-canmw/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

var errSerialFD = errors.New("serial bridge carries classic CAN only")

// initSerialBackend opens the UART bridge of bus and launches its RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, bus *db.Bus, rx transport.Handler, l *slog.Logger, wg *sync.WaitGroup) (engine.Driver, func(), error) {
	if bus.FD {
		return nil, func() {}, errSerialFD
	}
	baud := bus.SerialBaud
	if baud == 0 {
		baud = serial.DefaultBaud
	}
	sp, err := openSerialPort(bus.Device, baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial %s: %w", bus.Device, err)
	}
	l.Info("serial_open", "bus", bus.Name, "device", bus.Device, "baud", baud)
	w := serial.NewTXWriter(ctx, bus.Name, sp, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end", "bus", bus.Name)
		buf := make([]byte, serialReadBufSize)
		dec := serial.NewDecoder()
		wait := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n], rx)
				wait = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					l.Error("serial_device_lost", "bus", bus.Name, "error", err)
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "bus", bus.Name, "error", err, "backoff", wait)
				sleepFn(wait)
				wait = backoff(wait)
			}
		}
	}()
	return w, func() { _ = sp.Close(); w.Close() }, nil
}
