//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-canmw/internal/bittiming"
	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/logging"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is the minimal interface needed by the backend and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	SetFilters([]can.Filter) error
	Close() error
}

// Configurer applies solved bit timing to the interface.
type Configurer interface {
	Configure(r bittiming.Result, clockHz uint32) error
}

// TXWriter is the engine driver of a SocketCAN bus: writes go through one
// goroutine, filters and bit timing are passed to the socket and the link.
type TXWriter struct {
	bus     string
	dev     Dev
	link    Configurer // nil leaves the interface timing untouched
	clockHz uint32
	base    *transport.AsyncTx
}

// NewTXWriter creates a SocketCAN TXWriter with a mailbox of depth frames.
func NewTXWriter(parent context.Context, bus string, dev Dev, link Configurer, clockHz uint32, depth int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Warn("socketcan_write_error", "bus", bus, "id", fr.ID(), "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{
		bus:     bus,
		dev:     dev,
		link:    link,
		clockHz: clockHz,
		base:    transport.NewAsyncTx(parent, depth, dev.WriteFrame, hooks),
	}
}

// SendFrame queues a frame for the device (ErrTxOverflow if the mailbox is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// SetFilters installs the acceptance filters on the socket.
func (w *TXWriter) SetFilters(fs []can.Filter) error { return w.dev.SetFilters(fs) }

// SetBitTiming reprograms the interface when a link configurer is present.
func (w *TXWriter) SetBitTiming(r bittiming.Result) error {
	if w.link == nil {
		logging.L().Info("socketcan_timing_skipped", "bus", w.bus, "nominal", r.Nominal.String())
		return nil
	}
	return w.link.Configure(r, w.clockHz)
}

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
