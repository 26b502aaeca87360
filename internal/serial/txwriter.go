package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/logging"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter is the engine driver of a UART bridge bus. Frames are encoded
// on the caller's goroutine so unsupported frames are refused up front;
// the port write happens on the writer goroutine.
type TXWriter struct {
	bus   string
	codec Codec
	base  *transport.AsyncTx
	sp    Port
}

// NewTXWriter creates a serial TXWriter with a mailbox of depth frames.
func NewTXWriter(parent context.Context, bus string, sp Port, depth int) *TXWriter {
	w := &TXWriter{bus: bus, sp: sp}
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "bus", bus, "id", fr.ID(), "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	w.base = transport.NewAsyncTx(parent, depth, w.write, hooks)
	return w
}

func (w *TXWriter) write(fr can.Frame) error {
	b, err := w.codec.Encode(fr)
	if err != nil {
		return err
	}
	_, err = w.sp.Write(b)
	return err
}

// SendFrame queues a frame for the port (ErrTxOverflow if the mailbox is
// full, ErrUnsupported for frames the bridge cannot carry).
func (w *TXWriter) SendFrame(fr can.Frame) error {
	if _, err := w.codec.Encode(fr); err != nil {
		return err
	}
	return w.base.SendFrame(fr)
}

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
