package transport

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-canmw/internal/can"
)

// Loopback is an in-memory bus: every frame sent is delivered back to the
// handler from the writer goroutine, as a controller with self-reception
// enabled would do. Frames the bus could not carry are rejected.
type Loopback struct {
	fd bool
	tx *AsyncTx
}

// NewLoopback starts a loopback bus with a mailbox of depth frames.
func NewLoopback(ctx context.Context, fd bool, depth int, h Handler, hooks Hooks) *Loopback {
	l := &Loopback{fd: fd}
	l.tx = NewAsyncTx(ctx, depth, func(fr can.Frame) error {
		if h != nil {
			h(fr)
		}
		return nil
	}, hooks)
	return l
}

func (l *Loopback) SendFrame(fr can.Frame) error {
	if fr.FD() && !l.fd {
		return fmt.Errorf("loopback: %w: %w", can.ErrRejected, can.ErrNotClassic)
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("loopback: %w: %w", can.ErrRejected, err)
	}
	return l.tx.SendFrame(fr)
}

// Queued returns the frames not yet looped back.
func (l *Loopback) Queued() int { return l.tx.Queued() }

func (l *Loopback) Close() error {
	l.tx.Close()
	return nil
}
