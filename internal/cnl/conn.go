package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/logging"
	"github.com/kstaniek/go-canmw/internal/metrics"
	"github.com/kstaniek/go-canmw/internal/transport"
)

var ErrTxOverflow = errors.New("cannelloni tx overflow")

// DefaultHandshakeTimeout bounds dialing plus the hello exchange.
const DefaultHandshakeTimeout = 3 * time.Second

// Conn is an established cannelloni session. ReadFrame must be called from
// one goroutine and WriteFrame from one (possibly different) goroutine.
type Conn struct {
	c     net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	codec Codec
}

// NewConn performs the handshake on an already connected c.
func NewConn(ctx context.Context, c net.Conn, timeout time.Duration) (*Conn, error) {
	if err := Handshake(ctx, c, timeout); err != nil {
		return nil, err
	}
	return &Conn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}, nil
}

// Dial connects to a cannelloni peer at addr and performs the handshake.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannelloni dial %s: %w", addr, err)
	}
	conn, err := NewConn(ctx, c, timeout)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

// ReadFrame blocks for the next frame from the peer.
func (c *Conn) ReadFrame(fr *can.Frame) error {
	f, err := c.codec.Decode(c.br)
	if err != nil {
		return err
	}
	*fr = f
	return nil
}

// WriteFrame sends one frame to the peer.
func (c *Conn) WriteFrame(fr can.Frame) error {
	if _, err := c.codec.EncodeTo(c.bw, []can.Frame{fr}); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

func (c *Conn) Close() error { return c.c.Close() }

// FrameConn is the part of Conn used by TXWriter.
type FrameConn interface {
	WriteFrame(can.Frame) error
}

// TXWriter is the engine driver of a cannelloni bus.
type TXWriter struct {
	bus  string
	fd   bool
	down atomic.Bool
	base *transport.AsyncTx
}

// NewTXWriter creates a cannelloni TXWriter with a mailbox of depth frames.
// FD frames are refused unless fd is set.
func NewTXWriter(parent context.Context, bus string, fd bool, c FrameConn, depth int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrCNLWrite)
			logging.L().Warn("cannelloni_write_error", "bus", bus, "id", fr.ID(), "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCNLOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{bus: bus, fd: fd, base: transport.NewAsyncTx(parent, depth, c.WriteFrame, hooks)}
}

func (w *TXWriter) SendFrame(fr can.Frame) error {
	if w.down.Load() {
		return fmt.Errorf("cannelloni %s: %w", w.bus, can.ErrBusDown)
	}
	if fr.FD() && !w.fd {
		return fmt.Errorf("cannelloni: %w: %w", can.ErrRejected, can.ErrNotClassic)
	}
	return w.base.SendFrame(fr)
}

// Disconnect marks the session lost. Later sends fail with can.ErrBusDown
// instead of reaching the closed conn.
func (w *TXWriter) Disconnect() { w.down.Store(true) }

// Down reports whether Disconnect was called.
func (w *TXWriter) Down() bool { return w.down.Load() }

func (w *TXWriter) Close() { w.base.Close() }
