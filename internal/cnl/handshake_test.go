package cnl

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-canmw/internal/can"
)

func TestHandshakeLoopback(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- Handshake(ctx, srv, 2*time.Second) }()

	if err := Handshake(ctx, cli, 2*time.Second); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeBadHello(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	go func() {
		buf := make([]byte, len(hello))
		_, _ = io.ReadFull(srv, buf)
	}()
	go func() { _, _ = io.WriteString(srv, "CANNELLONIv0") }()
	if err := Handshake(context.Background(), cli, time.Second); !errors.Is(err, ErrBadHello) {
		t.Fatalf("expected ErrBadHello, got %v", err)
	}
}

func TestHandshakeCancelled(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { time.Sleep(20 * time.Millisecond); cancel() }()
	start := time.Now()
	if err := Handshake(ctx, cli, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel did not abort pending I/O")
	}
}

func TestConnAndTXWriter(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	ctx := context.Background()

	peer := make(chan *Conn, 1)
	go func() {
		c, err := NewConn(ctx, srv, time.Second)
		if err != nil {
			t.Errorf("peer handshake: %v", err)
		}
		peer <- c
	}()
	c, err := NewConn(ctx, cli, time.Second)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	defer c.Close()
	p := <-peer
	if p == nil {
		t.FailNow()
	}

	w := NewTXWriter(ctx, "remote", false, c, 4)
	defer w.Close()
	out := can.NewFrame(0x18FF0001, true, []byte{1, 2, 3})
	if err := w.SendFrame(out); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	var got can.Frame
	if err := p.ReadFrame(&got); err != nil {
		t.Fatalf("peer ReadFrame: %v", err)
	}
	if got != out {
		t.Fatalf("peer got %v want %v", got, out)
	}

	in := can.NewFrame(0x123, false, []byte{0xAA})
	go func() { _ = p.WriteFrame(in) }()
	if err := c.ReadFrame(&got); err != nil || got != in {
		t.Fatalf("ReadFrame %v err=%v", got, err)
	}

	if err := w.SendFrame(can.NewFrame(0x1, false, make([]byte, 16))); !errors.Is(err, can.ErrRejected) {
		t.Fatalf("expected FD frame rejected on classic bus, got %v", err)
	}
}

func TestTXWriterDisconnect(t *testing.T) {
	fc := &countConn{}
	w := NewTXWriter(context.Background(), "remote", false, fc, 4)
	defer w.Close()
	w.Disconnect()
	if !w.Down() {
		t.Fatalf("writer not reported down")
	}
	err := w.SendFrame(can.NewFrame(0x1, false, []byte{1}))
	if !errors.Is(err, can.ErrBusDown) || !errors.Is(err, can.ErrRejected) {
		t.Fatalf("expected bus down rejection, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if fc.n.Load() != 0 {
		t.Fatalf("frame written after disconnect")
	}
}

type countConn struct{ n atomic.Int32 }

func (c *countConn) WriteFrame(can.Frame) error { c.n.Add(1); return nil }

func TestDialHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := NewConn(context.Background(), c, time.Second); err != nil {
			return
		}
		_, _ = c.Write((&Codec{}).Encode([]can.Frame{can.NewFrame(0x42, false, []byte{7})}))
		time.Sleep(50 * time.Millisecond)
	}()
	c, err := Dial(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	var fr can.Frame
	if err := c.ReadFrame(&fr); err != nil || fr.ID() != 0x42 || fr.Data[0] != 7 {
		t.Fatalf("ReadFrame %v err=%v", fr, err)
	}
}
