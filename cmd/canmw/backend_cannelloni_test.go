package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/cnl"
)

const cannelloniTables = `
buses:
  - {name: remote, driver: cannelloni, address: "peer:20000"}
blocks:
  - {name: status, bus: remote, id: 0x321, length: 1, dir: rx}
  - {name: cmd, bus: remote, id: 0x322, length: 1, dir: tx, max_interval_ms: 1000}
`

func TestInitCannelloniBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, cli := net.Pipe()
	defer srv.Close()

	peer := make(chan *cnl.Conn, 1)
	go func() {
		p, err := cnl.NewConn(ctx, srv, time.Second)
		if err != nil {
			t.Errorf("peer handshake: %v", err)
			close(peer)
			return
		}
		peer <- p
	}()
	dialCannelloni = func(ctx context.Context, addr string, timeout time.Duration) (*cnl.Conn, error) {
		if addr != "peer:20000" {
			t.Errorf("unexpected address %s", addr)
		}
		return cnl.NewConn(ctx, cli, timeout)
	}
	defer func() { dialCannelloni = cnl.Dial }()

	e := testEngine(t, cannelloniTables)
	var wg sync.WaitGroup
	cleanup, err := initBackends(ctx, validConfig(), e, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initBackends: %v", err)
	}
	defer cleanup()
	p := <-peer
	if p == nil {
		t.FailNow()
	}
	if err := e.BringUp(); err != nil {
		t.Fatalf("BringUp: %v", err)
	}

	go func() { _ = p.WriteFrame(can.NewFrame(0x321, false, []byte{9})) }()
	waitFor(t, "tunnelled frame", func() bool { return rxFrames(e, 0) == 1 })

	// first cycle sends the never-transmitted cmd block to the peer
	e.Cycle()
	var got can.Frame
	if err := p.ReadFrame(&got); err != nil {
		t.Fatalf("peer ReadFrame: %v", err)
	}
	if got.ID() != 0x322 || got.Len != 1 {
		t.Fatalf("peer got %v", got)
	}
}

func TestCannelloniDisconnectMarksWriterDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, cli := net.Pipe()

	peer := make(chan *cnl.Conn, 1)
	go func() {
		p, _ := cnl.NewConn(ctx, srv, time.Second)
		peer <- p
	}()
	dialCannelloni = func(ctx context.Context, _ string, timeout time.Duration) (*cnl.Conn, error) {
		return cnl.NewConn(ctx, cli, timeout)
	}
	defer func() { dialCannelloni = cnl.Dial }()

	e := testEngine(t, cannelloniTables)
	var wg sync.WaitGroup
	drv, cleanup, err := initCannelloniBackend(ctx, &e.Tables().Buses[0], func(can.Frame) {}, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initCannelloniBackend: %v", err)
	}
	defer cleanup()
	if p := <-peer; p == nil {
		t.FailNow()
	}
	w := drv.(*cnl.TXWriter)
	if w.Down() {
		t.Fatalf("writer down before disconnect")
	}
	_ = srv.Close()
	waitFor(t, "writer down", w.Down)
	if err := w.SendFrame(can.NewFrame(0x322, false, []byte{1})); !errors.Is(err, can.ErrBusDown) {
		t.Fatalf("expected bus down, got %v", err)
	}
	wg.Wait()
}

func TestInitCannelloniNeedsAddress(t *testing.T) {
	e := testEngine(t, `
buses:
  - {name: remote, driver: cannelloni}
`)
	var wg sync.WaitGroup
	if _, err := initBackends(context.Background(), validConfig(), e, testLogger(), &wg); err == nil {
		t.Fatalf("expected missing address error")
	}
}
