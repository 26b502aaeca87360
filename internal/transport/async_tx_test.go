package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-canmw/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// TestAsyncTxSuccess verifies frames are written in order and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var got []uint32
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(fr can.Frame) error {
		got = append(got, fr.CANID)
		return nil
	}, Hooks{OnSent: func(can.Frame) { sent.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(can.Frame{CANID: uint32(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	waitFor(t, func() bool { return sent.Load() == 3 })
	if w, f := ax.Counts(); w != 3 || f != 0 {
		t.Fatalf("counts sent=%d failed=%d", w, f)
	}
	for i, id := range got {
		if id != uint32(i) {
			t.Fatalf("order broken: %v", got)
		}
	}
}

// TestAsyncTxFull ensures a full mailbox is reported instead of silently dropped.
func TestAsyncTxFull(t *testing.T) {
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(fr can.Frame) error { <-release; return nil }, Hooks{})
	defer ax.Close()
	defer close(release)
	if err := ax.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// Worker holds frame one; frame two fills the queue; frame three is rejected.
	waitFor(t, func() bool { return ax.Queued() == 0 })
	if err := ax.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, ErrTxFull) {
		t.Fatalf("expected ErrTxFull, got %v", err)
	}
}

// TestAsyncTxOverflowHook returns the hook's error when the buffer is full.
func TestAsyncTxOverflowHook(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(fr can.Frame) error { <-release; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	_ = ax.SendFrame(can.Frame{})
	waitFor(t, func() bool { return ax.Queued() == 0 })
	_ = ax.SendFrame(can.Frame{})
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestAsyncTxSendError triggers OnError with the failing frame.
func TestAsyncTxSendError(t *testing.T) {
	var failedID atomic.Uint32
	ax := NewAsyncTx(context.Background(), 2, func(fr can.Frame) error { return errSendFail },
		Hooks{OnError: func(fr can.Frame, err error) {
			if errors.Is(err, errSendFail) {
				failedID.Store(fr.CANID)
			}
		}})
	defer ax.Close()
	_ = ax.SendFrame(can.Frame{CANID: 0x77})
	waitFor(t, func() bool { return failedID.Load() == 0x77 })
	if _, f := ax.Counts(); f != 1 {
		t.Fatalf("failed count %d", f)
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	var sent atomic.Int64
	tx := NewAsyncTx(context.Background(), 2, func(fr can.Frame) error { sent.Add(1); return nil }, Hooks{})
	tx.Close()
	tx.Close() // second close is a no-op
	if err := tx.SendFrame(can.Frame{CANID: 123}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("frame written after close")
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(fr can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame(can.Frame{})
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) && !errors.Is(err, ErrTxFull) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

func TestLoopbackEchoes(t *testing.T) {
	rx := make(chan can.Frame, 4)
	lb := NewLoopback(context.Background(), false, 4, func(fr can.Frame) { rx <- fr }, Hooks{})
	defer lb.Close()
	fr := can.NewFrame(0x123, false, []byte{1, 2})
	if err := lb.SendFrame(fr); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	select {
	case got := <-rx:
		if got.CANID != fr.CANID || got.Len != 2 || got.Data[1] != 2 {
			t.Fatalf("echo mismatch %v", got)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("no echo")
	}
	if err := lb.SendFrame(can.NewFrame(0x1, false, make([]byte, 12))); !errors.Is(err, can.ErrNotClassic) {
		t.Fatalf("classic loopback must reject FD frames, got %v", err)
	}
}
