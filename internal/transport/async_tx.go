package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canmw/internal/can"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrTxFull is returned by SendFrame when the queue is full and no OnDrop
	// hook supplies a more specific error.
	ErrTxFull = errors.New("async tx full")
)

// AsyncTx is the controller mailbox of a bus: a bounded queue drained by one
// goroutine that performs the blocking device write. SendFrame never blocks;
// a full queue is reported as an error so the engine keeps the frame in its
// own TX FIFO and offers it again on the next cycle.
//
//	a := NewAsyncTx(ctx, depth, writeFn, hooks)
//	_ = a.SendFrame(fr)
//	a.Close()
//
// SendFrame after Close returns ErrAsyncTxClosed.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
	sent   atomic.Uint64
	failed atomic.Uint64
}

// Hooks let each backend attach its own metrics and logging.
type Hooks struct {
	// OnError is called when the write fails; the frame is discarded.
	OnError func(can.Frame, error)
	// OnSent is called after a successful write.
	OnSent func(can.Frame)
	// OnDrop is called when the queue is full; its error is returned from
	// SendFrame. A nil hook or nil result yields ErrTxFull.
	OnDrop func() error
}

// NewAsyncTx starts the writer goroutine with a queue of depth frames.
func NewAsyncTx(parent context.Context, depth int, write func(can.Frame) error, hooks Hooks) *AsyncTx {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, depth),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.write(fr); err != nil {
				a.failed.Add(1)
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			a.sent.Add(1)
			if a.hooks.OnSent != nil {
				a.hooks.OnSent(fr)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues fr for the writer goroutine.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			if err := a.hooks.OnDrop(); err != nil {
				return err
			}
		}
		return ErrTxFull
	}
}

// Queued returns the number of frames waiting for the writer.
func (a *AsyncTx) Queued() int { return len(a.ch) }

// Counts returns the number of written and failed frames.
func (a *AsyncTx) Counts() (sent, failed uint64) { return a.sent.Load(), a.failed.Load() }

// Close stops the writer and waits for it to exit. Queued frames are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
