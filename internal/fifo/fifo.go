// Package fifo provides a fixed-capacity ring buffer shared between a
// producer running in receive context and a consumer in the main loop.
//
// Exclusion is by rejection: a second writer (or reader) arriving while
// another is mid-operation gets ErrBusy and must retry later. Nothing in this
// package ever waits for a slot.
package fifo

import (
	"errors"
	"sync"
	"unsafe"
)

var (
	ErrInvalid  = errors.New("fifo: invalid parameter")
	ErrBusy     = errors.New("fifo: busy")
	ErrOverflow = errors.New("fifo: overflow")
	ErrEmpty    = errors.New("fifo: empty")
)

// FIFO is a ring of capacity elements of type T. Storage is allocated once by New.
type FIFO[T any] struct {
	mu     sync.Mutex // guards every field below except buf contents
	buf    []T
	wr     int
	rd     int
	count  int
	wrBusy bool
	rdBusy bool
	rdLock bool
}

// New allocates a FIFO. Capacity and the element size must both be non-zero.
func New[T any](capacity int) (*FIFO[T], error) {
	var zero T
	if capacity <= 0 || unsafe.Sizeof(zero) == 0 {
		return nil, ErrInvalid
	}
	return &FIFO[T]{buf: make([]T, capacity)}, nil
}

// critical runs fn with the FIFO's critical section held.
func (f *FIFO[T]) critical(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

// Put appends v. The element copy happens outside the critical section while
// the writer-busy flag keeps other writers out.
func (f *FIFO[T]) Put(v T) error {
	var (
		slot int
		err  error
	)
	f.critical(func() {
		switch {
		case f.wrBusy:
			err = ErrBusy
		case f.count == len(f.buf):
			err = ErrOverflow
		default:
			f.wrBusy = true
			slot = f.wr
		}
	})
	if err != nil {
		return err
	}
	f.buf[slot] = v
	f.critical(func() {
		f.wr = (slot + 1) % len(f.buf)
		f.count++
		f.wrBusy = false
	})
	return nil
}

// Get removes and returns the oldest element.
func (f *FIFO[T]) Get() (T, error) { return f.read(true) }

// Preview returns the oldest element without consuming it.
func (f *FIFO[T]) Preview() (T, error) { return f.read(false) }

func (f *FIFO[T]) read(consume bool) (T, error) {
	var (
		v    T
		slot int
		err  error
	)
	f.critical(func() {
		switch {
		case f.rdBusy:
			err = ErrBusy
		case f.count == 0:
			err = ErrEmpty
		default:
			f.rdBusy = true
			slot = f.rd
		}
	})
	if err != nil {
		return v, err
	}
	v = f.buf[slot]
	f.critical(func() {
		if consume {
			f.rd = (slot + 1) % len(f.buf)
			f.count--
		}
		f.rdBusy = false
	})
	return v, nil
}

// Remove discards the n oldest elements without copying them.
func (f *FIFO[T]) Remove(n int) error {
	var err error
	f.critical(func() {
		switch {
		case n < 0 || n > f.count:
			err = ErrInvalid
		case f.rdBusy:
			err = ErrBusy
		default:
			f.rd = (f.rd + n) % len(f.buf)
			f.count -= n
		}
	})
	return err
}

// Clear empties the FIFO. Stored elements are not zeroed.
// It fails with ErrBusy while a reader or writer is mid-operation. It also
// fails while the read lock is held, so a multi-element read sequence never
// sees its elements vanish; this is the one place the lock is enforced.
func (f *FIFO[T]) Clear() error {
	var err error
	f.critical(func() {
		if f.wrBusy || f.rdBusy || f.rdLock {
			err = ErrBusy
			return
		}
		f.wr, f.rd, f.count = 0, 0, 0
	})
	return err
}

// LockRead sets the advisory read lock. Callers doing a multi-element read
// sequence set it so that cooperating readers back off; Get and Remove do not
// consult it. Only Clear honours it.
func (f *FIFO[T]) LockRead() { f.critical(func() { f.rdLock = true }) }

// UnlockRead clears the advisory read lock.
func (f *FIFO[T]) UnlockRead() { f.critical(func() { f.rdLock = false }) }

// ReadLocked reports whether the advisory read lock is held.
func (f *FIFO[T]) ReadLocked() bool {
	var l bool
	f.critical(func() { l = f.rdLock })
	return l
}

// Len returns the number of stored elements.
func (f *FIFO[T]) Len() int {
	var n int
	f.critical(func() { n = f.count })
	return n
}

func (f *FIFO[T]) Cap() int { return len(f.buf) }
