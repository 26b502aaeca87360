// Package clock is the millisecond timer used by the frame store and scheduler.
package clock

import (
	"sync/atomic"
	"time"
)

// Millis is a wrapping millisecond timestamp.
type Millis uint32

// Clock returns the current timestamp.
type Clock interface {
	Now() Millis
}

// Elapsed reports whether at least n ms passed between since and now.
// Wrap-around of the 32-bit counter is handled by unsigned subtraction.
func Elapsed(now, since Millis, n uint32) bool { return uint32(now-since) >= n }

// System counts milliseconds since its creation on the monotonic clock.
type System struct{ start time.Time }

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) Now() Millis { return Millis(time.Since(s.start).Milliseconds()) }

// Manual is a clock advanced by hand; safe for concurrent use.
type Manual struct{ now atomic.Uint32 }

func (m *Manual) Now() Millis       { return Millis(m.now.Load()) }
func (m *Manual) Set(t Millis)      { m.now.Store(uint32(t)) }
func (m *Manual) Advance(ms uint32) { m.now.Add(ms) }
