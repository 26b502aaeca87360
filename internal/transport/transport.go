// Package transport holds the pieces shared by the bus backends: the frame
// sink contract, the asynchronous controller mailbox and the in-memory
// loopback bus.
package transport

import (
	"github.com/kstaniek/go-canmw/internal/can"
)

// FrameSink is a CAN frame transmission target. It must not block.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// Handler receives frames read from a bus.
type Handler func(can.Frame)

// Backend is an opened bus: frames sent to it go to the wire, frames read
// from the wire are passed to the handler given at open time.
type Backend interface {
	FrameSink
	Close() error
}

var (
	_ Backend = (*Loopback)(nil)
)
