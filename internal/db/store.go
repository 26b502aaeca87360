package db

import (
	"bytes"
	"sync"

	"github.com/kstaniek/go-canmw/internal/clock"
	"github.com/kstaniek/go-canmw/internal/signal"
)

// Runtime is the mutable state of one block. Len never exceeds the block's
// declared length and applies to both Data and Snapshot.
type Runtime struct {
	Data     [64]byte
	Snapshot [64]byte // last transmitted (TX) or last received (RX) payload
	Len      uint8

	LastWrite    clock.Millis
	LastRead     clock.Millis
	LastReceive  clock.Millis
	LastTransmit clock.Millis
	LastRequest  clock.Millis // last transmit caused by a request

	Transmitted bool // LastTransmit is valid
	Requested   bool // LastRequest is valid
	Heard       bool // LastReceive is valid

	Received          bool
	TxRequested       bool
	TxSuppressed      bool
	GatewaySuppressed bool
}

// Changed reports whether Data differs from Snapshot.
func (r *Runtime) Changed() bool { return !bytes.Equal(r.Data[:r.Len], r.Snapshot[:r.Len]) }

// Store is the arena of runtime state, one entry per block.
type Store struct {
	mu    sync.Mutex
	t     *Tables
	clk   clock.Clock
	state []Runtime
}

// NewStore creates zeroed runtime state for every block with multiplexor
// values pre-seeded into the payload.
func NewStore(t *Tables, clk clock.Clock) *Store {
	s := &Store{t: t, clk: clk, state: make([]Runtime, len(t.Blocks))}
	for i := range t.Blocks {
		b := &t.Blocks[i]
		rt := &s.state[i]
		rt.Len = b.Length
		if b.Multiplexed() {
			_ = signal.Put(b.MuxValue, rt.Data[:rt.Len], b.MuxOffset, b.MuxLength, signal.Intel)
		}
	}
	return s
}

// Tables returns the static tables backing the store.
func (s *Store) Tables() *Tables { return s.t }

// Update runs fn on the runtime state of block b under the store lock.
func (s *Store) Update(b BlockID, fn func(*Block, *Runtime)) error {
	blk, err := s.t.Block(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(blk, &s.state[b])
	return nil
}

// each applies fn to b, or to every block when b is AllBlocks.
func (s *Store) each(b BlockID, fn func(*Runtime)) error {
	if b == AllBlocks {
		s.mu.Lock()
		for i := range s.state {
			fn(&s.state[i])
		}
		s.mu.Unlock()
		return nil
	}
	return s.Update(b, func(_ *Block, rt *Runtime) { fn(rt) })
}

// Data returns a copy of the current payload.
func (s *Store) Data(b BlockID) ([]byte, error) {
	var out []byte
	err := s.Update(b, func(_ *Block, rt *Runtime) {
		out = append(out, rt.Data[:rt.Len]...)
	})
	return out, err
}

// SetData replaces the payload; bytes beyond the block length are ignored.
func (s *Store) SetData(b BlockID, data []byte) error {
	now := s.clk.Now()
	return s.Update(b, func(_ *Block, rt *Runtime) {
		copy(rt.Data[:rt.Len], data)
		rt.LastWrite = now
	})
}

// Record stores a received payload. A shorter payload shrinks Len; a longer
// one is truncated to the declared length.
func (s *Store) Record(b BlockID, payload []byte) error {
	now := s.clk.Now()
	return s.Update(b, func(blk *Block, rt *Runtime) {
		n := min(len(payload), int(blk.Length))
		rt.Data = [64]byte{}
		copy(rt.Data[:], payload[:n])
		rt.Snapshot = rt.Data
		rt.Len = uint8(n)
		rt.Received = true
		rt.Heard = true
		rt.LastReceive = now
	})
}

// WriteSignal encodes v into the datapoint's block.
func (s *Store) WriteSignal(id DatapointID, v uint64) error {
	d, err := s.t.Datapoint(id)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	var perr error
	err = s.Update(d.Block, func(blk *Block, rt *Runtime) {
		if perr = d.put(v, rt.Data[:blk.Length]); perr == nil {
			rt.LastWrite = now
		}
	})
	if err != nil {
		return err
	}
	return perr
}

// ReadSignal decodes the datapoint's raw value.
func (s *Store) ReadSignal(id DatapointID) (uint64, error) {
	d, err := s.t.Datapoint(id)
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	var (
		v    uint64
		gerr error
	)
	err = s.Update(d.Block, func(_ *Block, rt *Runtime) {
		v, gerr = d.get(rt.Data[:rt.Len])
		rt.LastRead = now
	})
	if err != nil {
		return 0, err
	}
	return v, gerr
}

// ReadSigned decodes the datapoint, sign-extending when it is declared signed.
func (s *Store) ReadSigned(id DatapointID) (int64, error) {
	v, err := s.ReadSignal(id)
	if err != nil {
		return 0, err
	}
	d, _ := s.t.Datapoint(id)
	if !d.Signed {
		return int64(v), nil
	}
	return signal.SignExtend(v, d.Length), nil
}

// RequestTransmit asks the scheduler to send b on its next tick.
func (s *Store) RequestTransmit(b BlockID) error {
	return s.Update(b, func(_ *Block, rt *Runtime) { rt.TxRequested = true })
}

// SetTransmit enables or suppresses transmission of b (or AllBlocks).
func (s *Store) SetTransmit(b BlockID, enabled bool) error {
	return s.each(b, func(rt *Runtime) { rt.TxSuppressed = !enabled })
}

// SetKnownGateway enables or suppresses per-frame forwarding of b (or AllBlocks).
func (s *Store) SetKnownGateway(b BlockID, enabled bool) error {
	return s.each(b, func(rt *Runtime) { rt.GatewaySuppressed = !enabled })
}

// Received reports whether b has been received since startup or the last TakeReceived.
func (s *Store) Received(b BlockID) bool {
	var r bool
	_ = s.Update(b, func(_ *Block, rt *Runtime) { r = rt.Received })
	return r
}

// TakeReceived returns and clears the received flag.
func (s *Store) TakeReceived(b BlockID) bool {
	var r bool
	_ = s.Update(b, func(_ *Block, rt *Runtime) { r, rt.Received = rt.Received, false })
	return r
}

// LastReceive returns the timestamp of the last reception of b.
func (s *Store) LastReceive(b BlockID) (clock.Millis, bool) {
	var (
		ts clock.Millis
		ok bool
	)
	_ = s.Update(b, func(_ *Block, rt *Runtime) { ts, ok = rt.LastReceive, rt.Heard })
	return ts, ok
}

// Stale reports whether b has not been received within timeout ms. A block
// never received is stale. The received flag is not cleared.
func (s *Store) Stale(b BlockID, timeout uint32) bool {
	var stale bool
	now := s.clk.Now()
	err := s.Update(b, func(_ *Block, rt *Runtime) {
		stale = !rt.Heard || clock.Elapsed(now, rt.LastReceive, timeout)
	})
	return err != nil || stale
}
