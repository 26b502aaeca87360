package db

import (
	"fmt"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/signal"
)

// Validate checks the cross-table references and per-row invariants.
func (t *Tables) Validate() error {
	if len(t.Buses) > maxBuses {
		return fmt.Errorf("%w: %d buses (max %d)", ErrInvalidTables, len(t.Buses), maxBuses)
	}
	if len(t.Blocks) > maxBlocks || len(t.Datapoints) > maxBlocks {
		return fmt.Errorf("%w: too many blocks or datapoints", ErrInvalidTables)
	}
	names := map[string]struct{}{}
	for i := range t.Buses {
		b := &t.Buses[i]
		if b.Name == "" {
			return fmt.Errorf("%w: bus %d has no name", ErrInvalidTables, i)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("%w: duplicate bus %q", ErrInvalidTables, b.Name)
		}
		names[b.Name] = struct{}{}
		if b.DataBaud != 0 && !b.FD {
			return fmt.Errorf("%w: bus %q has data_baud without fd", ErrInvalidTables, b.Name)
		}
	}
	for i := range t.Blocks {
		if err := t.validateBlock(&t.Blocks[i]); err != nil {
			return fmt.Errorf("%w: block %d (%s): %v", ErrInvalidTables, i, t.Blocks[i].Name, err)
		}
	}
	for i := range t.Datapoints {
		d := &t.Datapoints[i]
		blk, err := t.Block(d.Block)
		if err != nil {
			return fmt.Errorf("%w: datapoint %q: %v", ErrInvalidTables, d.Name, err)
		}
		if err := d.check(uint(blk.Length) * 8); err != nil {
			return fmt.Errorf("%w: datapoint %q: %v", ErrInvalidTables, d.Name, err)
		}
	}
	for i, r := range t.Gateways {
		if _, err := t.Bus(r.In); err != nil {
			return fmt.Errorf("%w: gateway rule %d: input: %v", ErrInvalidTables, i, err)
		}
		if _, err := t.Bus(r.Out); err != nil {
			return fmt.Errorf("%w: gateway rule %d: output: %v", ErrInvalidTables, i, err)
		}
		if r.In == r.Out {
			return fmt.Errorf("%w: gateway rule %d loops bus %d onto itself", ErrInvalidTables, i, r.In)
		}
	}
	return nil
}

func (t *Tables) validateBlock(b *Block) error {
	bus, err := t.Bus(b.Bus)
	if err != nil {
		return err
	}
	switch {
	case b.Extended && b.ID > can.CAN_EFF_MASK:
		return fmt.Errorf("extended id %#x out of range", b.ID)
	case !b.Extended && b.ID > can.CAN_SFF_MASK:
		return fmt.Errorf("standard id %#x out of range", b.ID)
	case !can.ValidLen(b.Length, bus.FD):
		return fmt.Errorf("length %d not valid on bus %q", b.Length, bus.Name)
	case b.MinInterval > b.MaxInterval && b.MaxInterval != 0:
		return fmt.Errorf("min interval %d > max interval %d", b.MinInterval, b.MaxInterval)
	case b.SourceAddress && !b.Extended:
		return fmt.Errorf("source addressing needs an extended id")
	}
	if b.Multiplexed() {
		if err := signal.Check(uint(b.Length)*8, b.MuxOffset, b.MuxLength, 32); err != nil {
			return fmt.Errorf("multiplexor: %v", err)
		}
	}
	if b.Gateway != NoBus {
		if b.Dir != RX {
			return fmt.Errorf("gateway target on a transmit block")
		}
		if _, err := t.Bus(b.Gateway); err != nil {
			return fmt.Errorf("gateway target: %v", err)
		}
		if b.Gateway == b.Bus {
			return fmt.Errorf("gateway target is its own bus")
		}
	}
	return nil
}
