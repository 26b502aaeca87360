package engine

import (
	"errors"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/clock"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

// RequestThrottle is the minimum spacing in ms of request-driven sends of
// one block. A request inside the window is coalesced into the previous
// requested send.
const RequestThrottle = 10

// Tick evaluates every TX block and queues the due ones.
func (e *Engine) Tick() {
	now := e.clk.Now()
	for i := range e.buses {
		bs := &e.buses[i]
		if bs.tx == nil {
			continue
		}
		for _, id := range bs.txBlocks {
			_ = e.store.Update(id, func(b *db.Block, rt *db.Runtime) { e.schedule(bs, b, rt, now) })
		}
	}
}

// due returns the scheduler reason for sending now, or "" if not due.
func due(b *db.Block, rt *db.Runtime, now clock.Millis) string {
	if rt.TxRequested {
		return metrics.ReasonRequest
	}
	if b.MaxInterval == 0 {
		return ""
	}
	if !rt.Transmitted || clock.Elapsed(now, rt.LastTransmit, b.MaxInterval) {
		return metrics.ReasonCycle
	}
	if clock.Elapsed(now, rt.LastTransmit, b.MinInterval) && rt.Changed() {
		return metrics.ReasonChange
	}
	return ""
}

func (e *Engine) schedule(bs *busState, b *db.Block, rt *db.Runtime, now clock.Millis) {
	if rt.TxSuppressed {
		return
	}
	if rt.TxRequested && rt.Requested && !clock.Elapsed(now, rt.LastRequest, RequestThrottle) {
		rt.TxRequested = false
	}
	reason := due(b, rt, now)
	if reason == "" {
		return
	}
	if err := bs.tx.Put(e.frame(bs, b, rt)); err != nil {
		bs.stats.txQueueFull.Add(1)
		metrics.IncTxQueueFull(bs.bus.Name)
		return
	}
	rt.TxRequested = false
	if reason == metrics.ReasonRequest {
		rt.Requested = true
		rt.LastRequest = now
	}
	rt.Snapshot = rt.Data
	rt.Transmitted = true
	rt.LastTransmit = now
	bs.stats.txQueued.Add(1)
	metrics.IncTxQueued(bs.bus.Name)
	metrics.IncScheduled(bs.bus.Name, reason)
}

// frame builds the wire frame of a TX block, substituting the bus's own
// address into the low identifier byte for source-addressed blocks.
func (e *Engine) frame(bs *busState, b *db.Block, rt *db.Runtime) can.Frame {
	id := b.ID
	if b.SourceAddress {
		id = id&^0xFF | bs.ownAddr.Load()&0xFF
	}
	fr := can.Frame{Len: rt.Len}
	if b.Extended {
		fr.CANID = id&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		fr.CANID = id & can.CAN_SFF_MASK
	}
	if bs.bus.FD && rt.Len > can.MaxClassicLen {
		fr.Flags = can.FlagFD
		if bs.bus.DataBaud != 0 {
			fr.Flags |= can.FlagBRS
		}
	}
	copy(fr.Data[:rt.Len], rt.Data[:rt.Len])
	return fr
}

// Flush offers queued frames to each bus driver in order. A driver error
// leaves the frame at the head of the FIFO for the next cycle, except
// can.ErrRejected (and can.ErrBusDown, logged at debug) which discards it.
func (e *Engine) Flush() {
	for i := range e.buses {
		bs := &e.buses[i]
		if bs.tx == nil || bs.drv == nil {
			continue
		}
		for n := bs.tx.Len(); n > 0; n-- {
			fr, err := bs.tx.Preview()
			if err != nil {
				break
			}
			if err := bs.drv.SendFrame(fr); err != nil {
				bs.stats.txErrors.Add(1)
				metrics.IncTxError(bs.bus.Name)
				if errors.Is(err, can.ErrBusDown) {
					e.log.Debug("tx_bus_down", "bus", bs.bus.Name, "id", fr.ID())
					_ = bs.tx.Remove(1)
					continue
				}
				if errors.Is(err, can.ErrRejected) {
					e.log.Warn("tx_frame_rejected", "bus", bs.bus.Name, "frame", fr.String(), "error", err)
					_ = bs.tx.Remove(1)
					continue
				}
				e.log.Debug("tx_send_error", "bus", bs.bus.Name, "id", fr.ID(), "error", err)
				break
			}
			_ = bs.tx.Remove(1)
			bs.stats.txSent.Add(1)
			metrics.IncTxSent(bs.bus.Name)
		}
	}
}
