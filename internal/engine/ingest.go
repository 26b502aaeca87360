package engine

import (
	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

// Receive copies fr into the bus RX FIFO. It never blocks; when the FIFO is
// full or busy the frame is dropped, counted and the FIFO error returned.
func (e *Engine) Receive(id db.BusID, fr can.Frame) error {
	bs, err := e.active(id)
	if err != nil {
		return err
	}
	if err := bs.rx.Put(fr); err != nil {
		bs.stats.rxDropped.Add(1)
		metrics.IncRxDrop(bs.bus.Name)
		return err
	}
	bs.stats.rxFrames.Add(1)
	metrics.IncRx(bs.bus.Name)
	return nil
}

// Process drains every RX FIFO. Frames arriving while a FIFO is drained
// wait for the next call.
func (e *Engine) Process() {
	for i := range e.buses {
		bs := &e.buses[i]
		if bs.rx == nil {
			continue
		}
		for n := bs.rx.Len(); n > 0; n-- {
			fr, err := bs.rx.Get()
			if err != nil {
				break
			}
			e.ingest(bs, &fr)
		}
	}
}

func (e *Engine) ingest(bs *busState, fr *can.Frame) {
	if blk, ok := e.match(bs, fr); ok {
		target := db.NoBus
		_ = e.store.Update(blk, func(b *db.Block, rt *db.Runtime) {
			if b.Gateway != db.NoBus && !rt.GatewaySuppressed {
				target = b.Gateway
			}
		})
		if target != db.NoBus {
			e.forward(target, fr, metrics.KindKnown)
		} else {
			_ = e.store.Record(blk, fr.Payload())
		}
	} else if bs.bus.GatewayInput && !bs.unknownDisabled.Load() {
		for _, out := range bs.outputs {
			e.forward(out, fr, metrics.KindUnknown)
		}
	}
	if e.obs != nil {
		e.obs.OnFrame(bs.id, *fr)
	}
}

// match returns the first RX block of the bus, in table order, accepting fr.
func (e *Engine) match(bs *busState, fr *can.Frame) (db.BlockID, bool) {
	peer := uint8(bs.peerAddr.Load())
	payload := fr.Payload()
	for _, id := range bs.rxBlocks {
		b := &e.t.Blocks[id]
		if !b.Matches(fr) || !b.MuxMatches(payload) {
			continue
		}
		if b.SourceAddress && peer != AnyAddress && uint8(fr.ID()) != peer {
			continue
		}
		return id, true
	}
	return 0, false
}
