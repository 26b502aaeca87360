package engine

import (
	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

// SetKnownGateway enables or suppresses forwarding of a gatewayed RX block
// (or AllBlocks). A suppressed block is recorded locally instead.
func (e *Engine) SetKnownGateway(b db.BlockID, enabled bool) error {
	return e.store.SetKnownGateway(b, enabled)
}

// SetUnknownGateway enables or suppresses forwarding of unmatched frames
// arriving on a gateway input bus (or AllBuses).
func (e *Engine) SetUnknownGateway(id db.BusID, enabled bool) error {
	if id == db.AllBuses {
		for i := range e.buses {
			e.buses[i].unknownDisabled.Store(!enabled)
		}
		return nil
	}
	bs, err := e.bus(id)
	if err != nil {
		return err
	}
	bs.unknownDisabled.Store(!enabled)
	return nil
}

// forward queues fr unchanged on the output bus. Failures are counted on
// the output bus and never retried.
func (e *Engine) forward(out db.BusID, fr *can.Frame, kind string) {
	bs, err := e.bus(out)
	if err != nil {
		return
	}
	if bs.tx == nil || (fr.FD() && !bs.bus.FD) {
		e.gatewayDrop(bs)
		return
	}
	if err := bs.tx.Put(*fr); err != nil {
		e.gatewayDrop(bs)
		return
	}
	bs.stats.txQueued.Add(1)
	bs.stats.gatewayForwarded.Add(1)
	metrics.IncTxQueued(bs.bus.Name)
	metrics.IncGatewayForward(bs.bus.Name, kind)
}

func (e *Engine) gatewayDrop(bs *busState) {
	bs.stats.gatewayDropped.Add(1)
	metrics.IncGatewayDrop(bs.bus.Name)
}
