// Package engine runs the per-bus pipelines on top of the frame store:
// ingest of received frames, the periodic transmit scheduler, gateway
// forwarding between buses and controller bring-up.
//
// Threading model: Receive may be called from any goroutine (backend
// readers). Process, Tick, Flush and Cycle belong to a single main loop
// goroutine. The switches (SetKnownGateway, SetUnknownGateway,
// SetSourceAddress, SetPeerAddress) and the store are safe for concurrent use.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/go-canmw/internal/bittiming"
	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/clock"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/fifo"
	"github.com/kstaniek/go-canmw/internal/logging"
)

var (
	ErrBusTiming   = errors.New("engine: bus timing")
	ErrBusInactive = errors.New("engine: bus inactive")
	ErrNoDriver    = errors.New("engine: no driver attached")
)

const (
	DefaultRxFIFO = 64
	DefaultTxFIFO = 32

	// AnyAddress accepts every peer source address.
	AnyAddress uint8 = 0xFF
)

// Driver accepts frames for transmission without blocking. An error means
// the frame was not taken and must be offered again later.
type Driver interface {
	SendFrame(can.Frame) error
}

// TimingSetter is implemented by drivers that can program the controller.
type TimingSetter interface {
	SetBitTiming(r bittiming.Result) error
}

// FilterSetter is implemented by drivers with hardware acceptance filters.
type FilterSetter interface {
	SetFilters(fs []can.Filter) error
}

// Observer sees every frame taken from a receive FIFO.
type Observer interface {
	OnFrame(bus db.BusID, fr can.Frame)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(bus db.BusID, fr can.Frame)

func (f ObserverFunc) OnFrame(bus db.BusID, fr can.Frame) { f(bus, fr) }

// BusStats is a snapshot of one bus's counters.
type BusStats struct {
	RxFrames         uint64
	RxDropped        uint64
	TxQueued         uint64
	TxQueueFull      uint64
	TxSent           uint64
	TxErrors         uint64
	GatewayForwarded uint64
	GatewayDropped   uint64
}

type busCounters struct {
	rxFrames         atomic.Uint64
	rxDropped        atomic.Uint64
	txQueued         atomic.Uint64
	txQueueFull      atomic.Uint64
	txSent           atomic.Uint64
	txErrors         atomic.Uint64
	gatewayForwarded atomic.Uint64
	gatewayDropped   atomic.Uint64
}

type busState struct {
	id  db.BusID
	bus *db.Bus
	rx  *fifo.FIFO[can.Frame]
	tx  *fifo.FIFO[can.Frame]
	drv Driver
	up  bool

	rxBlocks []db.BlockID // table order
	txBlocks []db.BlockID
	outputs  []db.BusID

	ownAddr         atomic.Uint32
	peerAddr        atomic.Uint32
	unknownDisabled atomic.Bool

	stats busCounters
}

// Engine owns the FIFOs and runtime pipelines for every bus in the tables.
type Engine struct {
	t     *db.Tables
	store *db.Store
	clk   clock.Clock
	log   *slog.Logger
	obs   Observer
	buses []busState

	rxSize, txSize int
}

type Option func(*Engine)

func WithObserver(o Observer) Option   { return func(e *Engine) { e.obs = o } }
func WithClock(c clock.Clock) Option   { return func(e *Engine) { e.clk = c } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithRxFIFO(n int) Option          { return func(e *Engine) { e.rxSize = n } }
func WithTxFIFO(n int) Option          { return func(e *Engine) { e.txSize = n } }

// New validates t and allocates the store and one RX and one TX FIFO per
// active bus.
func New(t *db.Tables, opts ...Option) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{t: t, rxSize: DefaultRxFIFO, txSize: DefaultTxFIFO}
	for _, o := range opts {
		o(e)
	}
	if e.clk == nil {
		e.clk = clock.NewSystem()
	}
	if e.log == nil {
		e.log = logging.L()
	}
	e.store = db.NewStore(t, e.clk)
	e.buses = make([]busState, len(t.Buses))
	for i := range t.Buses {
		bs := &e.buses[i]
		bs.id = db.BusID(i)
		bs.bus = &t.Buses[i]
		bs.peerAddr.Store(uint32(AnyAddress))
		bs.outputs = t.Outputs(bs.id)
		if !bs.bus.Active {
			continue
		}
		var err error
		if bs.rx, err = fifo.New[can.Frame](e.rxSize); err != nil {
			return nil, fmt.Errorf("bus %s rx fifo: %w", bs.bus.Name, err)
		}
		if bs.tx, err = fifo.New[can.Frame](e.txSize); err != nil {
			return nil, fmt.Errorf("bus %s tx fifo: %w", bs.bus.Name, err)
		}
	}
	for i := range t.Blocks {
		b := &t.Blocks[i]
		bs := &e.buses[b.Bus]
		if b.Dir == db.RX {
			bs.rxBlocks = append(bs.rxBlocks, db.BlockID(i))
		} else {
			bs.txBlocks = append(bs.txBlocks, db.BlockID(i))
		}
	}
	return e, nil
}

// Store gives the application access to signals and per-block switches.
func (e *Engine) Store() *db.Store { return e.store }

// Tables returns the static configuration.
func (e *Engine) Tables() *db.Tables { return e.t }

func (e *Engine) bus(id db.BusID) (*busState, error) {
	if int(id) >= len(e.buses) {
		return nil, fmt.Errorf("%w: %d", db.ErrUnknownBus, id)
	}
	return &e.buses[id], nil
}

func (e *Engine) active(id db.BusID) (*busState, error) {
	bs, err := e.bus(id)
	if err != nil {
		return nil, err
	}
	if bs.rx == nil {
		return nil, fmt.Errorf("%w: %s", ErrBusInactive, bs.bus.Name)
	}
	return bs, nil
}

// Attach sets the driver used by Flush for an active bus.
func (e *Engine) Attach(id db.BusID, d Driver) error {
	bs, err := e.active(id)
	if err != nil {
		return err
	}
	bs.drv = d
	return nil
}

// BringUp configures every active bus: solves and applies bit timing when
// the bus declares a baud rate, and installs acceptance filters. The first
// failure aborts with an error naming the bus.
func (e *Engine) BringUp() error {
	for i := range e.buses {
		bs := &e.buses[i]
		if bs.rx == nil {
			continue
		}
		if bs.drv == nil {
			return fmt.Errorf("%w: bus %s", ErrNoDriver, bs.bus.Name)
		}
		if err := e.bringUp(bs); err != nil {
			return err
		}
		bs.up = true
	}
	return nil
}

func (e *Engine) bringUp(bs *busState) error {
	b := bs.bus
	if b.Baud != db.BaudExternal {
		res, err := bittiming.Solve(bittiming.Request{
			ClockHz:         b.ClockHz,
			Baud:            b.Baud,
			SamplePoint:     b.SamplePoint,
			DataBaud:        b.DataBaud,
			DataSamplePoint: b.DataSamplePoint,
		})
		if err != nil {
			return fmt.Errorf("%w: bus %s: %w", ErrBusTiming, b.Name, err)
		}
		if ts, ok := bs.drv.(TimingSetter); ok {
			if err := ts.SetBitTiming(res); err != nil {
				return fmt.Errorf("%w: bus %s apply: %w", ErrBusTiming, b.Name, err)
			}
		}
		e.log.Info("bus_timing", "bus", b.Name, "nominal", res.Nominal.String(), "data", res.Data.String())
	}
	if fs, ok := bs.drv.(FilterSetter); ok && !b.GatewayInput {
		filters := e.filters(bs)
		if err := fs.SetFilters(filters); err != nil {
			return fmt.Errorf("bus %s filters: %w", b.Name, err)
		}
		e.log.Info("bus_filters", "bus", b.Name, "count", len(filters))
	}
	e.log.Info("bus_up", "bus", b.Name, "baud", b.Baud, "fd", b.FD, "gateway_input", b.GatewayInput)
	return nil
}

// filters derives one acceptance filter per RX block.
func (e *Engine) filters(bs *busState) []can.Filter {
	out := make([]can.Filter, 0, len(bs.rxBlocks))
	for _, id := range bs.rxBlocks {
		b := &e.t.Blocks[id]
		mask := b.Mask
		if b.SourceAddress {
			if mask == 0 {
				mask = can.CAN_EFF_MASK
			}
			mask &^= 0xFF
		}
		out = append(out, can.ExactFilter(b.ID, b.Extended, mask))
	}
	return out
}

// Up reports whether BringUp completed for the bus.
func (e *Engine) Up(id db.BusID) bool {
	bs, err := e.bus(id)
	return err == nil && bs.up
}

// SetSourceAddress sets the own address substituted into the low identifier
// byte of source-addressed TX blocks on the bus.
func (e *Engine) SetSourceAddress(id db.BusID, own uint8) error {
	bs, err := e.bus(id)
	if err != nil {
		return err
	}
	bs.ownAddr.Store(uint32(own))
	return nil
}

// SetPeerAddress restricts source-addressed RX blocks on the bus to frames
// from peer; AnyAddress accepts all.
func (e *Engine) SetPeerAddress(id db.BusID, peer uint8) error {
	bs, err := e.bus(id)
	if err != nil {
		return err
	}
	bs.peerAddr.Store(uint32(peer))
	return nil
}

// Stats returns the counters of one bus.
func (e *Engine) Stats(id db.BusID) (BusStats, error) {
	bs, err := e.bus(id)
	if err != nil {
		return BusStats{}, err
	}
	c := &bs.stats
	return BusStats{
		RxFrames:         c.rxFrames.Load(),
		RxDropped:        c.rxDropped.Load(),
		TxQueued:         c.txQueued.Load(),
		TxQueueFull:      c.txQueueFull.Load(),
		TxSent:           c.txSent.Load(),
		TxErrors:         c.txErrors.Load(),
		GatewayForwarded: c.gatewayForwarded.Load(),
		GatewayDropped:   c.gatewayDropped.Load(),
	}, nil
}

// Pending returns the number of frames waiting in the bus TX FIFO.
func (e *Engine) Pending(id db.BusID) int {
	bs, err := e.active(id)
	if err != nil {
		return 0
	}
	return bs.tx.Len()
}

// Cycle runs one main loop iteration: ingest, schedule, drain.
func (e *Engine) Cycle() {
	e.Process()
	e.Tick()
	e.Flush()
}
