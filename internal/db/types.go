// Package db holds the static CAN database (buses, frame definitions,
// datapoints, gateway rules) and the mutable per-frame runtime store.
package db

import (
	"errors"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/signal"
)

// BusID, BlockID and DatapointID index the static tables.
type (
	BusID       uint8
	BlockID     uint16
	DatapointID uint16
)

const (
	AllBuses  BusID   = 0xFE // wildcard for per-bus switches
	NoBus     BusID   = 0xFF // block has no gateway target
	AllBlocks BlockID = 0xFFFF

	maxBuses  = int(AllBuses)
	maxBlocks = int(AllBlocks)
)

// BaudExternal marks a bus whose bitrate is configured outside this process.
const BaudExternal = 0

var (
	ErrInvalidTables    = errors.New("db: invalid tables")
	ErrUnknownBus       = errors.New("db: unknown bus")
	ErrUnknownBlock     = errors.New("db: unknown block")
	ErrUnknownDatapoint = errors.New("db: unknown datapoint")
)

// Direction of a frame definition as seen from this node.
type Direction uint8

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// Bus is one physical CAN interface.
type Bus struct {
	Name            string
	Active          bool
	Baud            uint32 // BaudExternal leaves the controller untouched
	SamplePoint     float64
	DataBaud        uint32 // 0 disables the CAN FD data phase
	DataSamplePoint float64
	ClockHz         uint32
	FD              bool
	GatewayInput    bool
	Driver          string // socketcan | serial | cannelloni | loopback
	Interface       string // SocketCAN interface name
	Device          string // serial device path
	SerialBaud      int
	Address         string // cannelloni peer host:port
}

// Block is a frame definition.
type Block struct {
	Name          string
	Bus           BusID
	ID            uint32
	Extended      bool
	Length        uint8 // bytes
	Dir           Direction
	Gateway       BusID // NoBus when not forwarded
	Mask          uint32
	MuxOffset     uint
	MuxLength     uint // 0 = not multiplexed
	MuxValue      uint32
	MinInterval   uint32 // ms
	MaxInterval   uint32 // ms, 0 = on request only
	SourceAddress bool
}

// Multiplexed reports whether the block carries a multiplexor field.
func (b *Block) Multiplexed() bool { return b.MuxLength > 0 }

// Matches checks identifier width and value, optionally under Mask. When the
// block uses source addressing the low identifier byte is ignored here.
func (b *Block) Matches(fr *can.Frame) bool {
	if fr.Extended() != b.Extended {
		return false
	}
	id, want := fr.ID(), b.ID
	if b.SourceAddress {
		id &^= 0xFF
		want &^= 0xFF
	}
	if b.Mask != 0 {
		return id&b.Mask == want&b.Mask
	}
	return id == want
}

// MuxMatches checks the multiplexor field of an incoming payload.
func (b *Block) MuxMatches(payload []byte) bool {
	if !b.Multiplexed() {
		return true
	}
	v, err := signal.Get(payload, b.MuxOffset, b.MuxLength, signal.Intel)
	return err == nil && v == b.MuxValue
}

// Datapoint is a signal inside one block.
type Datapoint struct {
	Name   string
	Block  BlockID
	Offset uint
	Length uint
	Order  signal.ByteOrder
	Signed bool
}

// Wide reports whether the 64-bit codec is used.
func (d *Datapoint) Wide() bool { return d.Length > 32 }

func (d *Datapoint) check(capBits uint) error {
	if d.Wide() {
		return signal.Check(min(capBits, 64), d.Offset, d.Length, 64)
	}
	return signal.Check(capBits, d.Offset, d.Length, 32)
}

func (d *Datapoint) get(buf []byte) (uint64, error) {
	if d.Wide() {
		return signal.Get64(buf, d.Offset, d.Length, d.Order)
	}
	v, err := signal.Get(buf, d.Offset, d.Length, d.Order)
	return uint64(v), err
}

func (d *Datapoint) put(v uint64, buf []byte) error {
	if d.Wide() {
		return signal.Put64(v, buf, d.Offset, d.Length, d.Order)
	}
	return signal.Put(uint32(v), buf, d.Offset, d.Length, d.Order)
}

// GatewayRule forwards unknown identifiers from In to Out.
type GatewayRule struct {
	In  BusID
	Out BusID
}

// Tables is the immutable database. Slice position is the ID.
type Tables struct {
	Buses      []Bus
	Blocks     []Block
	Datapoints []Datapoint
	Gateways   []GatewayRule
}

func (t *Tables) Bus(id BusID) (*Bus, error) {
	if int(id) >= len(t.Buses) {
		return nil, ErrUnknownBus
	}
	return &t.Buses[id], nil
}

func (t *Tables) Block(id BlockID) (*Block, error) {
	if int(id) >= len(t.Blocks) {
		return nil, ErrUnknownBlock
	}
	return &t.Blocks[id], nil
}

func (t *Tables) Datapoint(id DatapointID) (*Datapoint, error) {
	if int(id) >= len(t.Datapoints) {
		return nil, ErrUnknownDatapoint
	}
	return &t.Datapoints[id], nil
}

// BusByName looks a bus up by name.
func (t *Tables) BusByName(name string) (BusID, bool) {
	for i := range t.Buses {
		if t.Buses[i].Name == name {
			return BusID(i), true
		}
	}
	return NoBus, false
}

func (t *Tables) BlockByName(name string) (BlockID, bool) {
	for i := range t.Blocks {
		if t.Blocks[i].Name == name {
			return BlockID(i), true
		}
	}
	return AllBlocks, false
}

func (t *Tables) DatapointByName(name string) (DatapointID, bool) {
	for i := range t.Datapoints {
		if t.Datapoints[i].Name == name {
			return DatapointID(i), true
		}
	}
	return 0, false
}

// Outputs returns the unknown-ID gateway targets of bus in table order.
func (t *Tables) Outputs(in BusID) []BusID {
	var out []BusID
	for _, r := range t.Gateways {
		if r.In == in {
			out = append(out, r.Out)
		}
	}
	return out
}
