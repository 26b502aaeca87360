package db

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-canmw/internal/signal"
)

// The on-disk form is produced by the database generator. Rows reference each
// other by name; IDs are assigned from table order.
type fileTables struct {
	Buses      []fileBus       `yaml:"buses"`
	Blocks     []fileBlock     `yaml:"blocks"`
	Datapoints []fileDatapoint `yaml:"datapoints"`
	Gateways   []fileGateway   `yaml:"gateways"`
}

type fileBus struct {
	Name            string  `yaml:"name"`
	Active          *bool   `yaml:"active"`
	Baud            uint32  `yaml:"baud"`
	SamplePoint     float64 `yaml:"sample_point"`
	DataBaud        uint32  `yaml:"data_baud"`
	DataSamplePoint float64 `yaml:"data_sample_point"`
	ClockHz         uint32  `yaml:"clock_hz"`
	FD              bool    `yaml:"fd"`
	GatewayInput    bool    `yaml:"gateway_input"`
	Driver          string  `yaml:"driver"`
	Interface       string  `yaml:"interface"`
	Device          string  `yaml:"device"`
	SerialBaud      int     `yaml:"serial_baud"`
	Address         string  `yaml:"address"`
}

type fileMux struct {
	Offset uint   `yaml:"offset"`
	Length uint   `yaml:"length"`
	Value  uint32 `yaml:"value"`
}

type fileBlock struct {
	Name          string  `yaml:"name"`
	Bus           string  `yaml:"bus"`
	ID            uint32  `yaml:"id"`
	Extended      bool    `yaml:"extended"`
	Length        uint8   `yaml:"length"`
	Dir           string  `yaml:"dir"`
	Gateway       string  `yaml:"gateway"`
	Mask          uint32  `yaml:"mask"`
	Mux           fileMux `yaml:"mux"`
	MinInterval   uint32  `yaml:"min_interval_ms"`
	MaxInterval   uint32  `yaml:"max_interval_ms"`
	SourceAddress bool    `yaml:"source_address"`
}

type fileDatapoint struct {
	Name   string `yaml:"name"`
	Block  string `yaml:"block"`
	Offset uint   `yaml:"offset"`
	Length uint   `yaml:"length"`
	Order  string `yaml:"order"`
	Signed bool   `yaml:"signed"`
}

type fileGateway struct {
	In  string `yaml:"in"`
	Out string `yaml:"out"`
}

// Defaults applied to buses that leave these fields empty.
const (
	DefaultSamplePoint     = 87.5
	DefaultDataSamplePoint = 75.0
	DefaultDriver          = "socketcan"
)

// LoadFile reads and validates tables from a YAML file.
func LoadFile(path string) (*Tables, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	return Load(bytes.NewReader(b))
}

// Load decodes and validates tables from YAML.
func Load(r io.Reader) (*Tables, error) {
	var f fileTables
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}
	t, err := f.build()
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *fileTables) build() (*Tables, error) {
	t := &Tables{}
	for _, b := range f.Buses {
		bus := Bus{
			Name:            b.Name,
			Active:          b.Active == nil || *b.Active,
			Baud:            b.Baud,
			SamplePoint:     b.SamplePoint,
			DataBaud:        b.DataBaud,
			DataSamplePoint: b.DataSamplePoint,
			ClockHz:         b.ClockHz,
			FD:              b.FD,
			GatewayInput:    b.GatewayInput,
			Driver:          b.Driver,
			Interface:       b.Interface,
			Device:          b.Device,
			SerialBaud:      b.SerialBaud,
			Address:         b.Address,
		}
		if bus.SamplePoint == 0 {
			bus.SamplePoint = DefaultSamplePoint
		}
		if bus.DataBaud != 0 && bus.DataSamplePoint == 0 {
			bus.DataSamplePoint = DefaultDataSamplePoint
		}
		if bus.Driver == "" {
			bus.Driver = DefaultDriver
		}
		t.Buses = append(t.Buses, bus)
	}
	busRef := func(name string) (BusID, error) {
		if id, ok := t.BusByName(name); ok {
			return id, nil
		}
		return NoBus, fmt.Errorf("%w: %w %q", ErrInvalidTables, ErrUnknownBus, name)
	}
	for _, b := range f.Blocks {
		bus, err := busRef(b.Bus)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", b.Name, err)
		}
		gw := NoBus
		if b.Gateway != "" {
			if gw, err = busRef(b.Gateway); err != nil {
				return nil, fmt.Errorf("block %q gateway: %w", b.Name, err)
			}
		}
		var dir Direction
		switch strings.ToLower(b.Dir) {
		case "rx", "":
			dir = RX
		case "tx":
			dir = TX
		default:
			return nil, fmt.Errorf("%w: block %q: invalid dir %q", ErrInvalidTables, b.Name, b.Dir)
		}
		t.Blocks = append(t.Blocks, Block{
			Name:          b.Name,
			Bus:           bus,
			ID:            b.ID,
			Extended:      b.Extended,
			Length:        b.Length,
			Dir:           dir,
			Gateway:       gw,
			Mask:          b.Mask,
			MuxOffset:     b.Mux.Offset,
			MuxLength:     b.Mux.Length,
			MuxValue:      b.Mux.Value,
			MinInterval:   b.MinInterval,
			MaxInterval:   b.MaxInterval,
			SourceAddress: b.SourceAddress,
		})
	}
	for _, d := range f.Datapoints {
		blk, ok := t.BlockByName(d.Block)
		if !ok {
			return nil, fmt.Errorf("%w: datapoint %q: %w %q", ErrInvalidTables, d.Name, ErrUnknownBlock, d.Block)
		}
		var order signal.ByteOrder
		switch strings.ToLower(d.Order) {
		case "intel", "little", "":
			order = signal.Intel
		case "motorola", "big":
			order = signal.Motorola
		default:
			return nil, fmt.Errorf("%w: datapoint %q: invalid order %q", ErrInvalidTables, d.Name, d.Order)
		}
		t.Datapoints = append(t.Datapoints, Datapoint{
			Name:   d.Name,
			Block:  blk,
			Offset: d.Offset,
			Length: d.Length,
			Order:  order,
			Signed: d.Signed,
		})
	}
	for _, g := range f.Gateways {
		in, err := busRef(g.In)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		out, err := busRef(g.Out)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		t.Gateways = append(t.Gateways, GatewayRule{In: in, Out: out})
	}
	return t, nil
}
