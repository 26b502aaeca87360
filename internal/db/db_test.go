package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/clock"
	"github.com/kstaniek/go-canmw/internal/signal"
)

func loadVehicle(t *testing.T) *Tables {
	t.Helper()
	tbl, err := LoadFile("testdata/vehicle.yaml")
	require.NoError(t, err)
	return tbl
}

func TestLoadFile(t *testing.T) {
	tbl := loadVehicle(t)
	require.Len(t, tbl.Buses, 3)
	require.Len(t, tbl.Blocks, 6)
	require.Len(t, tbl.Datapoints, 5)

	body, ok := tbl.BusByName("body")
	require.True(t, ok)
	require.Equal(t, BusID(0), body)
	require.True(t, tbl.Buses[body].GatewayInput)
	require.True(t, tbl.Buses[body].Active)
	require.Equal(t, 80.0, tbl.Buses[body].SamplePoint)

	chassis, _ := tbl.BusByName("chassis")
	require.Equal(t, DefaultSamplePoint, tbl.Buses[chassis].SamplePoint)
	require.Equal(t, DefaultDataSamplePoint, tbl.Buses[chassis].DataSamplePoint)
	require.False(t, tbl.Buses[2].Active)

	lamp, ok := tbl.BlockByName("lamp_cmd")
	require.True(t, ok)
	require.Equal(t, TX, tbl.Blocks[lamp].Dir)
	require.Equal(t, uint32(0x18FF1000), tbl.Blocks[lamp].ID)
	require.Equal(t, NoBus, tbl.Blocks[lamp].Gateway)

	fwd, _ := tbl.BlockByName("brake_fwd")
	require.Equal(t, body, tbl.Blocks[fwd].Gateway)

	lvl, _ := tbl.DatapointByName("lamp_level")
	require.Equal(t, signal.Motorola, tbl.Datapoints[lvl].Order)
	require.Equal(t, []BusID{chassis, 2}, tbl.Outputs(body))
	require.Empty(t, tbl.Outputs(chassis))
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown_bus", "buses: [{name: a}]\nblocks: [{name: x, bus: b, id: 1, length: 8}]"},
		{"bad_dir", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 8, dir: up}]"},
		{"std_id_range", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 0x800, length: 8}]"},
		{"classic_len", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 12}]"},
		{"fd_len_table", "buses: [{name: a, fd: true}]\nblocks: [{name: x, bus: a, id: 1, length: 13}]"},
		{"signal_span", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 8}]\ndatapoints: [{name: s, block: x, offset: 4, length: 32}]"},
		{"signal_overrun", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 2}]\ndatapoints: [{name: s, block: x, offset: 10, length: 8}]"},
		{"gateway_loop", "buses: [{name: a}]\ngateways: [{in: a, out: a}]"},
		{"tx_gateway", "buses: [{name: a}, {name: b}]\nblocks: [{name: x, bus: a, id: 1, length: 8, dir: tx, gateway: b}]"},
		{"dup_bus", "buses: [{name: a}, {name: a}]"},
		{"unknown_field", "buses: [{name: a, speed: 5}]"},
		{"min_gt_max", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 8, dir: tx, min_interval_ms: 50, max_interval_ms: 10}]"},
		{"sa_standard", "buses: [{name: a}]\nblocks: [{name: x, bus: a, id: 1, length: 8, source_address: true}]"},
	}
	for _, tc := range tests {
		_, err := Load(strings.NewReader(tc.yaml))
		require.Error(t, err, tc.name)
	}
}

func TestStoreSignals(t *testing.T) {
	tbl := loadVehicle(t)
	var clk clock.Manual
	s := NewStore(tbl, &clk)

	lvl, _ := tbl.DatapointByName("lamp_level")
	odo, _ := tbl.DatapointByName("odometer")
	clk.Set(42)
	require.NoError(t, s.WriteSignal(lvl, 0xABC))
	require.NoError(t, s.WriteSignal(odo, 0x12_3456_789A))

	v, err := s.ReadSignal(lvl)
	require.NoError(t, err)
	require.Equal(t, uint64(0xABC), v)
	v, err = s.ReadSignal(odo)
	require.NoError(t, err)
	require.Equal(t, uint64(0x12_3456_789A), v)

	lamp, _ := tbl.BlockByName("lamp_cmd")
	require.NoError(t, s.Update(lamp, func(_ *Block, rt *Runtime) {
		require.Equal(t, clock.Millis(42), rt.LastWrite)
		require.True(t, rt.Changed())
	}))

	tail, _ := tbl.DatapointByName("fd_tail")
	require.NoError(t, s.WriteSignal(tail, 0xCAFEBABE))
	fd, _ := tbl.BlockByName("wide_fd")
	data, err := s.Data(fd)
	require.NoError(t, err)
	require.Len(t, data, 64)
	require.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, data[60:])

	_, err = s.ReadSignal(DatapointID(99))
	require.ErrorIs(t, err, ErrUnknownDatapoint)
	require.ErrorIs(t, s.RequestTransmit(BlockID(99)), ErrUnknownBlock)
}

func TestStoreMuxPreseedAndMatch(t *testing.T) {
	tbl := loadVehicle(t)
	s := NewStore(tbl, &clock.Manual{})
	p1, _ := tbl.BlockByName("mux_page1")
	data, _ := s.Data(p1)
	require.Equal(t, byte(0x01), data[0])

	blk := &tbl.Blocks[p1]
	fr := can.NewFrame(0x400, false, []byte{0x01, 0xF6, 0, 0, 0, 0, 0, 0})
	require.True(t, blk.Matches(&fr))
	require.True(t, blk.MuxMatches(fr.Payload()))
	require.False(t, tbl.Blocks[p1-1].MuxMatches(fr.Payload()))

	require.NoError(t, s.Record(p1, fr.Payload()))
	temp, _ := tbl.DatapointByName("temp")
	v, err := s.ReadSigned(temp)
	require.NoError(t, err)
	require.Equal(t, int64(-10), v)
}

func TestStoreReceiveFlagsAndStale(t *testing.T) {
	tbl := loadVehicle(t)
	var clk clock.Manual
	s := NewStore(tbl, &clk)
	door, _ := tbl.BlockByName("door_status")

	require.True(t, s.Stale(door, 100))
	clk.Set(1000)
	require.NoError(t, s.Record(door, []byte{1, 2, 3}))
	require.True(t, s.Received(door))
	ts, ok := s.LastReceive(door)
	require.True(t, ok)
	require.Equal(t, clock.Millis(1000), ts)

	data, _ := s.Data(door)
	require.Equal(t, []byte{1, 2, 3}, data)

	require.True(t, s.TakeReceived(door))
	require.False(t, s.Received(door))
	clk.Advance(99)
	require.False(t, s.Stale(door, 100))
	clk.Advance(1)
	require.True(t, s.Stale(door, 100))
}

func TestStoreSwitchesWildcard(t *testing.T) {
	tbl := loadVehicle(t)
	s := NewStore(tbl, &clock.Manual{})
	require.NoError(t, s.SetKnownGateway(AllBlocks, false))
	require.NoError(t, s.SetTransmit(1, false))
	for i := range tbl.Blocks {
		_ = s.Update(BlockID(i), func(_ *Block, rt *Runtime) {
			require.True(t, rt.GatewaySuppressed)
			require.Equal(t, i == 1, rt.TxSuppressed)
		})
	}
}

func TestBlockMatchesMaskAndSourceAddress(t *testing.T) {
	b := Block{ID: 0x700, Mask: 0x7F0}
	fr := can.NewFrame(0x70A, false, nil)
	require.True(t, b.Matches(&fr))
	fr = can.NewFrame(0x71A, false, nil)
	require.False(t, b.Matches(&fr))

	sa := Block{ID: 0x18FF1000, Extended: true, SourceAddress: true}
	fr = can.NewFrame(0x18FF10A5, true, nil)
	require.True(t, sa.Matches(&fr))
	fr = can.NewFrame(0x10A5, false, nil)
	require.False(t, sa.Matches(&fr))
}
