package can

import (
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame flag bits (same values as canfd_frame.flags).
const (
	FlagBRS = 0x01 // bit rate switch (second bitrate for payload data)
	FlagFD  = 0x04 // frame is a CAN FD frame
)

const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Frame is the CAN / CAN FD frame holder used across the engine.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length in bytes (0..8 classic, 0..64 FD); only the first Len bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [64]byte
}

// NewFrame builds a frame with the identifier width folded into CANID.
func NewFrame(id uint32, extended bool, data []byte) Frame {
	var f Frame
	if extended {
		f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		f.CANID = id & CAN_SFF_MASK
	}
	n := copy(f.Data[:], data)
	f.Len = uint8(n)
	if n > MaxClassicLen {
		f.Flags |= FlagFD
	}
	return f
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) FD() bool       { return f.Flags&FlagFD != 0 }

// Payload returns the valid payload bytes.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxFDLen {
		n = MaxFDLen
	}
	return f.Data[:n]
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.Flags = f.CANID, f.Len, f.Flags
	copy(g.Data[:], f.Data[:])
	return g
}

// String renders the frame in candump notation (123#DEADBEEF, 123##1DEAD for FD).
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended() {
		fmt.Fprintf(&b, "%08X", f.ID())
	} else {
		fmt.Fprintf(&b, "%03X", f.ID())
	}
	b.WriteByte('#')
	if f.FD() {
		fmt.Fprintf(&b, "#%X", f.Flags&0x0F)
	}
	for _, x := range f.Payload() {
		fmt.Fprintf(&b, "%02X", x)
	}
	return b.String()
}

var fdLens = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a 4-bit data length code to a byte count (CAN FD table).
func DLCToLen(dlc uint8) uint8 { return fdLens[dlc&0x0F] }

// LenToDLC returns the smallest DLC whose length holds n bytes.
func LenToDLC(n uint8) uint8 {
	for dlc, l := range fdLens {
		if l >= n {
			return uint8(dlc)
		}
	}
	return 15
}

// ValidLen reports whether n is a length a frame can carry on the wire.
func ValidLen(n uint8, fd bool) bool {
	if !fd {
		return n <= MaxClassicLen
	}
	return n <= MaxFDLen && fdLens[LenToDLC(n)] == n
}
