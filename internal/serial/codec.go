// Package serial drives an Ampio CAN/UART bridge as a classic CAN bus.
//
// Both directions use the envelope
//
//	2D D4 LEN BODY... SUM
//
// where LEN counts BODY plus the checksum byte and SUM = 0x2D + LEN +
// sum(BODY) mod 256. Host to bridge BODY is INS(0x02) FLAGS(0x80|dlc)
// ID(4, big-endian) DATA(0..8). Bridge to host BODY is ID(4, big-endian)
// DATA(0..8). The bridge only carries extended identifiers.
package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

var ErrUnsupported = fmt.Errorf("serial: not supported by the UART bridge: %w", can.ErrRejected)

const (
	pre0       = 0x2D
	pre1       = 0xD4
	insSendExt = 0x02
	flagDLC    = 0x80

	rxMinLn = 4 + 0 + 1 // ID + empty payload + checksum
	rxMaxLn = 4 + 8 + 1

	// reclaimThreshold is the accumulator capacity above which a drained
	// decoder buffer is reallocated, so a burst of line noise does not pin
	// a large backing array.
	reclaimThreshold = 16 * 1024
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer grew
// large relative to its unread bytes. It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		*b = *bytes.NewBuffer(clone)
		return true
	}
	return false
}

func checksum(ln byte, body []byte) byte {
	sum := ln + pre0
	for _, b := range body {
		sum += b
	}
	return sum
}

// envelope wraps body into a UART frame.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = pre0, pre1, byte(n+1)
	copy(out[3:], body)
	out[3+n] = checksum(out[2], body)
	return out
}

// Encode builds the host to bridge frame for f. FD and remote frames are
// not supported by the bridge.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.FD() || f.Len > can.MaxClassicLen || f.CANID&can.CAN_RTR_FLAG != 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	body := make([]byte, 6+f.Len)
	body[0] = insSendExt
	body[1] = flagDLC | f.Len
	binary.BigEndian.PutUint32(body[2:6], f.ID())
	copy(body[6:], f.Data[:f.Len])
	return envelope(body), nil
}

// DecodeStream consumes complete bridge to host frames from in and emits
// them via out. Partial frames stay buffered; garbage and frames with a bad
// length or checksum are skipped byte by byte and counted as malformed.
// It returns the number of frames emitted.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) int {
	header := []byte{pre0, pre1}
	n := 0
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return n
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte, it may be the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return n
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLn || ln > rxMaxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return n
		}
		body := data[3 : total-1]
		if checksum(data[2], body) != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(body[0:4]) & can.CAN_EFF_MASK
		out(can.NewFrame(id, true, body[4:]))
		n++
		in.Next(total)
	}
}

// Decoder accumulates reads from the port between DecodeStream calls.
type Decoder struct {
	codec Codec
	acc   *bytes.Buffer
}

func NewDecoder() *Decoder { return &Decoder{acc: bytes.NewBuffer(nil)} }

// Feed appends p and emits every complete frame.
func (d *Decoder) Feed(p []byte, out func(can.Frame)) int {
	d.acc.Write(p)
	n := d.codec.DecodeStream(d.acc, out)
	if d.acc.Len() == 0 && cap(d.acc.Bytes()) > reclaimThreshold {
		d.acc = bytes.NewBuffer(nil)
	}
	return n
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return d.acc.Len() }
