// Package cnl speaks cannelloni over TCP, tunnelling one CAN bus to a
// remote peer (another gateway or a can-server).
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

// fdFrame in the length byte marks a CAN FD frame; a flags byte follows.
const fdFrame = 0x80

var (
	// ErrInvalidLength is returned for a length the frame kind cannot carry.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// Codec is stateless and safe for concurrent use.
//
// Wire layout per frame: CANID(4, big-endian, Linux flag bits) LEN(1)
// [FLAGS(1) when LEN has fdFrame set] DATA(LEN&0x7F).
type Codec struct{}

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 2 + can.MaxClassicLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire form of frames to w and returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [6]byte
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(hdr[0:4], f.CANID)
		h := hdr[:5]
		hdr[4] = f.Len
		if f.FD() {
			hdr[4] |= fdFrame
			hdr[5] = f.Flags &^ can.FlagFD
			h = hdr[:6]
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if f.Len > 0 {
			n, err = w.Write(f.Data[:f.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return f, c.malformed(ErrTruncatedFrame)
		}
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:5]); err != nil {
		return f, c.malformed(ErrTruncatedFrame)
	}
	f.CANID = binary.BigEndian.Uint32(hdr[0:4])
	ln := hdr[4] &^ fdFrame
	fd := hdr[4]&fdFrame != 0
	if fd {
		var fl [1]byte
		if _, err := io.ReadFull(r, fl[:]); err != nil {
			return f, c.malformed(ErrTruncatedFrame)
		}
		f.Flags = fl[0] | can.FlagFD
	}
	if !can.ValidLen(ln, fd) {
		return f, c.malformed(fmt.Errorf("%w (%d)", ErrInvalidLength, ln))
	}
	f.Len = ln
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, c.malformed(ErrTruncatedFrame)
			}
			return f, c.malformed(err)
		}
	}
	return f, nil
}

func (c *Codec) malformed(err error) error {
	metrics.IncMalformed()
	return fmt.Errorf("cannelloni decode: %w", err)
}

// DecodeN decodes up to max frames (all until EOF if max <= 0), invoking
// onFrame for each. It returns the count and the terminal error, io.EOF at
// a clean end.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
