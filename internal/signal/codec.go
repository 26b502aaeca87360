// Package signal packs and unpacks integer signals at arbitrary bit offsets
// inside CAN frame payloads.
//
// Two word sizes are provided. Put/Get operate on a 4-byte window starting at
// the byte that holds the first signal bit, so a signal may cover at most four
// consecutive bytes of a payload of up to 64 bytes. Put64/Get64 operate on the
// first 8 bytes of the payload as a single word.
//
// Bit numbering is the same for both variants: payload bit n lives in byte
// n/8. With Intel order signal bit i sits at bit (n%8) of that byte, counting
// from the LSB. With Motorola order the word is bit reversed, so signal bit 0
// lands on the MSB of its containing byte.
package signal

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// ByteOrder selects the bit layout of a signal.
type ByteOrder uint8

const (
	Intel ByteOrder = iota
	Motorola
)

func (o ByteOrder) String() string {
	if o == Motorola {
		return "motorola"
	}
	return "intel"
}

var (
	ErrOffset = errors.New("signal: bit offset outside buffer")
	ErrRange  = errors.New("signal: signal exceeds buffer")
	ErrLength = errors.New("signal: invalid bit length")
	ErrSpan   = errors.New("signal: signal spans too many bytes")
)

// Check validates a signal placement against a buffer of capBits bits for a
// codec word of word bits.
func Check(capBits, offset, length, word uint) error {
	switch {
	case length == 0 || length > word:
		return ErrLength
	case offset >= capBits:
		return ErrOffset
	case offset+length > capBits:
		return ErrRange
	case offset%8+length > word:
		return ErrSpan
	}
	return nil
}

// Put writes the low length bits of v into buf. Bits outside the signal are
// preserved. On error buf is untouched.
func Put(v uint32, buf []byte, offset, length uint, order ByteOrder) error {
	if err := Check(uint(len(buf))*8, offset, length, 32); err != nil {
		return err
	}
	start := offset / 8
	shift := offset % 8
	var w [4]byte
	n := copy(w[:], buf[start:])
	mask := mask32(length) << shift
	val := (v << shift) & mask
	if order == Motorola {
		mask, val = bits.Reverse32(mask), bits.Reverse32(val)
		word := binary.BigEndian.Uint32(w[:])
		binary.BigEndian.PutUint32(w[:], word&^mask|val)
	} else {
		word := binary.LittleEndian.Uint32(w[:])
		binary.LittleEndian.PutUint32(w[:], word&^mask|val)
	}
	copy(buf[start:], w[:n])
	return nil
}

// Get reads a signal written by Put.
func Get(buf []byte, offset, length uint, order ByteOrder) (uint32, error) {
	if err := Check(uint(len(buf))*8, offset, length, 32); err != nil {
		return 0, err
	}
	start := offset / 8
	shift := offset % 8
	var w [4]byte
	copy(w[:], buf[start:])
	var word uint32
	if order == Motorola {
		word = bits.Reverse32(binary.BigEndian.Uint32(w[:]))
	} else {
		word = binary.LittleEndian.Uint32(w[:])
	}
	return (word >> shift) & mask32(length), nil
}

// Put64 is Put over the first 8 payload bytes with signals of up to 64 bits.
func Put64(v uint64, buf []byte, offset, length uint, order ByteOrder) error {
	if err := Check(capBits64(buf), offset, length, 64); err != nil {
		return err
	}
	var w [8]byte
	n := copy(w[:], buf)
	mask := mask64(length) << offset
	val := (v << offset) & mask
	if order == Motorola {
		mask, val = bits.Reverse64(mask), bits.Reverse64(val)
		word := binary.BigEndian.Uint64(w[:])
		binary.BigEndian.PutUint64(w[:], word&^mask|val)
	} else {
		word := binary.LittleEndian.Uint64(w[:])
		binary.LittleEndian.PutUint64(w[:], word&^mask|val)
	}
	copy(buf[:n], w[:n])
	return nil
}

// Get64 reads a signal written by Put64.
func Get64(buf []byte, offset, length uint, order ByteOrder) (uint64, error) {
	if err := Check(capBits64(buf), offset, length, 64); err != nil {
		return 0, err
	}
	var w [8]byte
	copy(w[:], buf)
	var word uint64
	if order == Motorola {
		word = bits.Reverse64(binary.BigEndian.Uint64(w[:]))
	} else {
		word = binary.LittleEndian.Uint64(w[:])
	}
	return (word >> offset) & mask64(length), nil
}

// SignExtend interprets the low length bits of v as two's complement.
func SignExtend(v uint64, length uint) int64 {
	if length == 0 || length >= 64 {
		return int64(v)
	}
	s := 64 - length
	return int64(v<<s) >> s
}

func capBits64(buf []byte) uint {
	if len(buf) > 8 {
		return 64
	}
	return uint(len(buf)) * 8
}

func mask32(length uint) uint32 {
	if length >= 32 {
		return ^uint32(0)
	}
	return 1<<length - 1
}

func mask64(length uint) uint64 {
	if length >= 64 {
		return ^uint64(0)
	}
	return 1<<length - 1
}
