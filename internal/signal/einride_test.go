package signal

import (
	"math/rand"
	"testing"

	ecan "go.einride.tech/can"
)

// Intel placement must agree with einride's little-endian bit accessors.
func TestIntelMatchesEinride(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		length := uint(rng.Intn(32) + 1)
		offset := uint(rng.Intn(64 - int(length) + 1))
		if offset%8+length > 32 {
			continue
		}
		v := uint32(rng.Uint64()) & mask32(length)

		var d ecan.Data
		rng.Read(d[:])
		buf := make([]byte, 8)
		copy(buf, d[:])

		if err := Put(v, buf, offset, length, Intel); err != nil {
			t.Fatalf("Put(%d,%d): %v", offset, length, err)
		}
		d.SetUnsignedBitsLittleEndian(uint8(offset), uint8(length), uint64(v))
		if string(buf) != string(d[:]) {
			t.Fatalf("offset=%d length=%d: % X != einride % X", offset, length, buf, d[:])
		}
		got, err := Get(buf, offset, length, Intel)
		if err != nil || uint64(got) != d.UnsignedBitsLittleEndian(uint8(offset), uint8(length)) {
			t.Fatalf("offset=%d length=%d: Get=%#x err=%v", offset, length, got, err)
		}
	}
}
