package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-canmw/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	data := make([]byte, n)
	_, _ = rand.Read(data)
	return can.NewFrame(id, true, data)
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	fd := mkFrame(0x1F00, 24)
	fd.Flags |= can.FlagBRS
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
		fd,
		can.NewFrame(0x7FF, false, []byte{1}),
	}

	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if err != io.EOF {
		t.Fatalf("DecodeN: expected EOF at clean end, got %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d mismatch: %v != %v", i, out[i], in[i])
		}
	}
}

func TestCNLCodec_FDWireLayout(t *testing.T) {
	fr := can.NewFrame(0x10, false, make([]byte, 12))
	fr.Flags |= can.FlagBRS
	wire := (&Codec{}).Encode([]can.Frame{fr})
	if len(wire) != 4+1+1+12 {
		t.Fatalf("len=%d", len(wire))
	}
	if wire[4] != 12|fdFrame || wire[5] != can.FlagBRS {
		t.Fatalf("header % X", wire[:6])
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	cases := map[string][]byte{
		"classicTooLong": {0, 0, 0, 1, 0x09},
		"fdBadLength":    {0, 0, 0, 1, 0x80 | 9, 0x00},
		"truncatedData":  {0, 0, 0, 2, 0x05, 1, 2, 3},
		"truncatedID":    {0, 0},
		"missingLen":     {0, 0, 0, 3},
	}
	for name, wire := range cases {
		_, err := codec.Decode(bytes.NewReader(wire))
		if err == nil || errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected decode error, got %v", name, err)
		}
	}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("empty input: expected EOF, got %v", err)
	}
	_, err := codec.Decode(bytes.NewReader(cases["classicTooLong"]))
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

// FuzzCodecDecode ensures the decoder does not panic on random input.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Frame{mkFrame(0x100, 0)}))
	f.Add(c.Encode([]can.Frame{mkFrame(0x300, 3), mkFrame(0x301, 24)}))
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(can.Frame) {})
	})
}

func BenchmarkCNLCodec_EncodeTo(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = codec.EncodeTo(&buf, frames)
	}
}
