package clock

import "testing"

func TestElapsedWraps(t *testing.T) {
	if !Elapsed(5, 0xFFFFFFFB, 10) {
		t.Fatalf("expected 10 ms across wrap")
	}
	if Elapsed(4, 0xFFFFFFFB, 10) {
		t.Fatalf("only 9 ms elapsed")
	}
	if !Elapsed(100, 100, 0) {
		t.Fatalf("zero interval always elapsed")
	}
}

func TestManual(t *testing.T) {
	var m Manual
	m.Set(7)
	m.Advance(3)
	if m.Now() != 10 {
		t.Fatalf("got %d", m.Now())
	}
}
