package mono

import (
	"testing"
	"time"
)

func differs(a, b, delta uint64) bool {
	if a < b {
		a, b = b, a
	}
	return a-b >= delta
}

func TestMono(t *testing.T) {
	a := Now(1000)
	time.Sleep(4 * time.Millisecond)
	b := Now(1000) - a
	if differs(b, 4, 16) {
		t.Errorf("Expected %v, got %v", 4, b)
	}
}

func TestElapsed(t *testing.T) {
	a := Milliseconds()
	time.Sleep(4 * time.Millisecond)
	d := Elapsed(a)
	if d < 4*time.Millisecond || d > 100*time.Millisecond {
		t.Errorf("Expected about 4ms, got %v", d)
	}

	if Elapsed(Milliseconds()+10000) != 0 {
		t.Errorf("Expected 0 for future timestamp")
	}
}
