package estimator

import (
	"testing"
	"time"
)

func TestEstimator(t *testing.T) {
	now := time.Now()
	e := New(time.Second)
	e.time = now

	e.estimate(now)
	e.Accumulate(42)
	e.Accumulate(128)
	rate, sampleRate := e.estimate(now.Add(time.Second + time.Millisecond))

	if rate != 42+128 {
		t.Errorf("Expected %v, got %v", 42+128, rate)
	}
	if sampleRate != 2 {
		t.Errorf("Expected 2, got %v", sampleRate)
	}

	totalS, totalB := e.Totals()
	if totalS != 2 {
		t.Errorf("Expected 2, got %v", totalS)
	}
	if totalB != 42+128 {
		t.Errorf("Expected %v, got %v", 42+128, totalB)
	}

	e.Accumulate(12)

	totalS, totalB = e.Totals()
	if totalS != 3 {
		t.Errorf("Expected 3, got %v", totalS)
	}
	if totalB != 42+128+12 {
		t.Errorf("Expected %v, got %v", 42+128+12, totalB)
	}
}

func TestTotalsMonotonic(t *testing.T) {
	e := New(time.Millisecond)
	var last uint64
	for i := 0; i < 1000; i++ {
		e.Accumulate(10)
		s, _ := e.Totals()
		if s < last {
			t.Fatalf("Totals went backwards: %v < %v", s, last)
		}
		last = s
		if i%100 == 0 {
			e.Estimate()
		}
	}
	s, b := e.Totals()
	if s != 1000 || b != 10000 {
		t.Errorf("Expected 1000/10000, got %v/%v", s, b)
	}
}
