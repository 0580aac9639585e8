package backoff

import (
	"testing"
	"time"
)

func TestDelaySequence(t *testing.T) {
	expected := []time.Duration{
		2000 * time.Millisecond,
		5000 * time.Millisecond,
		10000 * time.Millisecond,
		20000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	tr := New()
	for i, e := range expected {
		tr.RecordFailure("cam1")
		d := tr.Delay("cam1")
		if d != e {
			t.Errorf("failure %v: expected %v, got %v",
				i+1, e, d)
		}
	}
}

func TestDelayFresh(t *testing.T) {
	tr := New()
	if d := tr.Delay("cam1"); d != 2000*time.Millisecond {
		t.Errorf("Expected 2s, got %v", d)
	}
}

func TestMaxedOut(t *testing.T) {
	tr := New()
	for i := 0; i < 12; i++ {
		tr.RecordFailure("cam1")
	}
	if tr.MaxedOut("cam1") {
		t.Errorf("maxed out at 12 attempts")
	}
	tr.RecordFailure("cam1")
	if !tr.MaxedOut("cam1") {
		t.Errorf("not maxed out at 13 attempts")
	}

	tr.Reset("cam1")
	if tr.MaxedOut("cam1") {
		t.Errorf("maxed out after reset")
	}
	if tr.Attempts("cam1") != 0 {
		t.Errorf("Expected 0, got %v", tr.Attempts("cam1"))
	}
}

func TestStabilityReset(t *testing.T) {
	tr := NewTracker(DefaultDelays, 20*time.Millisecond, 12)
	for i := 0; i < 5; i++ {
		tr.RecordFailure("cam1")
	}
	tr.RecordSuccess("cam1")
	time.Sleep(100 * time.Millisecond)
	if n := tr.Attempts("cam1"); n != 0 {
		t.Errorf("Expected 0 after stability window, got %v", n)
	}
}

func TestFailureCancelsStability(t *testing.T) {
	tr := NewTracker(DefaultDelays, 20*time.Millisecond, 12)
	for i := 0; i < 5; i++ {
		tr.RecordFailure("cam1")
	}
	tr.RecordSuccess("cam1")
	tr.RecordFailure("cam1")
	if n := tr.Attempts("cam1"); n != 6 {
		t.Errorf("Expected 6, got %v", n)
	}
	// the cancelled timer must not fire later
	time.Sleep(100 * time.Millisecond)
	if n := tr.Attempts("cam1"); n != 6 {
		t.Errorf("Expected 6 after window, got %v", n)
	}
}

func TestTrackersIndependent(t *testing.T) {
	tr1 := New()
	tr2 := New()
	tr1.RecordFailure("cam1")
	if tr2.Attempts("cam1") != 0 {
		t.Errorf("trackers share state")
	}
}

func TestForget(t *testing.T) {
	tr := New()
	tr.RecordFailure("cam1")
	tr.Forget("cam1")
	if tr.Attempts("cam1") != 0 {
		t.Errorf("Expected 0 after Forget")
	}
}
