// Package estimator implements a windowed rate estimator over bytes
// and media samples.  The low-latency strategy's health check compares
// the monotonically increasing totals across intervals to detect a
// stream that is nominally connected but no longer making progress.
package estimator

import (
	"sync"
	"sync/atomic"
	"time"
)

type Estimator struct {
	interval time.Duration
	bytes    uint32
	samples  uint32

	mu           sync.Mutex
	totalBytes   uint64
	totalSamples uint64
	rate         uint32
	sampleRate   uint32
	time         time.Time
}

func New(interval time.Duration) *Estimator {
	return &Estimator{
		interval: interval,
		time:     time.Now(),
	}
}

func (e *Estimator) swap(now time.Time) {
	interval := now.Sub(e.time)
	bytes := atomic.SwapUint32(&e.bytes, 0)
	samples := atomic.SwapUint32(&e.samples, 0)
	e.totalBytes += uint64(bytes)
	e.totalSamples += uint64(samples)

	if interval < time.Millisecond {
		e.rate = 0
		e.sampleRate = 0
	} else {
		e.rate = uint32(uint64(bytes*1000) /
			uint64(interval/time.Millisecond))
		e.sampleRate = uint32(uint64(samples*1000) /
			uint64(interval/time.Millisecond))
	}
	e.time = now
}

// Accumulate records one sample of count bytes.
func (e *Estimator) Accumulate(count uint32) {
	atomic.AddUint32(&e.bytes, count)
	atomic.AddUint32(&e.samples, 1)
}

func (e *Estimator) estimate(now time.Time) (uint32, uint32) {
	if now.Sub(e.time) > e.interval {
		e.swap(now)
	}

	return e.rate, e.sampleRate
}

// Estimate returns the byte rate and sample rate over the last
// interval, in units per second.
func (e *Estimator) Estimate() (uint32, uint32) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate(now)
}

// Totals returns the number of samples and bytes accumulated since the
// estimator was created.  Totals never decrease.
func (e *Estimator) Totals() (uint64, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.totalSamples + uint64(atomic.LoadUint32(&e.samples))
	b := e.totalBytes + uint64(atomic.LoadUint32(&e.bytes))
	return s, b
}
