// Package mono provides a monotonic clock expressed as integer units
// since process start.  Strategies use it to timestamp segment arrival,
// catch-up jumps and poll failures without caring about wall-clock
// adjustments.
package mono

import (
	"time"
)

var epoch = time.Now()

func fromDuration(d time.Duration, hz uint32) uint64 {
	return uint64(d) * uint64(hz) / uint64(time.Second)
}

func toDuration(tm uint64, hz uint32) time.Duration {
	return time.Duration(tm * uint64(time.Second) / uint64(hz))
}

func Now(hz uint32) uint64 {
	return fromDuration(time.Since(epoch), hz)
}

func Milliseconds() uint64 {
	return Now(1000)
}

// Elapsed returns the time elapsed since a value previously returned by
// Milliseconds.
func Elapsed(ms uint64) time.Duration {
	now := Milliseconds()
	if now <= ms {
		return 0
	}
	return toDuration(now-ms, 1000)
}
