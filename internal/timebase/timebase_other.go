//go:build !linux

package timebase

import (
	"runtime"
	"time"
)

// monotonicEpoch anchors nowRawMonotonic: time.Since against a fixed
// start preserves Go's monotonic reading (carried inside time.Time since
// Go 1.9) rather than the adjustable wall clock.
var monotonicEpoch = time.Now()

// nowRawMonotonic falls back to the Go runtime's monotonic clock reading
// on platforms without a CLOCK_MONOTONIC_RAW equivalent wired up here.
// time.Now's monotonic component is still immune to wall-clock
// adjustments, though it is not guaranteed frequency-stable against NTP
// the way CLOCK_MONOTONIC_RAW is on Linux.
func nowRawMonotonic() int64 {
	return time.Since(monotonicEpoch).Nanoseconds()
}

func spinYield() {
	runtime.Gosched()
}
