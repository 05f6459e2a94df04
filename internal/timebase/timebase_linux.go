//go:build linux

package timebase

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// nowRawMonotonic reads CLOCK_MONOTONIC_RAW directly via golang.org/x/sys,
// the same low-level syscall package the teacher's poller_linux.go uses
// for epoll. MONOTONIC_RAW is immune to NTP frequency slew, unlike
// CLOCK_MONOTONIC (which adjtime/ntpd may gently skew) — spec.md §4.1
// requires exactly this source.
func nowRawMonotonic() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// CLOCK_MONOTONIC_RAW is unsupported only on ancient kernels;
		// CLOCK_MONOTONIC is the closest available fallback.
		_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	}
	return ts.Nano()
}

func spinYield() {
	runtime.Gosched()
}
