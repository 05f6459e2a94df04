// Package timebase provides the vPLC's single source of time: a raw
// monotonic nanosecond counter, cycle-phase deadline arithmetic, and a
// busy-tolerant sleep-until primitive (spec.md §4.1). The scheduler and
// the Wasm host's now_ns take their time from here; the Modbus driver
// still uses time.Now to set socket I/O deadlines.
package timebase

import "time"

// SlackThreshold is the remaining-duration cutoff below which SleepUntil
// stops blocking on the OS scheduler and spins instead, trading CPU for
// wake-up precision. Coarse OS sleep granularity is the dominant source of
// scheduler jitter on a general-purpose kernel; spinning the last stretch
// trims it at the cost of a busy core.
const SlackThreshold = 250 * time.Microsecond

// Clock is the time source the scheduler depends on. Production code uses
// Monotonic; tests use a Fake so cycle timing is deterministic and
// instant, the same package-level-indirection trick catrate's limiter.go
// uses (var timeNow = time.Now) for clock injection, generalized here into
// an interface since the scheduler needs to both read and block on time.
type Clock interface {
	// Now returns the current reading of the monotonic counter, in
	// nanoseconds, from an arbitrary but fixed epoch.
	Now() int64
	// SleepUntil blocks until the monotonic counter reaches deadlineNs,
	// returning the actual wake-time reading.
	SleepUntil(deadlineNs int64) int64
}

// NextDeadline computes the next cycle boundary. It never "catches up" —
// callers that fall behind advance by exactly one period per call.
func NextDeadline(previous, period int64) int64 {
	return previous + period
}

// Monotonic is the production Clock, backed by the platform's raw
// monotonic source (see timebase_linux.go / timebase_other.go) — a
// counter unaffected by NTP slew, per spec.md §4.1.
type Monotonic struct{}

// NewMonotonic returns the raw-monotonic production clock.
func NewMonotonic() Monotonic { return Monotonic{} }

// Now returns the current raw-monotonic reading in nanoseconds.
func (Monotonic) Now() int64 { return nowRawMonotonic() }

// SleepUntil blocks until deadlineNs, using a coarse sleep for the bulk of
// the wait and spinning for the final SlackThreshold, yielding the
// processor between spins so other goroutines still get scheduled.
func (m Monotonic) SleepUntil(deadlineNs int64) int64 {
	for {
		now := m.Now()
		remaining := deadlineNs - now
		if remaining <= 0 {
			return now
		}
		if remaining > int64(SlackThreshold) {
			time.Sleep(time.Duration(remaining) - SlackThreshold/2)
			continue
		}
		// Final slack window: spin-yield until the deadline.
		for m.Now() < deadlineNs {
			spinYield()
		}
		return m.Now()
	}
}
