// Package watchdog implements the scheduler's deadline tripwire
// (spec.md §4.3): arm at the top of a cycle, kick after a successful
// step, and let a separate observer check for expiry.
package watchdog

import "sync/atomic"

// Watchdog is a single boolean-armed countdown. All methods are safe to
// call from any goroutine: the scheduler arms and kicks it on the hot
// path, while an independent observer may Check it concurrently.
type Watchdog struct {
	armed    atomic.Bool
	deadline atomic.Int64 // monotonic ns; valid only while armed
}

// New returns a disarmed Watchdog.
func New() *Watchdog {
	return &Watchdog{}
}

// Arm starts a countdown of timeoutNs from nowNs. A subsequent Check call
// made after the deadline without an intervening Kick reports expired.
func (w *Watchdog) Arm(nowNs, timeoutNs int64) {
	w.deadline.Store(nowNs + timeoutNs)
	w.armed.Store(true)
}

// Kick resets the deadline to restart the countdown of timeoutNs from
// nowNs (the scheduler passes the same timeout it armed with). Kicking a disarmed watchdog is a
// no-op — the scheduler only kicks after arming at the top of the same
// cycle, so this guards against a stray call outside that sequence
// rather than signalling a bug.
func (w *Watchdog) Kick(nowNs, timeoutNs int64) {
	if !w.armed.Load() {
		return
	}
	w.deadline.Store(nowNs + timeoutNs)
}

// Check reports whether the watchdog has expired at nowNs: armed, and
// nowNs is at or past the current deadline.
func (w *Watchdog) Check(nowNs int64) bool {
	if !w.armed.Load() {
		return false
	}
	return nowNs >= w.deadline.Load()
}

// Disarm stops the countdown; subsequent Check calls report false until
// the next Arm.
func (w *Watchdog) Disarm() {
	w.armed.Store(false)
}
