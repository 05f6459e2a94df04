// Package publisher implements the vPLC's state publisher (spec.md §4.8,
// §5): a single-writer/many-reader slot exposing the latest completed
// cycle's state to non-real-time observers without blocking the hot
// path. Readers use the classic seq-lock discipline — read the version,
// read the payload, read the version again, retry on mismatch — rather
// than a mutex, so the scheduler goroutine is never blocked by a slow
// reader (spec.md §9: "do not substitute a mutex"). Subscribe offers the
// same non-blocking guarantee to a stream of observers, the way
// fangrpcstream's Stream fans a single source out to many subscriber
// channels without letting a slow one stall the sender.
package publisher

import (
	"sync"
	"sync/atomic"

	"github.com/hadijannat/vplc/internal/fault"
)

// CycleState is the observable snapshot of one completed cycle.
type CycleState struct {
	CycleIndex   uint64
	TimestampNs  int64
	DigitalInputs  uint32
	AnalogInputs   [16]int16
	DigitalOutputs uint32
	AnalogOutputs  [16]int16
	RuntimeState fault.RuntimeState
	RecentFaults []fault.Record
}

// Publisher is the single-writer/many-reader slot. The scheduler goroutine
// is the sole writer (via Publish); any number of goroutines may read
// concurrently (via Snapshot or a Subscribe stream).
type Publisher struct {
	seq     atomic.Uint64 // odd while a write is in flight, even otherwise
	payload CycleState

	// subs is a copy-on-write slice of subscriber channels, swapped via
	// subsMu only on Subscribe and its cancel func (rare, never on the hot
	// path). Publish loads it with no lock, so a slow or absent
	// subscriber never stalls the scheduler goroutine.
	subs   atomic.Pointer[[]chan CycleState]
	subsMu sync.Mutex
}

// New returns a Publisher with no published cycle yet.
func New() *Publisher {
	p := &Publisher{}
	none := make([]chan CycleState, 0)
	p.subs.Store(&none)
	return p
}

// Publish writes a new CycleState and fans it out to every live
// subscriber. Only the scheduler goroutine may call this. Odd/even
// sequence bracketing marks the payload write as "torn" to any
// concurrent Snapshot reader, which then retries; subscriber sends are
// non-blocking, so a subscriber that isn't keeping up simply misses
// cycles rather than back-pressuring the scheduler.
func (p *Publisher) Publish(s CycleState) {
	p.seq.Add(1) // now odd: write in flight
	p.payload = s
	p.seq.Add(1) // now even: write complete

	for _, ch := range *p.subs.Load() {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe registers a new observer and returns a receive-only stream of
// every CycleState published from this point on (spec.md §4.8: "the core
// only exposes snapshot() -> CycleState and subscribe() -> stream of
// CycleState"), plus a cancel function that unregisters it and closes the
// channel. buffer sizes the channel so a momentarily slow reader doesn't
// immediately start dropping cycles; a full channel drops the newest
// state for that subscriber rather than blocking the publisher.
func (p *Publisher) Subscribe(buffer int) (stream <-chan CycleState, cancel func()) {
	ch := make(chan CycleState, buffer)

	p.subsMu.Lock()
	cur := *p.subs.Load()
	next := make([]chan CycleState, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = ch
	p.subs.Store(&next)
	p.subsMu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			p.subsMu.Lock()
			cur := *p.subs.Load()
			next := make([]chan CycleState, 0, len(cur))
			for _, c := range cur {
				if c != ch {
					next = append(next, c)
				}
			}
			p.subs.Store(&next)
			p.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Snapshot returns the most recently published CycleState. It may be
// called from any goroutine and never blocks: on a detected tear it
// simply retries the read.
func (p *Publisher) Snapshot() CycleState {
	for {
		seq1 := p.seq.Load()
		if seq1&1 != 0 {
			continue // write in flight, spin
		}
		s := p.payload
		seq2 := p.seq.Load()
		if seq1 == seq2 {
			return s
		}
		// torn read (a publish happened mid-copy) — retry
	}
}
