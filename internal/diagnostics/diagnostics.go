// Package diagnostics implements the vPLC's per-cycle histograms and
// monotone counters (spec.md §4.9): wake jitter, cycle duration, fieldbus
// exchange duration, step duration, WKC success/error counts, and overrun
// flags, summarized as min/p50/p95/p99/max plus running totals. The fault
// ring (spec.md §3) lives alongside it in package fault and is attached
// here for a single Snapshot call.
package diagnostics

import (
	"math"
	"sync"

	"github.com/hadijannat/vplc/internal/fault"
)

// Histogram summarizes a stream of nanosecond-valued observations using
// the P² streaming-quantile estimator (see psquare.go), so memory stays
// O(1) regardless of run length instead of the O(window) a classic
// rolling-window histogram would need.
type Histogram struct {
	min, max     float64
	count        int64
	p50, p95, p99 *pSquareQuantile
}

func newHistogram() *Histogram {
	return &Histogram{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
		p50: newPSquareQuantile(0.50),
		p95: newPSquareQuantile(0.95),
		p99: newPSquareQuantile(0.99),
	}
}

func (h *Histogram) observe(ns int64) {
	v := float64(ns)
	if v < h.min {
		h.min = v
	}
	if v > h.max {
		h.max = v
	}
	h.count++
	h.p50.Update(v)
	h.p95.Update(v)
	h.p99.Update(v)
}

// HistogramSnapshot is an immutable copy of a Histogram's current summary.
type HistogramSnapshot struct {
	Count                 int64
	MinNs, P50Ns, P95Ns, P99Ns, MaxNs int64
}

func (h *Histogram) snapshot() HistogramSnapshot {
	if h.count == 0 {
		return HistogramSnapshot{}
	}
	return HistogramSnapshot{
		Count: h.count,
		MinNs: int64(h.min),
		P50Ns: int64(h.p50.Quantile()),
		P95Ns: int64(h.p95.Quantile()),
		P99Ns: int64(h.p99.Quantile()),
		MaxNs: int64(h.max),
	}
}

// Counters are the monotone, run-lifetime totals spec.md §4.9 names.
type Counters struct {
	TotalCycles            int64
	TotalOverruns          int64
	TotalWkcErrors         int64
	TotalWatchdogExpirations int64
}

// Collector accumulates per-cycle diagnostics. It is owned exclusively by
// the scheduler goroutine for writes; Snapshot is safe to call from any
// goroutine.
type Collector struct {
	mu sync.Mutex

	wakeJitter Histogram
	cycleDur   Histogram
	exchangeDur Histogram
	stepDur    Histogram

	counters  Counters
	wkcSuccess int64
	wkcErrors  int64

	faults *fault.Ring
}

// NewCollector creates a Collector with a fault ring of the given
// capacity (must be a power of two, >= 32).
func NewCollector(faultRingCapacity int) *Collector {
	c := &Collector{
		faults: fault.NewRing(faultRingCapacity),
	}
	c.wakeJitter = *newHistogram()
	c.cycleDur = *newHistogram()
	c.exchangeDur = *newHistogram()
	c.stepDur = *newHistogram()
	return c
}

// CycleObservation is everything the scheduler measures in a single cycle.
type CycleObservation struct {
	WakeJitterNs   int64 // wake - deadline, signed
	CycleDurationNs int64
	ExchangeDurationNs int64
	StepDurationNs int64
	WkcSuccess     bool
	Overrun        bool
}

// Observe records one completed cycle's measurements.
func (c *Collector) Observe(o CycleObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wakeJitter.observe(o.WakeJitterNs)
	c.cycleDur.observe(o.CycleDurationNs)
	c.exchangeDur.observe(o.ExchangeDurationNs)
	c.stepDur.observe(o.StepDurationNs)

	c.counters.TotalCycles++
	if o.Overrun {
		c.counters.TotalOverruns++
	}
	if o.WkcSuccess {
		c.wkcSuccess++
	} else {
		c.wkcErrors++
		c.counters.TotalWkcErrors++
	}
}

// RecordWatchdogExpiration increments the watchdog-expiration counter.
func (c *Collector) RecordWatchdogExpiration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.TotalWatchdogExpirations++
}

// PushFault appends a fault record to the bounded recent-faults ring.
func (c *Collector) PushFault(cycleIndex uint64, err error) {
	c.faults.Push(cycleIndex, err)
}

// RecentFaultsCached returns the fault ring's most recently computed
// recent-faults slice with no allocation or locking — unlike Snapshot,
// which always recomputes it, this is safe to call every cycle.
func (c *Collector) RecentFaultsCached() []fault.Record {
	return c.faults.Cached()
}

// Snapshot is an immutable, consistent copy of all diagnostics.
type Snapshot struct {
	WakeJitter  HistogramSnapshot
	CycleDuration HistogramSnapshot
	ExchangeDuration HistogramSnapshot
	StepDuration HistogramSnapshot
	Counters    Counters
	WkcSuccessCount int64
	WkcErrorCount   int64
	RecentFaults    []fault.Record
}

// Snapshot returns a point-in-time copy safe to read from any goroutine.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		WakeJitter:       c.wakeJitter.snapshot(),
		CycleDuration:    c.cycleDur.snapshot(),
		ExchangeDuration: c.exchangeDur.snapshot(),
		StepDuration:     c.stepDur.snapshot(),
		Counters:         c.counters,
		WkcSuccessCount:  c.wkcSuccess,
		WkcErrorCount:    c.wkcErrors,
		RecentFaults:     c.faults.Recent(),
	}
}
