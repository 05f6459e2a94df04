// Package scheduler implements the vPLC's cyclic executive (spec.md
// §4.7): the single goroutine that, once per cycle, wakes on a
// computed deadline, exchanges with the fieldbus, mirrors the process
// image, steps the sandboxed logic engine, re-mirrors outputs, kicks
// the watchdog, and publishes the resulting state — composing the
// timebase, procimage, watchdog, fieldbus, and wasmhost packages with
// the publisher and diagnostics collector behind the teacher's functional-options construction idiom.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hadijannat/vplc/internal/config"
	"github.com/hadijannat/vplc/internal/diagnostics"
	"github.com/hadijannat/vplc/internal/fault"
	"github.com/hadijannat/vplc/internal/fieldbus"
	"github.com/hadijannat/vplc/internal/procimage"
	"github.com/hadijannat/vplc/internal/publisher"
	"github.com/hadijannat/vplc/internal/timebase"
	"github.com/hadijannat/vplc/internal/wasmhost"
	"github.com/hadijannat/vplc/internal/watchdog"
)

// Scheduler is the cyclic executive. Run owns the hot-path goroutine;
// every other method is safe to call concurrently from a control-plane
// goroutine (e.g. an RPC handler).
type Scheduler struct {
	cfg config.Config

	clock     timebase.Clock
	driver    fieldbus.Driver
	engine    wasmhost.Engine
	image     *procimage.Image
	pub       *publisher.Publisher
	collector *diagnostics.Collector

	state    *fault.StateMachine
	watchdog *watchdogController

	log zerologLogger

	stopRequested chan struct{}
	stopOnce      sync.Once
	done          chan struct{}

	cycleCounter        *atomic.Uint64
	consecutiveOverruns int

	// lastExchangeDurationNs/lastStepDurationNs/lastFieldbusErrOccurred
	// are filled in by runCycleBody/faultedCycleBody and consumed by the
	// following Observe call in Run — safe as plain fields since both
	// only ever run on the single scheduler goroutine.
	lastExchangeDurationNs int64
	lastStepDurationNs     int64
	lastFieldbusErrOccurred bool
}

// zerologLogger narrows zerolog.Logger to the one method scheduler
// uses, so this file needs no zerolog import (options.go and
// logging.go hold the zerolog-typed code).
type zerologLogger interface {
	logFault(err error)
}

// New resolves dependencies from opts and returns a Scheduler in the
// Stopped state. WithFieldbus is mandatory; everything else defaults.
func New(cfg config.Config, opts ...Option) (*Scheduler, error) {
	o := &options{}
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}
	if err := requireOption(o.driver != nil, "scheduler requires WithFieldbus"); err != nil {
		return nil, err
	}
	if o.clock == nil {
		o.clock = timebase.NewMonotonic()
	}
	if o.engine == nil {
		o.engine = wasmhost.Null{}
	}
	if o.image == nil {
		o.image = procimage.New(procimage.DefaultMarkerBytes)
	}
	if o.publisher == nil {
		o.publisher = publisher.New()
	}
	if o.collector == nil {
		o.collector = diagnostics.NewCollector(cfg.FaultRingCapacity)
	}
	if o.cycleCounter == nil {
		o.cycleCounter = &atomic.Uint64{}
	}

	return &Scheduler{
		cfg:           cfg,
		clock:         o.clock,
		driver:        o.driver,
		engine:        o.engine,
		image:         o.image,
		pub:           o.publisher,
		collector:     o.collector,
		state:         fault.NewStateMachine(),
		watchdog:      newWatchdogController(),
		log:           loggerAdapter{log: o.log, collector: o.collector},
		stopRequested: make(chan struct{}),
		done:          make(chan struct{}),
		cycleCounter:  o.cycleCounter,
	}, nil
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() fault.RuntimeState { return s.state.Load() }

// Diagnostics returns a point-in-time diagnostics snapshot.
func (s *Scheduler) Diagnostics() diagnostics.Snapshot { return s.collector.Snapshot() }

// Snapshot returns the most recently published cycle state.
func (s *Scheduler) Snapshot() publisher.CycleState { return s.pub.Snapshot() }

// Subscribe streams every cycle state published from this point on; see
// publisher.Publisher.Subscribe.
func (s *Scheduler) Subscribe(buffer int) (<-chan publisher.CycleState, func()) {
	return s.pub.Subscribe(buffer)
}

// Stop requests a graceful shutdown: the in-flight cycle completes,
// outputs go to a safe state, the fieldbus and logic engine are torn
// down exactly once, and Run returns. Stop is idempotent and safe to
// call from any goroutine, including before Run starts (in which case
// Run brings the fieldbus up, reaches Running, and shuts down before
// executing any cycle).
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopRequested) })
}

// Done returns a channel closed once Run has fully returned, letting a
// caller that invoked Stop from elsewhere wait for teardown to finish.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run drives the cyclic executive until ctx is cancelled, Stop is
// called, cfg.MaxCycles is reached, or an unrecoverable fault forces a
// transition to Faulted followed eventually by Stop. It returns the
// fieldbus Init error if the fieldbus never came up, and nil otherwise,
// including when the run passed through Faulted before being stopped;
// faults raised during the run are read from Diagnostics.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	if ok, err := s.state.Transition(fault.Initializing); !ok {
		return err
	}
	if err := s.driver.Init(); err != nil {
		var cfgErr *fault.ConfigError
		var fbErr *fault.FieldbusError
		if !errors.As(err, &cfgErr) && !errors.As(err, &fbErr) {
			err = &fault.FieldbusError{Msg: "fieldbus init", Err: err}
		}
		s.state.Transition(fault.Faulted)
		s.collector.PushFault(s.cycleCounter.Load(), err)
		return s.waitForStopThenTeardown(ctx, err)
	}
	if ok, err := s.state.Transition(fault.Running); !ok {
		return err
	}

	period := int64(s.cfg.CyclePeriod)
	deadline := s.clock.Now() + period

	for {
		select {
		case <-ctx.Done():
			return s.gracefulShutdown()
		case <-s.stopRequested:
			return s.gracefulShutdown()
		default:
		}

		wake := s.clock.SleepUntil(deadline)
		wakeJitter := wake - deadline

		if s.state.Load() == fault.Running {
			s.runCycleBody(ctx)
		} else {
			s.faultedCycleBody()
		}

		// actual is the compute span alone (wake to cycle-body-done),
		// not wall time since the previous cycle: scheduling off an
		// absolute deadline already absorbs any sub-period compute
		// time, so measuring from cycleStart would always read back
		// exactly period regardless of how long the body took.
		cycleEnd := s.clock.Now()
		actual := cycleEnd - wake
		overrun := actual > period
		s.classifyOverrun(overrun, period, actual)

		s.collector.Observe(diagnostics.CycleObservation{
			WakeJitterNs:       wakeJitter,
			CycleDurationNs:    actual,
			ExchangeDurationNs: s.lastExchangeDurationNs,
			StepDurationNs:     s.lastStepDurationNs,
			WkcSuccess:         !s.lastFieldbusErrOccurred,
			Overrun:            overrun,
		})
		s.publish()
		s.cycleCounter.Add(1)

		if s.cfg.MaxCycles != 0 && s.cycleCounter.Load() >= s.cfg.MaxCycles && s.state.Load() == fault.Running {
			return s.gracefulShutdown()
		}

		if overrun {
			// Phase reset per spec.md §4.7 step 9: resync off now
			// (cycleEnd), not wake — wake+period is already in the
			// past once actual > period, which would make the next
			// SleepUntil return immediately and run cycles back to
			// back instead of resuming the periodic cadence.
			deadline = cycleEnd + period
		} else {
			deadline = timebase.NextDeadline(deadline, period)
		}

		select {
		case <-ctx.Done():
			return s.gracefulShutdown()
		case <-s.stopRequested:
			return s.gracefulShutdown()
		default:
		}
	}
}

// runCycleBody performs one full cycle: fieldbus exchange, image
// mirroring, bounded logic step, output mirroring, watchdog kick.
func (s *Scheduler) runCycleBody(ctx context.Context) {
	s.lastFieldbusErrOccurred = false
	// Reset so a cycle that aborts before Step runs (e.g. a hard
	// fieldbus fault) reports 0 rather than the previous cycle's stale
	// step duration; lastExchangeDurationNs is always freshly set below
	// regardless of outcome, so it needs no such reset.
	s.lastStepDurationNs = 0

	s.watchdog.arm(s.clock.Now(), int64(s.cfg.WatchdogTimeout()))

	exchangeStart := s.clock.Now()
	if err := s.driver.Exchange(); err != nil {
		s.handleFieldbusError(err)
	}
	s.lastExchangeDurationNs = s.clock.Now() - exchangeStart
	if s.state.Load() == fault.Faulted {
		return
	}

	fieldbus.MirrorInputsToImage(s.driver.GetInputs(), s.image)

	stepStart := s.clock.Now()
	err := s.engine.Step(ctx)
	s.lastStepDurationNs = s.clock.Now() - stepStart
	if err != nil {
		s.transitionToFaulted(err)
		return
	}

	// The watchdog was armed before the exchange/step above; if those
	// together already blew past the deadline, trip now rather than
	// masking it with a fresh Kick below.
	if s.watchdog.check(s.clock.Now()) {
		s.collector.RecordWatchdogExpiration()
		s.transitionToFaulted(&fault.WatchdogTimeout{})
		return
	}

	s.driver.SetOutputs(fieldbus.MirrorOutputsFromImage(s.image))
	if err := s.driver.WriteOutputs(); err != nil {
		s.handleFieldbusError(err)
		if s.state.Load() == fault.Faulted {
			return
		}
	}

	s.watchdog.kick(s.clock.Now(), int64(s.cfg.WatchdogTimeout()))
}

// faultedCycleBody keeps the fieldbus exchanging zeroed outputs while
// Faulted, so devices stay in a safe state until Stop is observed. A
// Faulted cycle carries no exchange/step timing of its own and is never
// a WKC success.
func (s *Scheduler) faultedCycleBody() {
	s.lastExchangeDurationNs = 0
	s.lastStepDurationNs = 0
	s.lastFieldbusErrOccurred = true

	s.image.ZeroOutputs()
	s.driver.SetOutputs(fieldbus.Outputs{})
	_ = s.driver.WriteOutputs()
}

// handleFieldbusError classifies a fieldbus error: a driver-reported
// fieldbus.WkcBreach is always hard and is translated into the shared
// *fault.WkcThresholdExceeded; anything else is soft, wrapped as a
// *fault.FieldbusError (unless it already is one), recorded in the
// fault ring and logged, leaving the runtime Running. Either way this
// cycle's fieldbus exchange did not succeed, which the WKC
// success/error accounting (spec.md §4.9) must reflect regardless of
// whether the runtime itself stays Running.
func (s *Scheduler) handleFieldbusError(err error) {
	s.lastFieldbusErrOccurred = true
	if breach, ok := err.(fieldbus.WkcBreach); ok {
		s.transitionToFaulted(&fault.WkcThresholdExceeded{Consecutive: breach.Consecutive(), Threshold: breach.Threshold()})
		return
	}
	var fbErr *fault.FieldbusError
	if !errors.As(err, &fbErr) {
		err = &fault.FieldbusError{Msg: "fieldbus exchange", Err: err}
	}
	s.collector.PushFault(s.cycleCounter.Load(), err)
	s.log.logFault(err)
}

func (s *Scheduler) transitionToFaulted(err error) {
	s.collector.PushFault(s.cycleCounter.Load(), err)
	s.image.ZeroOutputs()
	s.driver.SetOutputs(fieldbus.Outputs{})
	_ = s.driver.WriteOutputs()
	s.watchdog.disarm()
	s.state.Transition(fault.Faulted)
	s.log.logFault(err)
}

// classifyOverrun pushes a CycleOverrun fault for every overrun and,
// once consecutive overruns exceed the configured tolerance, forces a
// hard fault. A single overrun inside tolerance is recovered from by a
// phase reset in Run's caller.
func (s *Scheduler) classifyOverrun(overrun bool, expected, actual int64) {
	if s.state.Load() != fault.Running {
		return // already Faulted this cycle for another reason
	}
	if !overrun {
		s.consecutiveOverruns = 0
		return
	}
	s.consecutiveOverruns++
	err := &fault.CycleOverrun{ExpectedNs: expected, ActualNs: actual}
	s.collector.PushFault(s.cycleCounter.Load(), err)
	if s.consecutiveOverruns > s.cfg.OverrunToleranceK {
		s.transitionToFaulted(err)
	}
}

func (s *Scheduler) publish() {
	in := s.driver.GetInputs()
	out := fieldbus.MirrorOutputsFromImage(s.image)
	s.pub.Publish(publisher.CycleState{
		CycleIndex:     s.cycleCounter.Load(),
		TimestampNs:    s.clock.Now(),
		DigitalInputs:  in.Digital,
		AnalogInputs:   in.Analog,
		DigitalOutputs: out.Digital,
		AnalogOutputs:  out.Analog,
		RuntimeState:   s.state.Load(),
		RecentFaults:   s.collector.RecentFaultsCached(),
	})
}

// gracefulShutdown drives Running/Stopping -> Stopped or, if already
// Faulted, drives Faulted -> Stopped directly (the lattice has no
// Faulted -> Stopping edge): either way outputs go safe and the
// fieldbus and engine are torn down exactly once.
func (s *Scheduler) gracefulShutdown() error {
	if s.state.Load() == fault.Running {
		s.state.Transition(fault.Stopping)
	}
	s.image.ZeroOutputs()
	s.driver.SetOutputs(fieldbus.Outputs{})
	_ = s.driver.WriteOutputs()
	_ = s.driver.Shutdown()
	_ = s.engine.Close(context.Background())
	s.state.Transition(fault.Stopped)
	return nil
}

// waitForStopThenTeardown is used when Init itself fails: the runtime
// is already Faulted before the loop ever starts, so it just waits for
// an external Stop (or context cancellation) and tears down.
func (s *Scheduler) waitForStopThenTeardown(ctx context.Context, initErr error) error {
	select {
	case <-s.stopRequested:
	case <-ctx.Done():
	}
	s.state.Transition(fault.Stopped)
	_ = s.driver.Shutdown()
	_ = s.engine.Close(context.Background())
	return initErr
}

// watchdogController adapts the package-level watchdog.Watchdog with
// the nil-safe no-op behavior the scheduler needs when disarmed.
type watchdogController struct {
	mu  sync.Mutex
	impl watchdogImpl
}

type watchdogImpl interface {
	Arm(nowNs, timeoutNs int64)
	Kick(nowNs, timeoutNs int64)
	Check(nowNs int64) bool
	Disarm()
}

func newWatchdogController() *watchdogController {
	return &watchdogController{}
}

func (w *watchdogController) arm(nowNs, timeoutNs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.impl == nil {
		w.impl = watchdog.New()
	}
	w.impl.Arm(nowNs, timeoutNs)
}

func (w *watchdogController) kick(nowNs, timeoutNs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.impl != nil {
		w.impl.Kick(nowNs, timeoutNs)
	}
}

// check reports whether the watchdog has expired. An unarmed watchdog
// (impl not yet created) has nothing to expire.
func (w *watchdogController) check(nowNs int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.impl == nil {
		return false
	}
	return w.impl.Check(nowNs)
}

func (w *watchdogController) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.impl != nil {
		w.impl.Disarm()
	}
}
