package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hadijannat/vplc/internal/config"
	"github.com/hadijannat/vplc/internal/fault"
	"github.com/hadijannat/vplc/internal/fieldbus/ethercat"
	"github.com/hadijannat/vplc/internal/fieldbus/simulated"
	"github.com/hadijannat/vplc/internal/procimage"
	"github.com/hadijannat/vplc/internal/timebase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeriod = 10 * time.Millisecond

func testConfig(t *testing.T, opts ...config.Option) config.Config {
	t.Helper()
	base := []config.Option{config.WithCyclePeriod(testPeriod)}
	cfg, err := config.New(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

// waitForState spins until the scheduler reaches want, or fails the
// test after a generous number of attempts — the Fake clock makes Run
// a tight busy loop with no real wall-clock pacing, so this resolves
// in well under a second on any real scheduler.
func waitForState(t *testing.T, s *Scheduler, want fault.RuntimeState) {
	t.Helper()
	for i := 0; i < 200_000; i++ {
		if s.State() == want {
			return
		}
	}
	t.Fatalf("scheduler never reached state %s, stuck at %s", want, s.State())
}

// blinkEngine toggles the digital output's low bit once per step call,
// standing in for a logic program that blinks an output (spec.md §8's
// Blink acceptance scenario).
type blinkEngine struct {
	img *procimage.Image
}

func (e *blinkEngine) Step(context.Context) error {
	cur := e.img.ReadDigitalOutputs()
	e.img.WriteDigitalOutputs(cur ^ 1)
	return nil
}
func (e *blinkEngine) Close(context.Context) error { return nil }

func TestScenario_Blink(t *testing.T) {
	img := procimage.New(procimage.DefaultMarkerBytes)
	driver := simulated.New(false)
	cfg := testConfig(t, config.WithMaxCycles(4))

	s, err := New(cfg, WithClock(timebase.NewFake(0)), WithFieldbus(driver), WithEngine(&blinkEngine{img: img}), WithImage(img))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, fault.Stopped, s.State())
	// 4 toggles from 0 starting value lands back at 0.
	assert.EqualValues(t, 0, img.ReadDigitalOutputs())
	assert.EqualValues(t, 4, s.Diagnostics().Counters.TotalCycles)
}

// durationEngine advances the shared Fake clock by advanceNs on every
// Step call, simulating a logic program whose compute time is fixed.
type durationEngine struct {
	clock     *timebase.Fake
	advanceNs int64
}

func (e *durationEngine) Step(context.Context) error {
	e.clock.Advance(e.advanceNs)
	return nil
}
func (e *durationEngine) Close(context.Context) error { return nil }

func TestScenario_WatchdogTrip(t *testing.T) {
	clock := timebase.NewFake(0)
	cfg := testConfig(t, config.WithWatchdogSafetyFactor(0.5))
	driver := simulated.New(false)
	// 0.5 * 10ms = 5ms watchdog budget; step alone burns 6ms.
	engine := &durationEngine{clock: clock, advanceNs: int64(6 * time.Millisecond)}

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver), WithEngine(engine))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, fault.Faulted)
	faults := s.Diagnostics().RecentFaults
	require.NotEmpty(t, faults)
	_, isWatchdog := faults[len(faults)-1].Err.(*fault.WatchdogTimeout)
	assert.True(t, isWatchdog, "expected the most recent fault to be a watchdog timeout, got %T", faults[len(faults)-1].Err)

	s.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, fault.Stopped, s.State())
}

// slowWriteDriver advances the Fake clock inside WriteOutputs only, so
// it inflates the measured cycle duration without tripping the
// watchdog (whose check point is before WriteOutputs runs).
type slowWriteDriver struct {
	*simulated.Driver
	clock       *timebase.Fake
	advanceNs   int64
	shutdownHit bool
}

func (d *slowWriteDriver) WriteOutputs() error {
	d.clock.Advance(d.advanceNs)
	return d.Driver.WriteOutputs()
}

func (d *slowWriteDriver) Shutdown() error {
	d.shutdownHit = true
	return d.Driver.Shutdown()
}

func TestScenario_OverrunToleranceRecoversWithinK(t *testing.T) {
	clock := timebase.NewFake(0)
	cfg := testConfig(t, config.WithOverrunTolerance(3), config.WithMaxCycles(2))
	driver := &slowWriteDriver{Driver: simulated.New(false), clock: clock, advanceNs: int64(testPeriod + 2*time.Millisecond)}

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, fault.Stopped, s.State(), "2 consecutive overruns is below the tolerance of 3")
	assert.True(t, driver.shutdownHit)
}

func TestScenario_OverrunBreachesTolerance(t *testing.T) {
	clock := timebase.NewFake(0)
	cfg := testConfig(t, config.WithOverrunTolerance(3))
	driver := &slowWriteDriver{Driver: simulated.New(false), clock: clock, advanceNs: int64(testPeriod + 2*time.Millisecond)}

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, fault.Faulted)
	faults := s.Diagnostics().RecentFaults
	require.NotEmpty(t, faults)
	_, isOverrun := faults[len(faults)-1].Err.(*fault.CycleOverrun)
	assert.True(t, isOverrun)

	s.Stop()
	require.NoError(t, <-done)
}

func etherCATTestConfig() ethercat.Config {
	return ethercat.Config{
		Slaves:       []ethercat.SlaveConfig{{ID: 1}},
		WkcThreshold: 3,
		DatagramLen:  8,
	}
}

// dropoutTransport reports a WKC mismatch on exactly the exchange
// indices listed in badAt, and the expected wkc everywhere else,
// deterministically modelling a transient dropout that recovers well
// under the consecutive-error threshold.
type dropoutTransport struct {
	badAt map[int]bool
	n     int
}

func (t *dropoutTransport) Exchange(frame []byte) (int, error) {
	t.n++
	if t.badAt[t.n] {
		return 0, nil
	}
	return 1, nil
}
func (t *dropoutTransport) Close() error { return nil }

func TestScenario_WkcRecovery(t *testing.T) {
	clock := timebase.NewFake(0)
	transport := &dropoutTransport{badAt: map[int]bool{2: true}}
	driver := ethercat.New(etherCATTestConfig(), transport)
	cfg := testConfig(t, config.WithMaxCycles(5))

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, fault.Stopped, s.State(), "a single dropout below the consecutive threshold must not fault the run")
}

func TestScenario_WkcBreach(t *testing.T) {
	clock := timebase.NewFake(0)
	transport := ethercat.NewLoopbackTransport(1)
	transport.FailExchanges = 1_000_000 // never recovers
	driver := ethercat.New(etherCATTestConfig(), transport)
	cfg := testConfig(t)

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, fault.Faulted)
	faults := s.Diagnostics().RecentFaults
	require.NotEmpty(t, faults)
	_, isWkc := faults[len(faults)-1].Err.(*fault.WkcThresholdExceeded)
	assert.True(t, isWkc)

	s.Stop()
	require.NoError(t, <-done)
}

func TestScenario_DiagnosticsTrackExchangeStepAndWkcErrorCounts(t *testing.T) {
	clock := timebase.NewFake(0)
	transport := &dropoutTransport{badAt: map[int]bool{2: true}}
	driver := ethercat.New(etherCATTestConfig(), transport)
	engine := &durationEngine{clock: clock, advanceNs: int64(2 * time.Millisecond)}
	cfg := testConfig(t, config.WithMaxCycles(3))

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver), WithEngine(engine))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, fault.Stopped, s.State())

	snap := s.Diagnostics()
	assert.EqualValues(t, 2*time.Millisecond, snap.StepDuration.MaxNs, "step duration must be timed, not left at 0")
	assert.EqualValues(t, 3, snap.StepDuration.Count)
	assert.EqualValues(t, 3, snap.ExchangeDuration.Count, "exchange duration must be observed every cycle")
	assert.EqualValues(t, 1, snap.WkcErrorCount, "the soft WKC mismatch on transport exchange 2 (cycle 1's WriteOutputs) must count as a WKC error, not a success")
	assert.EqualValues(t, 2, snap.WkcSuccessCount)
	assert.EqualValues(t, 1, snap.Counters.TotalWkcErrors)
}

func TestScenario_WatchdogExpirationCounted(t *testing.T) {
	clock := timebase.NewFake(0)
	cfg := testConfig(t, config.WithWatchdogSafetyFactor(0.5))
	driver := simulated.New(false)
	engine := &durationEngine{clock: clock, advanceNs: int64(6 * time.Millisecond)}

	s, err := New(cfg, WithClock(clock), WithFieldbus(driver), WithEngine(engine))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, fault.Faulted)
	assert.EqualValues(t, 1, s.Diagnostics().Counters.TotalWatchdogExpirations)

	s.Stop()
	require.NoError(t, <-done)
}

func TestScenario_CleanShutdownTearsDownFieldbusOnce(t *testing.T) {
	clock := timebase.NewFake(0)
	driver := &slowWriteDriver{Driver: simulated.New(false), clock: clock, advanceNs: 0}

	cfg := testConfig(t)
	s, err := New(cfg, WithClock(clock), WithFieldbus(driver))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, fault.Running)
	s.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, fault.Stopped, s.State())
	assert.True(t, driver.shutdownHit)
}
