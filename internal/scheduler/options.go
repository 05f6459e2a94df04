package scheduler

import (
	"sync/atomic"

	"github.com/hadijannat/vplc/internal/diagnostics"
	"github.com/hadijannat/vplc/internal/fieldbus"
	"github.com/hadijannat/vplc/internal/procimage"
	"github.com/hadijannat/vplc/internal/publisher"
	"github.com/hadijannat/vplc/internal/timebase"
	"github.com/hadijannat/vplc/internal/wasmhost"
	"github.com/rs/zerolog"

	"github.com/hadijannat/vplc/internal/fault"
)

type options struct {
	clock        timebase.Clock
	driver       fieldbus.Driver
	engine       wasmhost.Engine
	image        *procimage.Image
	publisher    *publisher.Publisher
	collector    *diagnostics.Collector
	cycleCounter *atomic.Uint64
	log          zerolog.Logger
}

// Option configures a Scheduler under construction, following the
// teacher's functional-options pattern (eventloop/options.go): each
// applies to a private options struct and can fail immediately.
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error { return f(o) }

// WithClock overrides the default real-time timebase.Monotonic clock,
// primarily so tests can inject a timebase.Fake.
func WithClock(c timebase.Clock) Option {
	return optionFunc(func(o *options) error { o.clock = c; return nil })
}

// WithFieldbus is required: the device I/O plane the scheduler drives.
func WithFieldbus(d fieldbus.Driver) Option {
	return optionFunc(func(o *options) error { o.driver = d; return nil })
}

// WithEngine sets the logic engine; defaults to wasmhost.Null if unset.
func WithEngine(e wasmhost.Engine) Option {
	return optionFunc(func(o *options) error { o.engine = e; return nil })
}

// WithImage overrides the default-sized process image.
func WithImage(img *procimage.Image) Option {
	return optionFunc(func(o *options) error { o.image = img; return nil })
}

// WithPublisher overrides the default state publisher.
func WithPublisher(p *publisher.Publisher) Option {
	return optionFunc(func(o *options) error { o.publisher = p; return nil })
}

// WithCollector overrides the default diagnostics collector.
func WithCollector(c *diagnostics.Collector) Option {
	return optionFunc(func(o *options) error { o.collector = c; return nil })
}

// WithCycleCounter shares the scheduler's cycle index with an external
// reader constructed before the scheduler itself — e.g. a wasmhost.Host
// whose cycle_index host function must report the scheduler's actual
// count rather than a local copy. Defaults to a private counter if unset.
func WithCycleCounter(counter *atomic.Uint64) Option {
	return optionFunc(func(o *options) error { o.cycleCounter = counter; return nil })
}

// WithLogger sets the structured logger; defaults to a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return optionFunc(func(o *options) error { o.log = log; return nil })
}

func requireOption(present bool, msg string) error {
	if !present {
		return &fault.ConfigError{Msg: msg}
	}
	return nil
}
