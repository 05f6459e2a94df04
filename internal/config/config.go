// Package config assembles the plain, validated Config the daemon
// builds at startup, using the teacher's functional-options
// constructor idiom (eventloop/options.go): Option values apply to a
// private options struct and return a typed error immediately on an
// invalid value, instead of leaving validation to Init().
package config

import (
	"fmt"
	"time"

	"github.com/hadijannat/vplc/internal/fault"
	"github.com/hadijannat/vplc/internal/fieldbus/ethercat"
	"github.com/hadijannat/vplc/internal/fieldbus/modbus"
)

// FieldbusVariant selects which fieldbus.Driver the daemon constructs.
type FieldbusVariant int

const (
	VariantSimulated FieldbusVariant = iota
	VariantModbusTCP
	VariantEtherCAT
)

// Config is the fully-resolved, immutable configuration a scheduler is
// constructed from.
type Config struct {
	CyclePeriod time.Duration

	Variant    FieldbusVariant
	Modbus     modbus.Config
	EtherCAT   ethercat.Config
	Loopback   bool // simulated-variant only

	WasmModulePath string
	WasmStepTimeout time.Duration

	WatchdogSafetyFactor float64 // watchdog timeout = CyclePeriod * factor, must be in (0, 1]
	OverrunToleranceK    int     // consecutive overruns tolerated before Faulted
	FaultRingCapacity    int     // power of two, >= 32

	MaxCycles uint64 // 0 means unbounded
}

type options struct {
	cfg Config
}

// Option configures a Config under construction.
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error { return f(o) }

// WithCyclePeriod sets the scheduler's target cycle period. Required.
func WithCyclePeriod(d time.Duration) Option {
	return optionFunc(func(o *options) error {
		if d <= 0 {
			return &fault.ConfigError{Msg: fmt.Sprintf("cycle period must be positive, got %s", d)}
		}
		o.cfg.CyclePeriod = d
		return nil
	})
}

// WithSimulatedFieldbus selects the in-process Simulated driver.
func WithSimulatedFieldbus(loopback bool) Option {
	return optionFunc(func(o *options) error {
		o.cfg.Variant = VariantSimulated
		o.cfg.Loopback = loopback
		return nil
	})
}

// WithModbusFieldbus selects the Modbus TCP driver.
func WithModbusFieldbus(cfg modbus.Config) Option {
	return optionFunc(func(o *options) error {
		if cfg.Address == "" {
			return &fault.ConfigError{Msg: "modbus fieldbus requires an address"}
		}
		o.cfg.Variant = VariantModbusTCP
		o.cfg.Modbus = cfg
		return nil
	})
}

// WithEtherCATFieldbus selects the EtherCAT master driver.
func WithEtherCATFieldbus(cfg ethercat.Config) Option {
	return optionFunc(func(o *options) error {
		if len(cfg.Slaves) == 0 {
			return &fault.ConfigError{Msg: "ethercat fieldbus requires at least one slave"}
		}
		o.cfg.Variant = VariantEtherCAT
		o.cfg.EtherCAT = cfg
		return nil
	})
}

// WithWasmModule sets the logic program to load; an empty path leaves
// the scheduler running the Null engine.
func WithWasmModule(path string, stepTimeout time.Duration) Option {
	return optionFunc(func(o *options) error {
		o.cfg.WasmModulePath = path
		o.cfg.WasmStepTimeout = stepTimeout
		return nil
	})
}

// WithWatchdogSafetyFactor sets the fraction of the cycle period the
// watchdog timeout is derived from. Default 0.9.
func WithWatchdogSafetyFactor(factor float64) Option {
	return optionFunc(func(o *options) error {
		if factor <= 0 || factor > 1 {
			return &fault.ConfigError{Msg: fmt.Sprintf("watchdog safety factor must be in (0, 1], got %f", factor)}
		}
		o.cfg.WatchdogSafetyFactor = factor
		return nil
	})
}

// WithOverrunTolerance sets the number of consecutive cycle overruns
// tolerated before the runtime faults. Default 3.
func WithOverrunTolerance(k int) Option {
	return optionFunc(func(o *options) error {
		if k < 1 {
			return &fault.ConfigError{Msg: fmt.Sprintf("overrun tolerance must be >= 1, got %d", k)}
		}
		o.cfg.OverrunToleranceK = k
		return nil
	})
}

// WithFaultRingCapacity sets the bounded fault-history ring's capacity.
// Must be a power of two, >= 32. Default 64.
func WithFaultRingCapacity(capacity int) Option {
	return optionFunc(func(o *options) error {
		if capacity < 32 || capacity&(capacity-1) != 0 {
			return &fault.ConfigError{Msg: fmt.Sprintf("fault ring capacity must be a power of two >= 32, got %d", capacity)}
		}
		o.cfg.FaultRingCapacity = capacity
		return nil
	})
}

// WithMaxCycles bounds the run to a fixed cycle count, after which the
// scheduler transitions Running -> Stopping on its own. 0 (the
// default) means unbounded.
func WithMaxCycles(n uint64) Option {
	return optionFunc(func(o *options) error {
		o.cfg.MaxCycles = n
		return nil
	})
}

// New resolves a Config from the given Options, applying defaults for
// anything left unset, or returns the first validation error.
func New(opts ...Option) (Config, error) {
	o := &options{
		cfg: Config{
			WatchdogSafetyFactor: 0.9,
			OverrunToleranceK:    3,
			FaultRingCapacity:    64,
		},
	}
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return Config{}, err
		}
	}
	if o.cfg.CyclePeriod <= 0 {
		return Config{}, &fault.ConfigError{Msg: "cycle period is required (WithCyclePeriod)"}
	}
	return o.cfg, nil
}

// WatchdogTimeout derives the watchdog expiration window from the
// configured cycle period and safety factor.
func (c Config) WatchdogTimeout() time.Duration {
	return time.Duration(float64(c.CyclePeriod) * c.WatchdogSafetyFactor)
}
