// Command vplcd runs the vPLC cyclic executive as a standalone
// process. Bring-up order: resolve configuration and construct the
// fieldbus driver, load the logic module, then run the scheduler,
// which brings the fieldbus up (Driver.Init) before its first cycle —
// so the logic module is loaded before the fieldbus is operational.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hadijannat/vplc/internal/config"
	"github.com/hadijannat/vplc/internal/fieldbus"
	"github.com/hadijannat/vplc/internal/fieldbus/modbus"
	"github.com/hadijannat/vplc/internal/fieldbus/simulated"
	"github.com/hadijannat/vplc/internal/procimage"
	"github.com/hadijannat/vplc/internal/scheduler"
	"github.com/hadijannat/vplc/internal/timebase"
	"github.com/hadijannat/vplc/internal/wasmhost"
	"github.com/rs/zerolog"
)

func main() {
	var (
		variant     = flag.String("fieldbus", "simulated", "fieldbus variant: simulated|modbus")
		cyclePeriod = flag.Duration("cycle-period", 10*time.Millisecond, "target scan cycle period")
		modbusAddr  = flag.String("modbus-address", "", "host:port of the Modbus TCP device (fieldbus=modbus)")
		wasmPath    = flag.String("wasm-module", "", "path to the sandboxed logic program; empty runs no logic")
		maxCycles   = flag.Uint64("max-cycles", 0, "stop after this many cycles; 0 runs until signalled")
	)
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, driver, err := buildConfigAndDriver(*variant, *cyclePeriod, *modbusAddr, *wasmPath, *maxCycles)
	if err != nil {
		log.Fatal().Err(err).Msg("vplcd: configuration error")
	}

	img := procimage.New(procimage.DefaultMarkerBytes)
	cycleCounter := &atomic.Uint64{}

	engine, err := buildEngine(cfg, img, cycleCounter, log)
	if err != nil {
		log.Fatal().Err(err).Msg("vplcd: failed to load logic module")
	}

	sched, err := scheduler.New(cfg,
		scheduler.WithFieldbus(driver),
		scheduler.WithEngine(engine),
		scheduler.WithImage(img),
		scheduler.WithCycleCounter(cycleCounter),
		scheduler.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("vplcd: failed to construct scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("fieldbus", *variant).Dur("cycle_period", *cyclePeriod).Msg("vplcd: starting")
	if err := sched.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("vplcd: run exited with a fault")
	}
	log.Info().Msg("vplcd: stopped cleanly")
}

func buildConfigAndDriver(variant string, cyclePeriod time.Duration, modbusAddr, wasmPath string, maxCycles uint64) (config.Config, fieldbus.Driver, error) {
	opts := []config.Option{
		config.WithCyclePeriod(cyclePeriod),
		config.WithMaxCycles(maxCycles),
	}
	if wasmPath != "" {
		opts = append(opts, config.WithWasmModule(wasmPath, 10*time.Millisecond))
	}

	var driver fieldbus.Driver
	switch variant {
	case "simulated":
		opts = append(opts, config.WithSimulatedFieldbus(true))
		driver = simulated.New(true)
	case "modbus":
		mcfg := modbus.Config{Address: modbusAddr}
		opts = append(opts, config.WithModbusFieldbus(mcfg))
		driver = modbus.New(mcfg)
	default:
		return config.Config{}, nil, unsupportedVariantError(variant)
	}

	cfg, err := config.New(opts...)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, driver, nil
}

func buildEngine(cfg config.Config, img *procimage.Image, cycleCounter *atomic.Uint64, log zerolog.Logger) (wasmhost.Engine, error) {
	if cfg.WasmModulePath == "" {
		return wasmhost.Null{}, nil
	}
	bytes, err := os.ReadFile(cfg.WasmModulePath)
	if err != nil {
		return nil, err
	}
	host := wasmhost.New(wasmhost.Config{StepTimeout: cfg.WasmStepTimeout, Log: log})
	// img and cycleCounter are the same instances handed to the
	// scheduler below, so the loaded module's host-function reads,
	// writes, and cycle_index calls observe the real cyclic executive.
	// now_ns is monotonic (spec.md §4.6), the same clock source the
	// scheduler itself reads — never the wall clock.
	clock := timebase.NewMonotonic()
	now := clock.Now
	cycleIndex := func() uint64 { return cycleCounter.Load() }
	if err := host.Load(context.Background(), bytes, img, now, cycleIndex); err != nil {
		return nil, err
	}
	return host, nil
}

type unsupportedVariantError string

func (e unsupportedVariantError) Error() string {
	return "vplcd: unsupported fieldbus variant " + string(e)
}
