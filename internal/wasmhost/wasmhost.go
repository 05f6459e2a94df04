// Package wasmhost sandboxes the user logic program (spec.md §4.6)
// inside a WebAssembly module executed by wazero, grounded on the
// tetratelabs-wazero example's NewHostModuleBuilder/NewFunctionBuilder
// shape. The module's only window into the outside world is the fixed
// import surface below, whose read/write functions access the process
// image directly; the image is not copied into the module's linear
// memory before or after step(). Nothing else crosses the sandbox
// boundary, and a wall-clock timeout bounds every call to step().
package wasmhost

import (
	"context"
	"fmt"
	"time"

	"github.com/hadijannat/vplc/internal/fault"
	"github.com/hadijannat/vplc/internal/procimage"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// The export names below are the full set of WASM exports a logic
// program must provide; anything outside the fixed import surface used below
// causes Load to fail with a *fault.ConfigError.
const (
	exportInit   = "init"
	exportStep   = "step"
	exportMemory = "memory"
)

// Host owns the wazero runtime and one instantiated logic module. It
// is not safe for concurrent use; the scheduler goroutine is its sole
// caller.
type Host struct {
	runtime  wazero.Runtime
	module   api.Module
	stepFn   api.Function
	initFn   api.Function
	log      zerolog.Logger
	stepTimeout time.Duration

	imageWindowOffset uint32
	imageWindowLen     uint32
}

// Config configures a Host.
type Config struct {
	StepTimeout time.Duration // bounds every init() and step() call; 0 selects 10ms, a negative value disables the bound
	Log         zerolog.Logger
}

// New constructs an unloaded Host.
func New(cfg Config) *Host {
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = 10 * time.Millisecond
	}
	return &Host{stepTimeout: cfg.StepTimeout, log: cfg.Log}
}

// image is the narrow surface the host functions below need from the
// process image; scheduler passes its *procimage.Image through this
// interface to keep wasmhost decoupled from procimage's concrete type.
type image interface {
	ReadDigitalInputs() uint32
	WriteDigitalInputs(uint32)
	ReadDigitalOutputs() uint32
	WriteDigitalOutputs(uint32)
	ReadAnalogInput(ch int) (int16, error)
	WriteAnalogInput(ch int, v int16) error
	ReadAnalogOutput(ch int) (int16, error)
	WriteAnalogOutput(ch int, v int16) error
}

var _ image = (*procimage.Image)(nil)

// cycleIndexFn returns the current cycle index at call time, letting
// the cycle_index host function stay live across cycles without the
// Host needing to track it itself.
type cycleIndexFn func() uint64

// Load instantiates the given WASM bytes, verifying the required
// exports, wiring the fixed import surface against img, and invoking
// init() once. now and cycleIndex are called on demand by the
// corresponding host functions.
func (h *Host) Load(ctx context.Context, wasmBytes []byte, img image, now func() int64, cycleIndex cycleIndexFn) error {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	builder := h.runtime.NewHostModuleBuilder("env")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context, v int32) {
		h.log.Info().Int32("value", v).Msg("wasm log_i32")
	}).Export("log_i32")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context, v float32) {
		h.log.Info().Float32("value", v).Msg("wasm log_f32")
	}).Export("log_f32")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context) int64 {
		return now()
	}).Export("now_ns")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context) int64 {
		return int64(cycleIndex())
	}).Export("cycle_index")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context) int32 {
		return int32(img.ReadDigitalInputs())
	}).Export("read_digital")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context, v int32) {
		img.WriteDigitalOutputs(uint32(v))
	}).Export("write_digital")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context, ch int32) int32 {
		v, err := img.ReadAnalogInput(int(ch))
		if err != nil {
			return 0
		}
		return int32(v)
	}).Export("read_analog")
	builder.NewFunctionBuilder().WithFunc(func(_ context.Context, ch, v int32) {
		_ = img.WriteAnalogOutput(int(ch), int16(v))
	}).Export("write_analog")

	if _, err := builder.Instantiate(ctx); err != nil {
		return &fault.ConfigError{Msg: "wasmhost: instantiate host module", Err: err}
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &fault.ConfigError{Msg: "wasmhost: compile module", Err: err}
	}
	if err := verifyExports(compiled); err != nil {
		return err
	}

	mod, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return &fault.ConfigError{Msg: "wasmhost: instantiate module", Err: err}
	}
	h.module = mod
	h.stepFn = mod.ExportedFunction(exportStep)
	h.initFn = mod.ExportedFunction(exportInit)

	initCtx, cancel := h.boundedContext(ctx)
	defer cancel()
	if _, err := h.initFn.Call(initCtx); err != nil {
		return &fault.WasmTrap{Msg: "wasmhost: init() trapped", Err: err}
	}
	return nil
}

func verifyExports(compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()
	for _, name := range []string{exportInit, exportStep} {
		if _, ok := exports[name]; !ok {
			return &fault.ConfigError{Msg: fmt.Sprintf("wasmhost: module missing required export %q", name)}
		}
	}
	memories := compiled.ExportedMemories()
	if _, ok := memories[exportMemory]; !ok {
		return &fault.ConfigError{Msg: "wasmhost: module missing required memory export \"memory\""}
	}
	return nil
}

// Step invokes the loaded module's step() under the configured
// timeout. A timeout or any other trap is reported as *fault.WasmTrap,
// letting the scheduler classify it as a hard fault (spec.md §4.6).
func (h *Host) Step(ctx context.Context) error {
	stepCtx, cancel := h.boundedContext(ctx)
	defer cancel()
	if _, err := h.stepFn.Call(stepCtx); err != nil {
		return &fault.WasmTrap{Msg: "wasmhost: step() trapped or exceeded its time bound", Err: err}
	}
	return nil
}

func (h *Host) boundedContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.stepTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, h.stepTimeout)
}

// Close releases the runtime and every module instantiated from it.
func (h *Host) Close(ctx context.Context) error {
	if h.runtime == nil {
		return nil
	}
	return h.runtime.Close(ctx)
}
