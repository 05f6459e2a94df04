package wasmhost

import "context"

// Engine is the scheduler-facing logic engine seam: a sandboxed WASM
// *Host, or Null for configurations that run the cyclic executive with
// no user logic attached (bring-up, I/O-only diagnostics runs).
type Engine interface {
	Step(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ Engine = (*Host)(nil)
	_ Engine = Null{}
)

// Null is a no-op Engine: step() and close both succeed instantly.
type Null struct{}

func (Null) Step(context.Context) error  { return nil }
func (Null) Close(context.Context) error { return nil }
