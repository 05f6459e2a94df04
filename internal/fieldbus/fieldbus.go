// Package fieldbus defines the device-facing I/O plane abstraction
// (spec.md §4.4): a capability interface the scheduler consumes
// polymorphically, with Simulated, ModbusTcp, and EtherCAT concrete
// variants selected from configuration. This mirrors the teacher's
// owned-trait-plane convention — a capability interface whose concrete
// implementations are selected at construction (spec.md §9).
package fieldbus

import "github.com/hadijannat/vplc/internal/procimage"

// Inputs is the snapshot of field input values captured by the most
// recent ReadInputs/Exchange call.
type Inputs struct {
	Digital uint32
	Analog  [16]int16
}

// Outputs is the staged set of output values to be written on the next
// WriteOutputs/Exchange call.
type Outputs struct {
	Digital uint32
	Analog  [16]int16
}

// Driver is the capability set every fieldbus variant implements
// (spec.md §4.4): init, read_inputs, write_outputs, exchange, get_inputs,
// set_outputs, shutdown, is_operational.
type Driver interface {
	// Init transitions the device plane from down to operational, or
	// fails with an error; the scheduler records a failure that is not
	// already a *fault.ConfigError or *fault.FieldbusError as a
	// *fault.FieldbusError wrapping it.
	Init() error

	// ReadInputs refreshes the snapshot GetInputs returns from the wire.
	ReadInputs() error

	// WriteOutputs sends the most recently staged outputs to the wire.
	WriteOutputs() error

	// Exchange is the hot-path primitive. The default composition
	// (DefaultExchange) is read then write; variants that can batch both
	// directions into a single wire operation (EtherCAT) override it.
	Exchange() error

	// GetInputs returns the image snapshot captured by the most recent
	// ReadInputs/Exchange.
	GetInputs() Inputs

	// SetOutputs stages values for the next WriteOutputs/Exchange.
	SetOutputs(Outputs)

	// Shutdown is idempotent and drives devices to a safe state.
	Shutdown() error

	// IsOperational reports whether the device plane is up.
	IsOperational() bool
}

// WkcBreach is implemented by any driver error representing a working
// counter consecutive-error threshold breach (EtherCAT-specific). The
// scheduler type-switches on this interface rather than a concrete
// type so drivers stay decoupled from the fault package; it then
// raises the shared *fault.WkcThresholdExceeded itself.
type WkcBreach interface {
	error
	Consecutive() int
	Threshold() int
}

// DefaultExchange implements the default Exchange composition
// (read_inputs; write_outputs) described in spec.md §4.4, for variants
// that have no cheaper combined wire operation.
func DefaultExchange(d Driver) error {
	if err := d.ReadInputs(); err != nil {
		return err
	}
	return d.WriteOutputs()
}

// MirrorInputsToImage copies a captured Inputs snapshot into the process
// image's input zone — the first half of the scheduler's per-cycle
// mirror step (spec.md §4.7 step 5).
func MirrorInputsToImage(in Inputs, img *procimage.Image) {
	img.WriteDigitalInputs(in.Digital)
	for ch, v := range in.Analog {
		_ = img.WriteAnalogInput(ch, v)
	}
}

// MirrorOutputsFromImage reads the process image's output zone into an
// Outputs value, ready to stage via Driver.SetOutputs — the second half
// of the scheduler's per-cycle mirror step (spec.md §4.7 step 7).
func MirrorOutputsFromImage(img *procimage.Image) Outputs {
	var out Outputs
	out.Digital = img.ReadDigitalOutputs()
	for ch := range out.Analog {
		v, _ := img.ReadAnalogOutput(ch)
		out.Analog[ch] = v
	}
	return out
}
