// Package simulated provides an in-process fieldbus.Driver backed by
// plain memory instead of a wire protocol. It is grounded on the
// original system's SimulatedDriver (_examples/original_source) and
// exists for development and the acceptance scenarios in spec.md §8,
// where it stands in for real devices under direct test control.
package simulated

import (
	"sync"

	"github.com/hadijannat/vplc/internal/fieldbus"
)

// Driver is a Simulated fieldbus.Driver: no wire, no latency. Staged
// outputs reach GetInputs only in loopback mode; otherwise inputs
// change only through InjectInputs.
type Driver struct {
	mu          sync.Mutex
	operational bool
	inputs      fieldbus.Inputs
	outputs     fieldbus.Outputs
	loopback    bool
}

// New returns a Simulated driver. If loopback is true, WriteOutputs
// copies the staged outputs straight into the next ReadInputs snapshot
// (digital and analog), letting an acceptance test observe its own writes
// without a real device.
func New(loopback bool) *Driver {
	return &Driver{loopback: loopback}
}

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operational = true
	return nil
}

func (d *Driver) ReadInputs() error {
	return nil // inputs are injected via InjectInputs or loopback; nothing to fetch
}

func (d *Driver) WriteOutputs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopback {
		d.inputs.Digital = d.outputs.Digital
		d.inputs.Analog = d.outputs.Analog
	}
	return nil
}

func (d *Driver) Exchange() error {
	return fieldbus.DefaultExchange(d)
}

func (d *Driver) GetInputs() fieldbus.Inputs {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs
}

func (d *Driver) SetOutputs(o fieldbus.Outputs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = o
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operational = false
	return nil
}

func (d *Driver) IsOperational() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.operational
}

// InjectInputs lets a test directly set the next ReadInputs snapshot,
// simulating an external signal change between cycles.
func (d *Driver) InjectInputs(in fieldbus.Inputs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = in
}
