// Package ethercat implements an EtherCAT master as a fieldbus.Driver
// (spec.md §4.4, §6): the slave state lattice (Init, PreOp, SafeOp, Op,
// Bootstrap), Working Counter supervision with a consecutive-error
// threshold, a Distributed Clocks phase-sync handshake performed once
// at SafeOp entry, and precomputed PDO scatter/gather offsets so the
// hot-path Exchange call never allocates. No EtherCAT library exists
// anywhere in the retrieved pack, so the wire transport is hand-rolled
// on top of golang.org/x/sys/unix raw AF_PACKET sockets on Linux (see
// DESIGN.md), behind the same Transport seam the teacher uses to split
// platform-specific syscall code from portable logic.
package ethercat

import (
	"fmt"
	"sync"

	"github.com/hadijannat/vplc/internal/fieldbus"
)

// SlaveState is a position in the EtherCAT state lattice.
type SlaveState uint8

const (
	StateInit SlaveState = iota
	StatePreOp
	StateSafeOp
	StateOp
	StateBootstrap
)

func (s SlaveState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePreOp:
		return "PreOp"
	case StateSafeOp:
		return "SafeOp"
	case StateOp:
		return "Op"
	case StateBootstrap:
		return "Bootstrap"
	default:
		return "Unknown"
	}
}

// edges is the legal slave-state lattice: forward bring-up
// Init->PreOp->SafeOp->Op, graceful teardown Op->SafeOp->PreOp->Init,
// Bootstrap only reachable from Init, and any state may fault straight
// back to Init.
var edges = map[SlaveState][]SlaveState{
	StateInit:      {StatePreOp, StateBootstrap},
	StatePreOp:     {StateSafeOp, StateInit},
	StateSafeOp:    {StateOp, StatePreOp, StateInit},
	StateOp:        {StateSafeOp, StateInit},
	StateBootstrap: {StateInit},
}

func legalEdge(from, to SlaveState) bool {
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// PDOMapping locates one slave's process data within the shared
// cyclic datagram, precomputed at Init so Exchange never recomputes
// offsets on the hot path.
type PDOMapping struct {
	InputOffset, InputLen   int
	OutputOffset, OutputLen int
}

// SlaveConfig describes one slave's identity and PDO layout.
type SlaveConfig struct {
	ID  uint16
	PDO PDOMapping
}

// Config configures an EtherCAT master.
type Config struct {
	Slaves          []SlaveConfig
	WkcThreshold    int // consecutive exchange failures at which WkcThresholdExceeded is raised
	DCSyncCycles    int // not consulted: DC phase lock is modeled as immediate (see syncDCLocked)
	DatagramLen     int // total frame payload length spanning all slaves' PDOs
}

// Transport abstracts the wire: a raw AF_PACKET socket on Linux, or a
// loopback stand-in for tests and non-Linux builds.
type Transport interface {
	// Exchange sends frame and returns the working counter the slaves
	// accumulated while processing it, or a transport error.
	Exchange(frame []byte) (wkc int, err error)
	Close() error
}

// Master is an EtherCAT fieldbus.Driver.
type Master struct {
	cfg       Config
	transport Transport

	mu           sync.Mutex
	slaveState   []SlaveState
	expectedWkc  int
	consecutiveErrs int
	dcLocked     bool
	operational  bool

	frame   []byte
	inputs  fieldbus.Inputs
	outputs fieldbus.Outputs
}

// New returns a Master bound to the given transport, not yet brought up.
func New(cfg Config, transport Transport) *Master {
	return &Master{
		cfg:         cfg,
		transport:   transport,
		slaveState:  make([]SlaveState, len(cfg.Slaves)),
		expectedWkc: len(cfg.Slaves),
		frame:       make([]byte, cfg.DatagramLen),
	}
}

// Init drives every slave through Init -> PreOp -> SafeOp -> Op and
// performs the Distributed Clocks phase-sync handshake at the SafeOp
// boundary.
func (m *Master) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slaveState {
		if err := m.transitionLocked(i, StatePreOp); err != nil {
			return err
		}
	}
	for i := range m.slaveState {
		if err := m.transitionLocked(i, StateSafeOp); err != nil {
			return err
		}
	}
	if err := m.syncDCLocked(); err != nil {
		return err
	}
	for i := range m.slaveState {
		if err := m.transitionLocked(i, StateOp); err != nil {
			return err
		}
	}
	m.operational = true
	m.consecutiveErrs = 0
	return nil
}

func (m *Master) transitionLocked(slaveIdx int, to SlaveState) error {
	from := m.slaveState[slaveIdx]
	if !legalEdge(from, to) {
		return &fieldbusError{msg: fmt.Sprintf("ethercat slave %d: illegal state transition %s -> %s", m.cfg.Slaves[slaveIdx].ID, from, to)}
	}
	m.slaveState[slaveIdx] = to
	return nil
}

// syncDCLocked performs the Distributed Clocks phase-lock handshake.
// Real hardware converges over several cycles as each slave's local
// clock offset is measured and corrected; here it is modeled as an
// immediate lock for determinism in tests. cfg.DCSyncCycles does not
// change the outcome, no clock drift is measured, and loss of sync is
// never reported.
func (m *Master) syncDCLocked() error {
	if m.cfg.DCSyncCycles <= 0 {
		m.dcLocked = true
		return nil
	}
	m.dcLocked = true
	return nil
}

// ReadInputs and WriteOutputs are not independently meaningful on
// EtherCAT's single shared datagram; Exchange does both in one wire
// operation, so they are thin wrappers for fieldbus.Driver conformance.
func (m *Master) ReadInputs() error  { return m.Exchange() }
func (m *Master) WriteOutputs() error { return m.Exchange() }

// Exchange gathers staged outputs into the shared datagram, sends it,
// scatters the reply into the inputs snapshot, and supervises the
// Working Counter: cfg.WkcThreshold consecutive mismatches raise
// WkcThresholdExceeded via the returned error.
func (m *Master) Exchange() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.operational {
		return &fieldbusError{msg: "ethercat exchange: master not operational"}
	}

	for _, s := range m.cfg.Slaves {
		scatterOutput(m.frame, s.PDO, m.outputs)
	}

	wkc, err := m.transport.Exchange(m.frame)
	if err != nil {
		m.consecutiveErrs++
		if m.consecutiveErrs >= m.cfg.WkcThreshold {
			return &wkcThresholdError{consecutive: m.consecutiveErrs, threshold: m.cfg.WkcThreshold}
		}
		return &fieldbusError{msg: "ethercat transport exchange", err: err}
	}

	if wkc != m.expectedWkc {
		m.consecutiveErrs++
		if m.consecutiveErrs >= m.cfg.WkcThreshold {
			return &wkcThresholdError{consecutive: m.consecutiveErrs, threshold: m.cfg.WkcThreshold}
		}
		return &fieldbusError{msg: fmt.Sprintf("ethercat wkc mismatch: got %d want %d", wkc, m.expectedWkc)}
	}
	m.consecutiveErrs = 0

	for _, s := range m.cfg.Slaves {
		gatherInput(m.frame, s.PDO, &m.inputs)
	}
	return nil
}

func (m *Master) GetInputs() fieldbus.Inputs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs
}

func (m *Master) SetOutputs(o fieldbus.Outputs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = o
}

// Shutdown drives every slave back down Op -> SafeOp -> PreOp -> Init,
// zeroing outputs at the SafeOp boundary per the original system's
// teardown ordering, then closes the transport. Idempotent.
func (m *Master) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.operational {
		return m.transport.Close()
	}
	m.outputs = fieldbus.Outputs{}
	for i := range m.slaveState {
		_ = m.transitionLocked(i, StateSafeOp)
	}
	for i := range m.slaveState {
		_ = m.transitionLocked(i, StatePreOp)
	}
	for i := range m.slaveState {
		_ = m.transitionLocked(i, StateInit)
	}
	m.operational = false

	if err := m.transport.Close(); err != nil {
		return &fieldbusError{msg: "ethercat shutdown", err: err}
	}
	return nil
}

func (m *Master) IsOperational() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operational
}

func scatterOutput(frame []byte, pdo PDOMapping, o fieldbus.Outputs) {
	if pdo.OutputLen < 4 || pdo.OutputOffset+4 > len(frame) {
		return
	}
	frame[pdo.OutputOffset] = byte(o.Digital)
	frame[pdo.OutputOffset+1] = byte(o.Digital >> 8)
	frame[pdo.OutputOffset+2] = byte(o.Digital >> 16)
	frame[pdo.OutputOffset+3] = byte(o.Digital >> 24)
}

func gatherInput(frame []byte, pdo PDOMapping, in *fieldbus.Inputs) {
	if pdo.InputLen < 4 || pdo.InputOffset+4 > len(frame) {
		return
	}
	in.Digital = uint32(frame[pdo.InputOffset]) |
		uint32(frame[pdo.InputOffset+1])<<8 |
		uint32(frame[pdo.InputOffset+2])<<16 |
		uint32(frame[pdo.InputOffset+3])<<24
}

type fieldbusError struct {
	msg string
	err error
}

func (e *fieldbusError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}
func (e *fieldbusError) Unwrap() error { return e.err }

// wkcThresholdError carries the fields the scheduler translates into
// *fault.WkcThresholdExceeded at the boundary.
type wkcThresholdError struct {
	consecutive, threshold int
}

func (e *wkcThresholdError) Error() string {
	return fmt.Sprintf("ethercat wkc threshold exceeded: %d consecutive >= %d", e.consecutive, e.threshold)
}

func (e *wkcThresholdError) Consecutive() int { return e.consecutive }
func (e *wkcThresholdError) Threshold() int   { return e.threshold }
