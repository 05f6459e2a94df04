// Package modbus implements a Modbus TCP fieldbus.Driver: an MBAP
// header plus PDU framed over a net.Conn, using the standard register
// and coil function codes. spec.md §6 names this as a required
// fieldbus variant but leaves the wire-level framing to the
// implementation; the original system's modbus.rs (_examples/
// original_source) is an unimplemented scaffold, so the function code
// set below is the minimum spec.md §6 already implies (readable/
// writable digital and analog I/O): no ecosystem Modbus library
// appears anywhere in the retrieved pack, so this is hand-rolled on
// top of net/encoding-binary (see DESIGN.md).
package modbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hadijannat/vplc/internal/fieldbus"
)

// Function codes used by this driver.
const (
	fcReadCoils            = 0x01
	fcReadDiscreteInputs   = 0x02
	fcReadHoldingRegisters = 0x03
	fcReadInputRegisters   = 0x04
	fcWriteSingleCoil      = 0x05
	fcWriteSingleRegister  = 0x06
	fcWriteMultipleCoils   = 0x0F
	fcWriteMultipleRegs    = 0x10
)

const (
	coilCount     = 32 // 4 bytes of digital outputs, bit-addressed
	discreteCount = 32 // digital inputs
	registerCount = 16 // analog channels, one 16-bit holding/input register each
)

// Config configures a Modbus TCP driver.
type Config struct {
	Address    string // host:port
	UnitID     byte
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// Driver is a Modbus TCP fieldbus.Driver.
type Driver struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
	txID uint16

	operational bool
	inputs      fieldbus.Inputs
	outputs     fieldbus.Outputs
}

// New returns an unconnected Modbus TCP driver; Init dials it.
func New(cfg Config) *Driver {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 200 * time.Millisecond
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, err := net.DialTimeout("tcp", d.cfg.Address, d.cfg.DialTimeout)
	if err != nil {
		return &fieldbusError{msg: fmt.Sprintf("modbus dial %s", d.cfg.Address), err: err}
	}
	d.conn = conn
	d.operational = true
	return nil
}

func (d *Driver) ReadInputs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.operational {
		return &fieldbusError{msg: "modbus read_inputs: not initialized"}
	}

	coilsReply, err := d.request(fcReadDiscreteInputs, 0, discreteCount, nil)
	if err != nil {
		return err
	}
	d.inputs.Digital = bitsToUint32(coilsReply, discreteCount)

	for ch := 0; ch < registerCount; ch++ {
		reply, err := d.request(fcReadInputRegisters, uint16(ch), 1, nil)
		if err != nil {
			return err
		}
		if len(reply) < 3 {
			return &fieldbusError{msg: fmt.Sprintf("modbus short register reply (%d bytes)", len(reply))}
		}
		// reply[0] is the byte count; the register value follows it.
		d.inputs.Analog[ch] = int16(binary.BigEndian.Uint16(reply[1:3]))
	}
	return nil
}

func (d *Driver) WriteOutputs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.operational {
		return &fieldbusError{msg: "modbus write_outputs: not initialized"}
	}

	payload := uint32ToCoilPayload(d.outputs.Digital, coilCount)
	if _, err := d.request(fcWriteMultipleCoils, 0, coilCount, payload); err != nil {
		return err
	}

	for ch := 0; ch < registerCount; ch++ {
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(d.outputs.Analog[ch]))
		if _, err := d.request(fcWriteSingleRegister, uint16(ch), 1, buf); err != nil {
			return err
		}
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
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return &fieldbusError{msg: "modbus shutdown", err: err}
	}
	return nil
}

func (d *Driver) IsOperational() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.operational
}

// request sends one MBAP-framed PDU and returns the reply PDU after its
// function code (for reads: the byte count followed by the data).
// Caller must hold d.mu.
func (d *Driver) request(fc byte, addr, quantity uint16, writeData []byte) ([]byte, error) {
	d.txID++
	pdu := buildPDU(fc, addr, quantity, writeData)

	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], d.txID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id, always 0
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = d.cfg.UnitID
	copy(frame[7:], pdu)

	_ = d.conn.SetDeadline(time.Now().Add(d.cfg.IOTimeout))
	if _, err := d.conn.Write(frame); err != nil {
		return nil, &fieldbusError{msg: "modbus write", err: err}
	}

	header := make([]byte, 7)
	if _, err := readFull(d.conn, header); err != nil {
		return nil, &fieldbusError{msg: "modbus read header", err: err}
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length == 0 || length > 253 {
		return nil, &fieldbusError{msg: fmt.Sprintf("modbus bad length %d", length)}
	}
	body := make([]byte, length-1)
	if _, err := readFull(d.conn, body); err != nil {
		return nil, &fieldbusError{msg: "modbus read body", err: err}
	}

	respFC := body[0]
	if respFC&0x80 != 0 {
		code := byte(0)
		if len(body) > 1 {
			code = body[1]
		}
		return nil, &fieldbusError{msg: fmt.Sprintf("modbus exception fc=0x%02x code=0x%02x", respFC&0x7F, code)}
	}
	return body[1:], nil
}

func buildPDU(fc byte, addr, quantity uint16, writeData []byte) []byte {
	switch fc {
	case fcReadDiscreteInputs, fcReadCoils, fcReadInputRegisters, fcReadHoldingRegisters:
		pdu := make([]byte, 5)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		binary.BigEndian.PutUint16(pdu[3:5], quantity)
		return pdu
	case fcWriteSingleRegister, fcWriteSingleCoil:
		pdu := make([]byte, 5)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		copy(pdu[3:5], writeData)
		return pdu
	case fcWriteMultipleCoils:
		byteCount := byte((quantity + 7) / 8)
		pdu := make([]byte, 6+byteCount)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		binary.BigEndian.PutUint16(pdu[3:5], quantity)
		pdu[5] = byteCount
		copy(pdu[6:], writeData)
		return pdu
	case fcWriteMultipleRegs:
		byteCount := byte(len(writeData))
		pdu := make([]byte, 6+byteCount)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], addr)
		binary.BigEndian.PutUint16(pdu[3:5], quantity)
		pdu[5] = byteCount
		copy(pdu[6:], writeData)
		return pdu
	default:
		return []byte{fc}
	}
}

func bitsToUint32(byteCoded []byte, bitCount int) uint32 {
	if len(byteCoded) == 0 {
		return 0
	}
	byteCount := byteCoded[0]
	_ = byteCount
	data := byteCoded[1:]
	var v uint32
	for i := 0; i < bitCount && i/8 < len(data); i++ {
		if data[i/8]&(1<<(uint(i)%8)) != 0 {
			v |= 1 << uint(i)
		}
	}
	return v
}

func uint32ToCoilPayload(v uint32, bitCount int) []byte {
	byteCount := (bitCount + 7) / 8
	data := make([]byte, byteCount)
	for i := 0; i < bitCount; i++ {
		if v&(1<<uint(i)) != 0 {
			data[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return data
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// fieldbusError satisfies the *fault.FieldbusError contract without
// importing the fault package into the wire codec; the scheduler wraps
// it at the boundary. Kept unexported: callers compare by type through
// the fieldbus.Driver error return, not this concrete type.
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
