package modbus

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/hadijannat/vplc/internal/fieldbus"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection and echoes back well-formed empty
// replies for every request it receives, enough to exercise the
// client's framing without modelling real register state.
func fakeServer(t *testing.T, ln net.Listener, reads int) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	header := make([]byte, 7)
	for i := 0; i < reads; i++ {
		if _, err := readFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		body := make([]byte, length-1)
		if _, err := readFull(conn, body); err != nil {
			return
		}
		fc := body[0]

		var respBody []byte
		switch fc {
		case fcReadDiscreteInputs:
			respBody = []byte{fc, 4, 0, 0, 0, 0}
		case fcReadInputRegisters:
			respBody = []byte{fc, 2, 0, 0}
		default:
			respBody = body // write acks just echo
		}

		resp := make([]byte, 7+len(respBody))
		copy(resp[0:2], header[0:2])
		binary.BigEndian.PutUint16(resp[4:6], uint16(1+len(respBody)))
		resp[6] = header[6]
		copy(resp[7:], respBody)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestExchangeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// 1 discrete-input read + 16 input-register reads + 1 multi-coil
	// write + 16 single-register writes.
	go fakeServer(t, ln, 1+16+1+16)

	d := New(Config{Address: ln.Addr().String(), DialTimeout: time.Second, IOTimeout: time.Second})
	require.NoError(t, d.Init())
	defer d.Shutdown()

	d.SetOutputs(fieldbus.Outputs{Digital: 0b1})
	require.NoError(t, d.Exchange())
	require.EqualValues(t, 0, d.GetInputs().Digital)
}

func TestBuildPDUReadCoils(t *testing.T) {
	pdu := buildPDU(fcReadCoils, 5, 8, nil)
	require.Equal(t, fcReadCoils, pdu[0])
	require.EqualValues(t, 5, binary.BigEndian.Uint16(pdu[1:3]))
	require.EqualValues(t, 8, binary.BigEndian.Uint16(pdu[3:5]))
}

func TestBitsRoundTrip(t *testing.T) {
	payload := uint32ToCoilPayload(0b10110, 8)
	coded := append([]byte{byte(len(payload))}, payload...)
	got := bitsToUint32(coded, 8)
	require.EqualValues(t, 0b10110, got)
}
