//go:build linux

package ethercat

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// etherCATEtherType is the EtherCAT frame EtherType (0x88A4), used to
// bind the raw socket so the kernel only hands this master its own
// traffic on a shared segment.
const etherCATEtherType = 0x88A4

// RawTransport sends EtherCAT datagrams over an AF_PACKET raw socket
// bound to a named network interface, mirroring the teacher's x/sys
// epoll-backed poller split (eventloop/poller_linux.go): platform
// syscalls live behind a build tag, the portable Master never imports
// unix directly.
type RawTransport struct {
	fd        int
	ifaceName string
	ifIndex   int
}

// NewRawTransport opens and binds a raw socket on the named interface.
func NewRawTransport(ifaceName string) (*RawTransport, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(etherCATEtherType))
	if err != nil {
		return nil, fmt.Errorf("ethercat: open raw socket: %w", err)
	}

	iface, err := interfaceIndex(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(etherCATEtherType),
		Ifindex:  iface,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ethercat: bind raw socket to %s: %w", ifaceName, err)
	}

	return &RawTransport{fd: fd, ifaceName: ifaceName, ifIndex: iface}, nil
}

// Exchange writes frame to the wire and reads back the reply in place,
// returning the working counter the last two bytes of an EtherCAT
// datagram carry by convention.
func (t *RawTransport) Exchange(frame []byte) (int, error) {
	if _, err := unix.Write(t.fd, frame); err != nil {
		return 0, fmt.Errorf("ethercat: write: %w", err)
	}
	n, _, err := unix.Recvfrom(t.fd, frame, 0)
	if err != nil {
		return 0, fmt.Errorf("ethercat: recv: %w", err)
	}
	if n < 2 {
		return 0, fmt.Errorf("ethercat: short frame (%d bytes)", n)
	}
	wkc := int(frame[n-2]) | int(frame[n-1])<<8
	return wkc, nil
}

// Close releases the socket. Calls after the first are no-ops, so
// Master.Shutdown stays idempotent.
func (t *RawTransport) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("ethercat: lookup interface %s: %w", name, err)
	}
	return iface.Index, nil
}
