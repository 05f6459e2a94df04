package ethercat

import "sync"

// LoopbackTransport stands in for real hardware: it echoes whatever
// frame it is given back to the caller, reporting a fixed Working
// Counter. Used directly by tests and as the portable build's only
// transport on platforms without AF_PACKET (see transport_linux.go).
type LoopbackTransport struct {
	mu  sync.Mutex
	wkc int
	// FailExchanges, when nonzero, makes the next N Exchange calls
	// return an error, simulating consecutive wire faults for the
	// WKC-threshold acceptance scenario.
	FailExchanges int
}

// NewLoopbackTransport returns a transport that reports wkc on every
// successful exchange.
func NewLoopbackTransport(wkc int) *LoopbackTransport {
	return &LoopbackTransport{wkc: wkc}
}

func (t *LoopbackTransport) Exchange(frame []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailExchanges > 0 {
		t.FailExchanges--
		return 0, errLoopbackFault
	}
	return t.wkc, nil
}

func (t *LoopbackTransport) Close() error { return nil }

// SetWkc changes the reported working counter, simulating a slave
// dropping off the segment (wkc below the configured expectation).
func (t *LoopbackTransport) SetWkc(wkc int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wkc = wkc
}

var errLoopbackFault = loopbackFault{}

type loopbackFault struct{}

func (loopbackFault) Error() string { return "ethercat: simulated transport fault" }
