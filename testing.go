package sgdd

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// MockEndpoint is an in-memory interfaces.Endpoint for unit tests. It
// behaves like internal/endpoint.Memory but additionally supports
// failure injection: a region can be marked to return a medium error,
// to return corrupted data (a verify-time miscompare), or to return a
// short read/write, so coordinator/worker/watchdog tests can exercise
// spec §7's error taxonomy without real hardware.
type MockEndpoint struct {
	mu   sync.RWMutex
	data []byte
	size int64
	kind interfaces.EndpointKind

	closed bool

	readCalls  int
	writeCalls int
	syncCalls  int

	// faults maps a starting LBA-block-aligned byte offset to an
	// injected fault that fires the next time it is touched.
	faults map[int64]fault
}

type fault struct {
	kind      faultKind
	remaining int // times left to fire; 0 means "forever"
}

type faultKind int

const (
	faultMediumError faultKind = iota
	faultCorruptData
	faultShortTransfer
)

// NewMockEndpoint creates a zero-filled MockEndpoint of the given size.
func NewMockEndpoint(size int64) *MockEndpoint {
	return &MockEndpoint{
		data:   make([]byte, size),
		size:   size,
		kind:   interfaces.KindBlock,
		faults: make(map[int64]fault),
	}
}

// InjectMediumError arranges for the next access starting at off to fail
// with a medium-error style *Error instead of transferring data.
func (m *MockEndpoint) InjectMediumError(off int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[off] = fault{kind: faultMediumError, remaining: 1}
}

// InjectCorruption arranges for the next read starting at off to return
// flipped data rather than the true contents, simulating a miscompare
// that a verify pass should catch.
func (m *MockEndpoint) InjectCorruption(off int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[off] = fault{kind: faultCorruptData, remaining: 1}
}

// InjectShortTransfer arranges for the next access starting at off to
// transfer only half of the requested length.
func (m *MockEndpoint) InjectShortTransfer(off int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[off] = fault{kind: faultShortTransfer, remaining: 1}
}

func (m *MockEndpoint) takeFault(off int64) (fault, bool) {
	f, ok := m.faults[off]
	if !ok {
		return fault{}, false
	}
	if f.remaining == 1 {
		delete(m.faults, off)
	} else if f.remaining > 1 {
		f.remaining--
		m.faults[off] = f
	}
	return f, true
}

func (m *MockEndpoint) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++

	if m.closed {
		return 0, NewError("read", ErrKindOpenSetup, "endpoint closed")
	}

	f, hasFault := m.takeFault(off)
	if hasFault {
		switch f.kind {
		case faultMediumError:
			return 0, &Error{Op: "read", Kind: ErrKindMediumHard, LBA: uint64(off), Msg: "injected medium error"}
		case faultShortTransfer:
			return m.copyOut(p[:len(p)/2], off), nil
		}
	}

	if off >= m.size {
		return 0, nil
	}
	avail := m.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	n := copy(p, m.data[off:off+int64(len(p))])

	if hasFault && f.kind == faultCorruptData {
		for i := range p[:n] {
			p[i] ^= 0xFF
		}
	}
	return n, nil
}

func (m *MockEndpoint) copyOut(p []byte, off int64) int {
	if off >= m.size {
		return 0
	}
	avail := m.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(p, m.data[off:off+int64(len(p))])
}

func (m *MockEndpoint) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++

	if m.closed {
		return 0, NewError("write", ErrKindOpenSetup, "endpoint closed")
	}

	if f, ok := m.takeFault(off); ok {
		switch f.kind {
		case faultMediumError:
			return 0, &Error{Op: "write", Kind: ErrKindMediumHard, LBA: uint64(off), Msg: "injected medium error"}
		case faultShortTransfer:
			p = p[:len(p)/2]
		}
	}

	if off >= m.size {
		return 0, fmt.Errorf("sgdd: write beyond end of mock endpoint")
	}
	avail := m.size - off
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

func (m *MockEndpoint) Kind() interfaces.EndpointKind { return m.kind }
func (m *MockEndpoint) IsPassThrough() bool           { return false }
func (m *MockEndpoint) FD() int                       { return -1 }
func (m *MockEndpoint) MaxTransfer() uint32           { return 0 }

func (m *MockEndpoint) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCalls++
	return nil
}

func (m *MockEndpoint) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Bytes returns the backing slice directly, for test assertions.
func (m *MockEndpoint) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// IsClosed reports whether Close has been called.
func (m *MockEndpoint) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called.
func (m *MockEndpoint) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls, "sync": m.syncCalls}
}

var _ interfaces.Endpoint = (*MockEndpoint)(nil)
