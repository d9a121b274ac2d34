package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// shardSize is the granularity of Memory's internal locking: a 64KB
// shard gives good parallelism for typical BPT-sized segments without
// one lock per endpoint serializing every worker.
const shardSize = 64 * 1024

// Memory is a RAM-backed endpoint used for the self-address/synthetic
// test harness and for exercising the worker/coordinator without real
// hardware. Sharded locking lets many workers touch disjoint regions of
// the same Memory endpoint concurrently.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
	kind   interfaces.EndpointKind
}

// NewMemory creates a zero-filled Memory endpoint of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
		kind:   interfaces.KindBlock,
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("endpoint: write beyond end of memory endpoint")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Kind() interfaces.EndpointKind { return m.kind }
func (m *Memory) IsPassThrough() bool           { return false }
func (m *Memory) FD() int                       { return -1 }
func (m *Memory) MaxTransfer() uint32           { return 0 }
func (m *Memory) Sync(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Bytes returns the backing slice directly, for test assertions.
func (m *Memory) Bytes() []byte { return m.data }
