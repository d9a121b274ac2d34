// Package iobuf provides pooled, page-aligned scratch buffers for worker
// segments and MRQ sub-windows.
package iobuf

import (
	"sync"

	"github.com/ehrlich-b/sgdd/internal/constants"
)

// Buffer size buckets. Workers request BPT*BS-sized (or M*BPT*BS in
// unbalanced MRQ mode) scratch regions; these buckets cover the common
// range without forcing every caller to the largest size.
const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
	size4m   = 4 * 1024 * 1024
	size16m  = 16 * 1024 * 1024
)

// globalPool is the shared scratch-buffer pool for all workers.
// Uses the pointer-to-slice pattern to avoid sync.Pool interface-boxing
// allocation overhead on the hot path.
var globalPool = struct {
	p128k, p256k, p512k, p1m, p4m, p16m sync.Pool
}{
	p128k: sync.Pool{New: func() any { return newAligned(size128k) }},
	p256k: sync.Pool{New: func() any { return newAligned(size256k) }},
	p512k: sync.Pool{New: func() any { return newAligned(size512k) }},
	p1m:   sync.Pool{New: func() any { return newAligned(size1m) }},
	p4m:   sync.Pool{New: func() any { return newAligned(size4m) }},
	p16m:  sync.Pool{New: func() any { return newAligned(size16m) }},
}

// newAligned allocates a slice whose backing array starts on a
// constants.IOBufferAlignment boundary, as required by O_DIRECT and
// kernel buffer-sharing paths. Returns a *[]byte for sync.Pool.
func newAligned(size int) *[]byte {
	raw := make([]byte, size+constants.IOBufferAlignment)
	addr := uintptrOf(raw)
	pad := (constants.IOBufferAlignment - int(addr%constants.IOBufferAlignment)) % constants.IOBufferAlignment
	aligned := raw[pad : pad+size : pad+size]
	return &aligned
}

// Get returns a pooled, page-aligned buffer of exactly size bytes.
// Sizes above the 16 MiB bucket are allocated directly and not pooled.
// Caller must call Put when done.
func Get(size uint32) []byte {
	switch {
	case size <= size128k:
		return (*globalPool.p128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.p256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*globalPool.p512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.p1m.Get().(*[]byte))[:size]
	case size <= size4m:
		return (*globalPool.p4m.Get().(*[]byte))[:size]
	case size <= size16m:
		return (*globalPool.p16m.Get().(*[]byte))[:size]
	default:
		return *newAligned(int(size))
	}
}

// Put returns a buffer obtained from Get to its bucket.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size128k:
		globalPool.p128k.Put(&buf)
	case size256k:
		globalPool.p256k.Put(&buf)
	case size512k:
		globalPool.p512k.Put(&buf)
	case size1m:
		globalPool.p1m.Put(&buf)
	case size4m:
		globalPool.p4m.Put(&buf)
	case size16m:
		globalPool.p16m.Put(&buf)
		// Non-bucket-sized buffers (grown via append elsewhere) are simply
		// not returned to the pool.
	}
}
