// Package uring backs the MRQ batcher's non-blocking and polled submission
// modes (spec §4.3): a minimal io_uring ring that submits SG_IO envelopes
// as IORING_OP_URING_CMD operations against a pass-through file descriptor
// and reaps their completions in bulk with a single io_uring_enter call.
package uring

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring opcodes and syscall numbers this package needs. Linux ABI,
// stable since 5.1 (setup/enter) and 5.19 (URING_CMD).
const (
	opURingCmd = 46 // IORING_OP_URING_CMD

	sysIOURingSetup = 425
	sysIOURingEnter = 426

	enterGetEvents = 1 << 0

	setupCQSize = 1 << 3
)

// sqe mirrors struct io_uring_sqe's fixed-size prefix (64 bytes) used for
// a URING_CMD entry: opcode, fd, and a 64-bit command-block pointer
// carried in the addr field of a plain 64-byte SQE (the ring is not set
// up with SQE128; here the "command" is a pointer to an sguapi.IOHdr).
type sqe struct {
	opcode   uint8
	flags    uint8
	ioprio   uint16
	fd       int32
	off      uint64
	addr     uint64
	len      uint32
	cmdOp    uint32
	userData uint64
	_        [24]byte // personality/file_index/pad, unused here
}

const sqeSize = 64

// cqe mirrors struct io_uring_cqe.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

const cqeSize = 16

// ringParams mirrors struct io_uring_params.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqOffsets
	cqOff        cqOffsets
}

type sqOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array, resv1 uint32
	resv2                                                           uint64
}

type cqOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes, flags, resv1 uint32
	resv2                                                           uint64
}

// Ring is a single-threaded submission/completion ring. Callers serialize
// access with their own lock (the MRQ batcher owns exactly one Ring per
// worker, so no internal locking is required for the hot path; mu guards
// only Close against concurrent use during shutdown).
type Ring struct {
	fd int

	sqMmap []byte
	cqMmap []byte
	sqeMem []byte

	sqHead, sqTail, sqMask *uint32
	cqHead, cqTail, cqMask *uint32
	sqArray                []uint32
	cqesOff                uint32

	entries uint32
	pending uint32

	mu     sync.Mutex
	closed bool
}

// New creates a ring with the given submission-queue depth, rounded up by
// the kernel to a power of two.
func New(entries uint32) (*Ring, error) {
	var params ringParams
	params.flags = setupCQSize
	params.cqEntries = entries * 2

	fd, _, errno := unix.Syscall(sysIOURingSetup, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("uring: io_uring_setup: %w", errno)
	}

	sqRingSize := int(params.sqOff.array) + int(params.sqEntries)*4
	cqRingSize := int(params.cqOff.cqes) + int(params.cqEntries)*cqeSize

	sqMmap, err := unix.Mmap(int(fd), 0, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("uring: mmap sq ring: %w", err)
	}

	cqMmap, err := unix.Mmap(int(fd), 0x8000000, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Close(int(fd))
		return nil, fmt.Errorf("uring: mmap cq ring: %w", err)
	}

	sqeMem, err := unix.Mmap(int(fd), 0x10000000, int(params.sqEntries)*sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		unix.Close(int(fd))
		return nil, fmt.Errorf("uring: mmap sqe array: %w", err)
	}

	r := &Ring{
		fd:      int(fd),
		sqMmap:  sqMmap,
		cqMmap:  cqMmap,
		sqeMem:  sqeMem,
		entries: params.sqEntries,
	}
	r.sqHead = ptrAt32(sqMmap, params.sqOff.head)
	r.sqTail = ptrAt32(sqMmap, params.sqOff.tail)
	r.sqMask = ptrAt32(sqMmap, params.sqOff.ringMask)
	r.cqHead = ptrAt32(cqMmap, params.cqOff.head)
	r.cqTail = ptrAt32(cqMmap, params.cqOff.tail)
	r.cqMask = ptrAt32(cqMmap, params.cqOff.ringMask)
	r.sqArray = sliceAt32(sqMmap, params.sqOff.array, int(params.sqEntries))
	r.cqesOff = params.cqOff.cqes

	return r, nil
}

func ptrAt32(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

func sliceAt32(mem []byte, off uint32, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mem[off])), n)
}

// ErrRingFull is returned by Prepare when the submission queue has no
// free slot; the caller (the MRQ batcher) must Submit to drain it first.
var ErrRingFull = fmt.Errorf("uring: submission queue full")

// Prepare stages a URING_CMD SQE addressing cmdPtr (an *sguapi.IOHdr cast
// to uintptr by the caller) against fd, tagged with userData (the PTR's
// tag). It does not touch the kernel; call Submit to flush.
func (r *Ring) Prepare(fd int, cmdPtr uintptr, userData uint64) error {
	head := *r.sqHead
	tail := *r.sqTail
	mask := *r.sqMask
	if tail-head > mask {
		return ErrRingFull
	}

	idx := tail & mask
	s := (*sqe)(unsafe.Pointer(&r.sqeMem[uintptr(idx)*sqeSize]))
	*s = sqe{
		opcode:   opURingCmd,
		fd:       int32(fd),
		addr:     uint64(cmdPtr),
		userData: userData,
	}
	r.sqArray[idx] = idx
	*r.sqTail = tail + 1
	r.pending++
	return nil
}

// Submit flushes all prepared SQEs with one io_uring_enter call and, if
// minComplete > 0, blocks until that many completions are available.
func (r *Ring) Submit(minComplete uint32) (uint32, error) {
	toSubmit := r.pending
	if toSubmit == 0 && minComplete == 0 {
		return 0, nil
	}
	var flags uintptr
	if minComplete > 0 {
		flags = enterGetEvents
	}
	n, _, errno := unix.Syscall6(sysIOURingEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		if errno == syscall.EINTR || errno == syscall.EAGAIN {
			return 0, errno
		}
		return 0, fmt.Errorf("uring: io_uring_enter: %w", errno)
	}
	r.pending -= uint32(n)
	return uint32(n), nil
}

// Completion is one reaped CQE, keyed back to the PTR tag the caller
// staged in Prepare's userData.
type Completion struct {
	Tag    uint64
	Result int32
}

// Reap drains up to len(out) available completions without blocking,
// returning the number written into out.
func (r *Ring) Reap(out []Completion) int {
	head := *r.cqHead
	tail := *r.cqTail
	mask := *r.cqMask

	n := 0
	for head != tail && n < len(out) {
		idx := head & mask
		c := (*cqe)(unsafe.Pointer(&r.cqMmap[uintptr(r.cqesOff)+uintptr(idx)*cqeSize]))
		out[n] = Completion{Tag: c.userData, Result: c.res}
		n++
		head++
	}
	*r.cqHead = head
	return n
}

// Close unmaps ring memory and closes the ring fd. Safe to call once.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Munmap(r.sqeMem)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqMmap)
	return unix.Close(r.fd)
}
