// Package sgio implements the Pass-Through Request (spec §4.2): submitting
// and reaping a single SCSI command against a pass-through endpoint via
// Linux's SG_IO ioctl, and classifying its outcome.
package sgio

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sgdd/internal/constants"
	"github.com/ehrlich-b/sgdd/internal/interfaces"
	"github.com/ehrlich-b/sgdd/internal/sguapi"
)

// Direction of data transfer for a PTR.
type Direction int

const (
	DirIn  Direction = iota // device -> host (READ, VERIFY's implicit compare has no data-in)
	DirOut                  // host -> device (WRITE, VERIFY's data-out)
	DirNone
)

// packID is the monotonic tag generator, and pairID the separate even-only
// generator for shared-buffer READ/WRITE tag pairs. Both are among the few
// module-level statics spec §9 permits: intrinsically process-scoped and
// lexically obvious at their point of use.
var (
	packID atomic.Uint64
	pairID atomic.Uint64
)

// NextTag returns the next monotonically increasing tag.
func NextTag() uint64 {
	return packID.Add(1)
}

// PairedWriteTag returns the WRITE tag paired with readTag, satisfying
// invariant 4 (READ tags even, paired WRITE tag the next odd integer) when
// both sides are pass-through and share a buffer. Caller must pass an even
// readTag (NextTagPair guarantees this).
func PairedWriteTag(readTag uint64) uint64 {
	return readTag + 1
}

// NextTagPair returns (readTag, writeTag) satisfying invariant 4: readTag
// even, writeTag == readTag+1.
func NextTagPair() (readTag, writeTag uint64) {
	t := pairID.Add(2)
	return t, t + 1
}

// PTR is one in-flight pass-through command.
type PTR struct {
	Direction Direction
	Endpoint  interfaces.Endpoint
	LBA       uint64
	Blocks    uint32
	CDB       []byte
	Sense     [sguapi.MaxSenseLen]byte
	Flags     uint32
	Tag       uint64
	Timeout   time.Duration
	Buffer    []byte

	// Populated by Reap.
	Resid        int32
	Info         uint32
	DeviceStatus uint8
	HostStatus   uint16
	DriverStatus uint16
}

// SubmitFlags, ORed into sg_io_hdr.flags.
const (
	FlagDirectIO    = sguapi.SGFlagDirectIO
	FlagQueueAtHead = sguapi.SGFlagQueueAtHead
	FlagQueueAtTail = sguapi.SGFlagQueueAtTail
)

// SubmitOutcome is the result of Submit.
type SubmitOutcome int

const (
	SubmitOK SubmitOutcome = iota
	SubmitNoMem
	SubmitFatal
)

// retryPolicy bounds the transient-busy/no-memory/interrupted-call retry
// defined by spec §7 kinds 3 and 4: bounded retries with a short backoff
// and scheduler yield, never indefinite.
func retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Microsecond
	b.MaxInterval = 20 * time.Millisecond
	b.Multiplier = 2
	return b
}

// maxTransientRetries bounds the transient-busy/no-memory retry loop so a
// wedged kernel path fails the segment instead of spinning forever.
const maxTransientRetries = 64

// Submit prepares and issues a PTR synchronously via SG_IO, retrying
// transparently on EINTR and on transient busy/no-memory conditions using
// an exponential backoff between attempts.
func Submit(ctx context.Context, p *PTR) (SubmitOutcome, error) {
	if p.Timeout == 0 {
		p.Timeout = constants.DefaultCommandTimeout
	}
	if p.Tag == 0 {
		p.Tag = NextTag()
	}

	b := retryPolicy()
	for attempt := 0; ; attempt++ {
		outcome, err := submitOnce(p)
		if err == nil {
			return outcome, nil
		}
		if !isTransient(err) || attempt >= maxTransientRetries {
			return SubmitFatal, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return SubmitFatal, err
		}
		select {
		case <-ctx.Done():
			return SubmitFatal, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isTransient reports whether err is one of the retry-in-place kinds
// (spec §7 kinds 3-4): EINTR, EAGAIN, ENOMEM, EBUSY.
func isTransient(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	switch errno {
	case syscall.EINTR, syscall.EAGAIN, syscall.ENOMEM, syscall.EBUSY:
		return true
	default:
		return false
	}
}

// submitOnce issues the ioctl exactly once.
func submitOnce(p *PTR) (SubmitOutcome, error) {
	hdr := buildHeader(p)
	fd := p.Endpoint.FD()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sguapi.SGIOIoctl), uintptr(unsafe.Pointer(hdr)))
	if errno != 0 {
		if errno == syscall.ENOMEM {
			return SubmitNoMem, errno
		}
		return SubmitFatal, errno
	}

	p.Resid = hdr.Resid
	p.Info = hdr.Info
	p.DeviceStatus = hdr.Status
	p.HostStatus = hdr.HostStatus
	p.DriverStatus = hdr.DriverStatus
	return SubmitOK, nil
}

func buildHeader(p *PTR) *sguapi.IOHdr {
	dir := sguapi.SGDxferFromDev
	switch p.Direction {
	case DirOut:
		dir = sguapi.SGDxferToDev
	case DirNone:
		dir = sguapi.SGDxferNone
	}

	var dxferP uintptr
	if len(p.Buffer) > 0 {
		dxferP = uintptr(unsafe.Pointer(&p.Buffer[0]))
	}

	return &sguapi.IOHdr{
		InterfaceID:    sguapi.SGInterfaceID,
		DxferDirection: int32(dir),
		CmdLen:         uint8(len(p.CDB)),
		MxSbLen:        sguapi.MaxSenseLen,
		DxferLen:       uint32(len(p.Buffer)),
		DxferP:         dxferP,
		Cmdp:           uintptr(unsafe.Pointer(&p.CDB[0])),
		Sbp:            uintptr(unsafe.Pointer(&p.Sense[0])),
		Timeout:        uint32(p.Timeout.Milliseconds()),
		Flags:          p.Flags,
		PackID:         int32(p.Tag),
		UsrPtr:         uintptr(unsafe.Pointer(p)),
	}
}

// Reap is a no-op for the synchronous SG_IO path: Submit already performs
// the blocking ioctl and populates the result fields. It exists so
// callers (and the MRQ batcher's non-blocking path, which defers the
// equivalent step) share one call shape.
func Reap(p *PTR) Outcome {
	return Classify(p)
}

// PrepareHeader builds the sg_io_hdr for an asynchronous (uring_cmd)
// submission and returns it along with the raw pointer the MRQ batcher
// stages onto the ring. The header, and the CDB/sense/buffer slices it
// points into, must stay alive and unmoved until the matching completion
// has been reaped and Collect called; callers keep the returned *IOHdr
// reachable for exactly that reason.
func PrepareHeader(p *PTR) (*sguapi.IOHdr, uintptr) {
	if p.Tag == 0 {
		p.Tag = NextTag()
	}
	hdr := buildHeader(p)
	return hdr, uintptr(unsafe.Pointer(hdr))
}

// Collect copies an async completion's result fields from hdr back onto
// p, mirroring what submitOnce does inline for the synchronous path.
func Collect(p *PTR, hdr *sguapi.IOHdr) {
	p.Resid = hdr.Resid
	p.Info = hdr.Info
	p.DeviceStatus = hdr.Status
	p.HostStatus = hdr.HostStatus
	p.DriverStatus = hdr.DriverStatus
}
