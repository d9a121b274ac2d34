// Package sharing implements the Sharing Manager (spec §4.8):
// establishing, swapping, and releasing the kernel's sg-driver
// buffer-sharing relationship between a reading and a writing
// pass-through fd, so a segment's READ and WRITE never copy the
// payload through user space.
//
// Grounded on original_source/testing/sgh_dd.cpp's sg_share_prepare/
// sg_wr_swap_share/sg_unshare/sg_noshare_enlarge, which all go through
// the SG_SET_GET_EXTENDED ioctl and an sg_extended_info control block.
package sharing

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// SG_SET_GET_EXTENDED and the sg_extended_info field masks it reads.
// Linux-specific; see <scsi/sg.h> (SG_SEIM_* added alongside share_fd in
// the sg driver's 4.0-era request-sharing extension).
const (
	sgSetGetExtended = 0x2276

	seimShareFD     = 1 << 0
	seimCtlFlags    = 1 << 2
	seimTotFDThresh = 1 << 3

	ctlFlagUnshare = 1 << 2
)

// extendedInfo mirrors struct sg_extended_info's fields this package
// touches. The kernel struct is larger; unused trailing fields are
// padding as far as this subset of operations is concerned.
type extendedInfo struct {
	seimWrMask     uint32
	seimRdMask     uint32
	ctlFlagsWrMask uint32
	ctlFlags       uint32
	reservedSize   uint32
	totFDThresh    uint32
	minorIndex     uint32
	shareFD        int32
	pad            [8]uint32
}

// Establish declares that writeFD shall reuse readFD's last-read buffer
// for its next write, per sg_share_prepare.
func Establish(writeFD, readFD int) error {
	info := extendedInfo{
		seimWrMask: seimShareFD,
		seimRdMask: seimShareFD,
		shareFD:    int32(readFD),
	}
	if err := ioctlExtended(writeFD, &info); err != nil {
		return fmt.Errorf("sharing: establish write_fd=%d read_fd=%d: %w", writeFD, readFD, err)
	}
	return nil
}

// swapRetryPolicy bounds Swap's transient-busy retry (spec §4.8:
// "tolerate transient-busy with bounded retry and yield").
func swapRetryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.Multiplier = 2
	return b
}

const maxSwapRetries = 32

// Swap re-points readFD's sharing target to newWriteFD before a
// secondary-output write, retrying on transient-busy with a bounded
// backoff and scheduler yield.
func Swap(ctx context.Context, readFD, newWriteFD int) error {
	info := extendedInfo{
		seimWrMask: seimShareFD,
		seimRdMask: seimShareFD,
		shareFD:    int32(newWriteFD),
	}

	b := swapRetryPolicy()
	for attempt := 0; ; attempt++ {
		err := ioctlExtended(readFD, &info)
		if err == nil {
			return nil
		}
		if !isTransientBusy(err) || attempt >= maxSwapRetries {
			return fmt.Errorf("sharing: swap read_fd=%d new_write_fd=%d: %w", readFD, newWriteFD, err)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("sharing: swap read_fd=%d new_write_fd=%d: %w", readFD, newWriteFD, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release undoes a sharing relationship on fd at close, per sg_unshare.
func Release(fd int) error {
	info := extendedInfo{
		seimWrMask:     seimCtlFlags,
		seimRdMask:     seimCtlFlags,
		ctlFlagsWrMask: ctlFlagUnshare,
		ctlFlags:       ctlFlagUnshare,
	}
	if err := ioctlExtended(fd, &info); err != nil {
		return fmt.Errorf("sharing: release fd=%d: %w", fd, err)
	}
	return nil
}

// NoshareEnlarge raises fd's per-descriptor memory threshold so many
// concurrent requests may allocate transfer buffers when sharing is
// disabled, per sg_noshare_enlarge's 96MiB default.
func NoshareEnlarge(fd int) error {
	const defaultThreshold = 96 * 1024 * 1024
	info := extendedInfo{
		seimWrMask:   seimTotFDThresh,
		totFDThresh:  defaultThreshold,
	}
	if err := ioctlExtended(fd, &info); err != nil {
		return fmt.Errorf("sharing: noshare_enlarge fd=%d: %w", fd, err)
	}
	return nil
}

func ioctlExtended(fd int, info *extendedInfo) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sgSetGetExtended), uintptr(unsafe.Pointer(info)))
	if errno != 0 {
		return errno
	}
	return nil
}

func isTransientBusy(err error) bool {
	errno, ok := err.(unix.Errno)
	if !ok {
		return false
	}
	return errno == unix.EBUSY || errno == unix.EAGAIN
}
