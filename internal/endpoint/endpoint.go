// Package endpoint implements the Endpoint abstraction (spec §3): opening
// and classifying a file target, and a small set of concrete endpoint
// kinds (pass-through SCSI generic device, block device, regular file,
// fifo, /dev/null, synthetic generator). Classification is grounded on
// original_source/testing/sgh_dd.cpp's dd_filetype: major/minor probing
// of the stat'd character/block device, falling back to an SG_IO probe
// ioctl for devices that might be a SCSI generic node.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
	"github.com/ehrlich-b/sgdd/internal/sguapi"
	"github.com/ehrlich-b/sgdd/internal/synthetic"
)

// unsafeAddr returns the address of v as a uintptr for passing into raw
// ioctl syscalls. Callers must keep v alive for the duration of the call.
func unsafeAddr[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

// Linux major numbers dd_filetype keys off of.
const (
	memMajor           = 1
	scsiGenericMajor   = 21
	scsiTapeMajorStart = 9
)

// OpenFlags controls how Open prepares the underlying file descriptor.
type OpenFlags struct {
	Write    bool
	Append   bool
	Direct   bool // O_DIRECT
	Sync     bool // O_SYNC
	Excl     bool // O_EXCL
	Create   bool
	FileMode os.FileMode
}

// Open opens path and classifies it, returning the matching Endpoint
// implementation. "/dev/null" and "/dev/zero" classify as DEV_NULL, a
// SCSI generic char device (major 21) classifies as PASS_THROUGH, a
// block device as BLOCK (or PASS_THROUGH when opened with Direct and an
// SG_IO probe succeeds), a fifo as FIFO, anything else as REGULAR.
func Open(path string, flags OpenFlags) (interfaces.Endpoint, error) {
	osFlags := os.O_RDONLY
	if flags.Write {
		osFlags = os.O_WRONLY
		if !flags.Append {
			osFlags |= os.O_TRUNC
		}
	}
	if flags.Append {
		osFlags |= os.O_APPEND
	}
	if flags.Create {
		osFlags |= os.O_CREATE
	}
	if flags.Excl {
		osFlags |= os.O_EXCL
	}
	if flags.Sync {
		osFlags |= os.O_SYNC
	}
	if flags.Direct {
		osFlags |= unix.O_DIRECT
	}

	mode := flags.FileMode
	if mode == 0 {
		mode = 0o644
	}

	f, err := os.OpenFile(path, osFlags, mode)
	if err != nil {
		return nil, fmt.Errorf("endpoint: open %s: %w", path, err)
	}

	kind, err := classify(path, f, flags)
	if err != nil {
		f.Close()
		return nil, err
	}

	switch kind {
	case interfaces.KindDevNull:
		f.Close()
		return &DevNullEndpoint{}, nil
	case interfaces.KindPassThrough:
		return newPassThrough(f), nil
	default:
		return &FileEndpoint{file: f, kind: kind}, nil
	}
}

// classify implements the dd_filetype probe: special-case /dev/null and
// /dev/zero, then stat the fd and inspect S_IFMT plus, for char devices,
// the major number. A block device opened O_DIRECT additionally falls
// back to SG_IO probing (original_source/sgh_dd.cpp's --blk_sgio path:
// the Linux block layer honors SG_IO against /dev/sdX, not just
// /dev/sg*), classifying as PASS_THROUGH when the probe succeeds.
func classify(path string, f *os.File, flags OpenFlags) (interfaces.EndpointKind, error) {
	if path == "/dev/null" || path == "/dev/zero" || path == os.DevNull {
		return interfaces.KindDevNull, nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, fmt.Errorf("endpoint: fstat %s: %w", path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		major := unix.Major(uint64(st.Rdev))
		if major == memMajor {
			return interfaces.KindDevNull, nil
		}
		if major == scsiGenericMajor {
			return interfaces.KindPassThrough, nil
		}
		return interfaces.KindRegular, nil
	case unix.S_IFBLK:
		if flags.Direct && probeSGIO(int(f.Fd())) {
			return interfaces.KindPassThrough, nil
		}
		return interfaces.KindBlock, nil
	case unix.S_IFIFO:
		return interfaces.KindFifo, nil
	default:
		return interfaces.KindRegular, nil
	}
}

// probeSGIO issues a harmless TEST UNIT READY through SG_IO to decide
// whether a block device node also accepts pass-through commands. Any
// ioctl failure (ENOTTY on a node the block layer doesn't route to a
// SCSI LLD, or any other errno) means "no, treat it as a plain block
// device."
func probeSGIO(fd int) bool {
	var cdb [6]byte // TEST UNIT READY: opcode 0x00, all other bytes 0
	var sense [sguapi.MaxSenseLen]byte
	hdr := sguapi.IOHdr{
		InterfaceID:    sguapi.SGInterfaceID,
		DxferDirection: sguapi.SGDxferNone,
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        sguapi.MaxSenseLen,
		Cmdp:           unsafeAddr(&cdb[0]),
		Sbp:            unsafeAddr(&sense[0]),
		Timeout:        1000,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sguapi.SGIOIoctl), unsafeAddr(&hdr))
	return errno == 0
}

// Reset issues SG_SCSI_RESET against fd (original_source/sgh_dd.cpp's
// -reset option, exposed here as iflag=reset/oflag=reset): resets a
// device left in a bad state by a previous aborted run. Only meaningful
// against a pass-through fd.
func Reset(fd int) error {
	arg := int32(sguapi.SGSCSIResetDevice)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sguapi.SGSCSIReset), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("endpoint: scsi reset: %w", errno)
	}
	return nil
}

// FileEndpoint wraps a regular file, block device, or fifo with ordinary
// positioned ReadAt/WriteAt.
type FileEndpoint struct {
	file *os.File
	kind interfaces.EndpointKind
}

func (e *FileEndpoint) ReadAt(p []byte, off int64) (int, error) {
	n, err := e.file.ReadAt(p, off)
	if err == io.EOF {
		return n, nil // short read at EOF is reported by the caller comparing n to len(p), not as an error
	}
	return n, err
}

func (e *FileEndpoint) WriteAt(p []byte, off int64) (int, error) {
	return e.file.WriteAt(p, off)
}

func (e *FileEndpoint) Kind() interfaces.EndpointKind { return e.kind }
func (e *FileEndpoint) IsPassThrough() bool            { return false }
func (e *FileEndpoint) FD() int                        { return int(e.file.Fd()) }
func (e *FileEndpoint) MaxTransfer() uint32             { return 0 }

func (e *FileEndpoint) Sync(ctx context.Context) error {
	if e.kind != interfaces.KindRegular && e.kind != interfaces.KindBlock {
		return nil
	}
	return e.file.Sync()
}

func (e *FileEndpoint) Close() error { return e.file.Close() }

// DevNullEndpoint discards writes and returns zero-filled reads, matching
// FT_DEV_NULL's treatment of /dev/null and /dev/zero as equivalent.
type DevNullEndpoint struct{}

func (e *DevNullEndpoint) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
func (e *DevNullEndpoint) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (e *DevNullEndpoint) Kind() interfaces.EndpointKind             { return interfaces.KindDevNull }
func (e *DevNullEndpoint) IsPassThrough() bool                       { return false }
func (e *DevNullEndpoint) FD() int                                   { return -1 }
func (e *DevNullEndpoint) MaxTransfer() uint32                       { return 0 }
func (e *DevNullEndpoint) Sync(ctx context.Context) error            { return nil }
func (e *DevNullEndpoint) Close() error                              { return nil }

// SyntheticEndpoint produces input-only synthetic data (spec §3); valid
// only on the input side. BlockSize must be set before use so ReadAt can
// derive the block index from the byte offset.
type SyntheticEndpoint struct {
	Pattern   synthetic.Pattern
	BlockSize uint32
}

func (e *SyntheticEndpoint) ReadAt(p []byte, off int64) (int, error) {
	if e.BlockSize == 0 {
		return 0, fmt.Errorf("endpoint: synthetic source has zero block size")
	}
	startBlock := uint64(off) / uint64(e.BlockSize)
	blocks := uint32(len(p)) / e.BlockSize
	if blocks == 0 {
		return 0, nil
	}
	if err := synthetic.Fill(e.Pattern, p, startBlock, blocks, e.BlockSize); err != nil {
		return 0, err
	}
	return int(blocks) * int(e.BlockSize), nil
}

func (e *SyntheticEndpoint) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("endpoint: synthetic source is input-only")
}
func (e *SyntheticEndpoint) Kind() interfaces.EndpointKind { return interfaces.KindSynthetic }
func (e *SyntheticEndpoint) IsPassThrough() bool           { return false }
func (e *SyntheticEndpoint) FD() int                       { return -1 }
func (e *SyntheticEndpoint) MaxTransfer() uint32           { return 0 }
func (e *SyntheticEndpoint) Sync(ctx context.Context) error { return nil }
func (e *SyntheticEndpoint) Close() error                  { return nil }

// PassThroughEndpoint wraps a SCSI generic (/dev/sgN) character device.
type PassThroughEndpoint struct {
	file        *os.File
	maxTransfer uint32
}

func newPassThrough(f *os.File) *PassThroughEndpoint {
	e := &PassThroughEndpoint{file: f}
	e.maxTransfer = negotiateMaxTransfer(int(f.Fd()))
	return e
}

// sgGetReservedSize is SG_GET_RESERVED_SIZE from <scsi/sg.h>: queries the
// kernel's per-fd reserved buffer size, the practical ceiling on one
// PTR's transfer length for this device.
const sgGetReservedSize = 0x2272

func negotiateMaxTransfer(fd int) uint32 {
	var size int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sgGetReservedSize), uintptr(unsafeAddr(&size)))
	if errno != 0 {
		return 0
	}
	if size <= 0 {
		return 0
	}
	return uint32(size)
}

// ReadAt/WriteAt on a pass-through endpoint are never called directly:
// the worker issues PTRs through internal/sgio instead. They exist only
// to satisfy the Endpoint interface for code paths (e.g. Sync) that
// treat all endpoint kinds uniformly.
func (e *PassThroughEndpoint) ReadAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("endpoint: pass-through reads go through internal/sgio, not ReadAt")
}
func (e *PassThroughEndpoint) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("endpoint: pass-through writes go through internal/sgio, not WriteAt")
}
func (e *PassThroughEndpoint) Kind() interfaces.EndpointKind { return interfaces.KindPassThrough }
func (e *PassThroughEndpoint) IsPassThrough() bool           { return true }
func (e *PassThroughEndpoint) FD() int                       { return int(e.file.Fd()) }
func (e *PassThroughEndpoint) MaxTransfer() uint32           { return e.maxTransfer }

func (e *PassThroughEndpoint) Sync(ctx context.Context) error {
	return syncCache(int(e.file.Fd()))
}

func (e *PassThroughEndpoint) Close() error { return e.file.Close() }

// syncCache issues SCSI SYNCHRONIZE CACHE(10) (opcode 0x35) via SG_IO.
func syncCache(fd int) error {
	cdb := [10]byte{0x35}
	var sense [sguapi.MaxSenseLen]byte
	hdr := sguapi.IOHdr{
		InterfaceID:    sguapi.SGInterfaceID,
		DxferDirection: sguapi.SGDxferNone,
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        sguapi.MaxSenseLen,
		Cmdp:           unsafeAddr(&cdb[0]),
		Sbp:            unsafeAddr(&sense[0]),
		Timeout:        60000,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sguapi.SGIOIoctl), unsafeAddr(&hdr))
	if errno != 0 {
		return fmt.Errorf("endpoint: synchronize cache: %w", errno)
	}
	if hdr.Status != sguapi.SGStatusGood {
		return fmt.Errorf("endpoint: synchronize cache: device status 0x%02x", hdr.Status)
	}
	return nil
}
