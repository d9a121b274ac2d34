// Package interfaces provides internal interface definitions for sgdd.
// These are separate from the public interfaces to avoid circular imports
// between the root package and internal/* packages.
package interfaces

import "context"

// Logger is the logging surface internal packages depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Observer receives metrics events from the copy pipeline. Implementations
// must be safe for concurrent use; methods are invoked from worker
// goroutines on the hot path. The worker calls ObserveRetry and
// ObserveMiscompare; ObserveRead, ObserveWrite and ObserveStall are not
// called anywhere in the copy pipeline.
type Observer interface {
	ObserveRead(blocks uint32, bytes uint64, latencyNs uint64, outcome string)
	ObserveWrite(blocks uint32, bytes uint64, latencyNs uint64, outcome string)
	ObserveRetry(kind string)
	ObserveMiscompare()
	ObserveStall(durationNs uint64)
}

// Endpoint is one side of the copy: an opened, positioned handle with a
// classified kind. Every PASS_THROUGH/BLOCK/REGULAR/FIFO endpoint wraps a
// real file descriptor; SYNTHETIC and DEV_NULL endpoints do not.
type Endpoint interface {
	// ReadAt/WriteAt perform a positioned block-range transfer of length
	// len(p) bytes starting at byte offset off. They return the number of
	// bytes actually transferred, which may be less than len(p) on a
	// short read/write (never an error in that case).
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Kind reports this endpoint's classification.
	Kind() EndpointKind

	// IsPassThrough reports whether this endpoint supports SCSI PTRs.
	IsPassThrough() bool

	// FD returns the underlying file descriptor, or -1 if none exists
	// (SYNTHETIC, DEV_NULL).
	FD() int

	// MaxTransfer returns the negotiated maximum transfer length in bytes
	// for a single PTR against this endpoint (0 = no negotiated limit).
	MaxTransfer() uint32

	// Sync issues SYNCHRONIZE CACHE (pass-through) or fsync/fdatasync
	// (regular file) against this endpoint.
	Sync(ctx context.Context) error

	// Close releases any resources (fd, mmap regions, sharing state).
	Close() error
}

// EndpointKind is the closed sum type spec.md §9 calls for in place of a
// bit field of file-type integers.
type EndpointKind int

const (
	KindPassThrough EndpointKind = iota
	KindBlock
	KindRegular
	KindFifo
	KindDevNull
	KindSynthetic
)

func (k EndpointKind) String() string {
	switch k {
	case KindPassThrough:
		return "pass_through"
	case KindBlock:
		return "block"
	case KindRegular:
		return "regular"
	case KindFifo:
		return "fifo"
	case KindDevNull:
		return "dev_null"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}
