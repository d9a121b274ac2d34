package sgdd

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind is the ten-kind error taxonomy spec §7 defines, in ascending
// severity order within each propagation class.
type ErrorKind string

const (
	ErrKindConfiguration   ErrorKind = "configuration error"
	ErrKindOpenSetup       ErrorKind = "open/setup error"
	ErrKindTransientBusy   ErrorKind = "transient busy/no-memory"
	ErrKindInterrupted     ErrorKind = "interrupted system call"
	ErrKindRetryableStatus ErrorKind = "retryable device status"
	ErrKindRecovered       ErrorKind = "recovered error"
	ErrKindMediumHard      ErrorKind = "medium/hard error"
	ErrKindMiscompare      ErrorKind = "miscompare"
	ErrKindShortRead       ErrorKind = "short read"
	ErrKindFatalSubmit     ErrorKind = "fatal submit/reap"
)

// Error is sgdd's structured error type: an operation name, the taxonomy
// kind, optional LBA/side/tag context for pass-through failures, an
// errno if one caused it, and the wrapped inner error.
type Error struct {
	Op    string
	Kind  ErrorKind
	Side  string // "in", "out", "out2", or "" if not side-specific
	LBA   uint64
	Tag   uint64
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Side != "" {
		parts = append(parts, fmt.Sprintf("side=%s", e.Side))
	}
	if e.Tag != 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", e.Tag))
	}
	if e.LBA != 0 {
		parts = append(parts, fmt.Sprintf("lba=%d", e.LBA))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("sgdd: %s (%s)", msg, join(parts))
	}
	return fmt.Sprintf("sgdd: %s", msg)
}

func join(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// Unwrap supports errors.Is/As against the wrapped inner error.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Kind alone, so callers can write
// errors.Is(err, &sgdd.Error{Kind: sgdd.ErrKindMiscompare}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// NewError constructs a structured Error.
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// WrapError wraps inner with op and a best-effort kind inferred from its
// type: an already-structured *Error keeps its kind, a syscall.Errno is
// mapped via errnoKind, anything else becomes ErrKindFatalSubmit.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var existing *Error
	if errors.As(inner, &existing) {
		return &Error{Op: op, Kind: existing.Kind, Side: existing.Side, LBA: existing.LBA, Tag: existing.Tag, Errno: existing.Errno, Msg: existing.Msg, Inner: existing.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Kind: errnoKind(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Kind: ErrKindFatalSubmit, Msg: inner.Error(), Inner: inner}
}

func errnoKind(errno syscall.Errno) ErrorKind {
	switch errno {
	case syscall.EINTR:
		return ErrKindInterrupted
	case syscall.EAGAIN, syscall.EBUSY, syscall.ENOMEM:
		return ErrKindTransientBusy
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrKindOpenSetup
	default:
		return ErrKindFatalSubmit
	}
}

// IsKind reports whether err is a *Error (or wraps one) of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExitCode maps an Error's Kind to spec §6's "small integer ≥ 1" exit
// code space. Success (no *Error at all) is handled by the caller.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case ErrKindConfiguration:
		return 1
	case ErrKindOpenSetup:
		return 2
	case ErrKindMiscompare:
		return 3
	case ErrKindMediumHard:
		return 4
	default:
		return 5
	}
}
