package sgdd

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("open input", ErrKindOpenSetup, "no such device")
	require.Equal(t, "sgdd: no such device (op=open input)", err.Error())
	require.Equal(t, ErrKindOpenSetup, err.Kind)
}

func TestErrorWithContext(t *testing.T) {
	err := &Error{Op: "read", Kind: ErrKindMediumHard, LBA: 1024, Msg: "medium error"}
	require.Contains(t, err.Error(), "lba=1024")
	require.Contains(t, err.Error(), "op=read")
}

func TestWrapErrorPreservesKind(t *testing.T) {
	inner := NewError("submit", ErrKindTransientBusy, "device busy")
	wrapped := WrapError("worker", inner)
	require.Equal(t, ErrKindTransientBusy, wrapped.Kind)
	require.True(t, errors.Is(wrapped, inner))
}

func TestWrapErrorMapsErrno(t *testing.T) {
	wrapped := WrapError("submit", syscall.EAGAIN)
	require.Equal(t, ErrKindTransientBusy, wrapped.Kind)
	require.Equal(t, syscall.EAGAIN, wrapped.Errno)
}

func TestWrapErrorFallsBackToFatal(t *testing.T) {
	wrapped := WrapError("submit", errors.New("boom"))
	require.Equal(t, ErrKindFatalSubmit, wrapped.Kind)
}

func TestIsKind(t *testing.T) {
	err := NewError("verify", ErrKindMiscompare, "data mismatch")
	require.True(t, IsKind(err, ErrKindMiscompare))
	require.False(t, IsKind(err, ErrKindShortRead))
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, 1, (&Error{Kind: ErrKindConfiguration}).ExitCode())
	require.Equal(t, 2, (&Error{Kind: ErrKindOpenSetup}).ExitCode())
	require.Equal(t, 3, (&Error{Kind: ErrKindMiscompare}).ExitCode())
	require.Equal(t, 4, (&Error{Kind: ErrKindMediumHard}).ExitCode())
	require.Equal(t, 5, (&Error{Kind: ErrKindFatalSubmit}).ExitCode())
}
