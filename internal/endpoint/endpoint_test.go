package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewMemory(1 << 20)
	defer m.Close()

	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i)
	}
	n, err := m.WriteAt(in, 8192)
	require.NoError(t, err)
	require.Equal(t, len(in), n)

	out := make([]byte, 4096)
	n, err = m.ReadAt(out, 8192)
	require.NoError(t, err)
	require.Equal(t, len(in), n)
	require.Equal(t, in, out)
}

func TestMemoryReadPastEndReturnsZero(t *testing.T) {
	m := NewMemory(1024)
	out := make([]byte, 16)
	n, err := m.ReadAt(out, 2048)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMemoryWritePastEndErrors(t *testing.T) {
	m := NewMemory(1024)
	_, err := m.WriteAt([]byte{1, 2, 3}, 2048)
	require.Error(t, err)
}

func TestSyntheticEndpointIsInputOnly(t *testing.T) {
	e := &SyntheticEndpoint{Pattern: 0, BlockSize: 512}
	require.Equal(t, interfaces.KindSynthetic, e.Kind())
	_, err := e.WriteAt(make([]byte, 512), 0)
	require.Error(t, err)

	buf := make([]byte, 512)
	n, err := e.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)
}

// TestProbeSGIORejectsInvalidFD confirms the --blk_sgio fallback probe
// fails closed: an fd that can't take a SG_IO ioctl at all (as opposed
// to one that takes it and reports device trouble) must not be
// misclassified as pass-through.
func TestProbeSGIORejectsInvalidFD(t *testing.T) {
	require.False(t, probeSGIO(-1))
}

// TestResetRejectsInvalidFD confirms Reset surfaces the ioctl failure
// as an error instead of silently succeeding against a bad fd.
func TestResetRejectsInvalidFD(t *testing.T) {
	require.Error(t, Reset(-1))
}

func TestDevNullReadsZeroWritesDiscard(t *testing.T) {
	e := &DevNullEndpoint{}
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := e.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, make([]byte, 8), buf)

	n, err = e.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
