package sgdd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockEndpointReadWriteRoundTrip(t *testing.T) {
	ep := NewMockEndpoint(4096)
	buf := []byte("hello world")
	n, err := ep.WriteAt(buf, 100)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	out := make([]byte, len(buf))
	n, err = ep.ReadAt(out, 100)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, buf, out)
}

func TestMockEndpointMediumErrorInjection(t *testing.T) {
	ep := NewMockEndpoint(4096)
	ep.InjectMediumError(512)

	_, err := ep.ReadAt(make([]byte, 512), 512)
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindMediumHard))

	// The fault only fires once.
	_, err = ep.ReadAt(make([]byte, 512), 512)
	require.NoError(t, err)
}

func TestMockEndpointCorruptionInjection(t *testing.T) {
	ep := NewMockEndpoint(4096)
	ep.WriteAt([]byte{0x01, 0x02, 0x03, 0x04}, 0)
	ep.InjectCorruption(0)

	out := make([]byte, 4)
	_, err := ep.ReadAt(out, 0)
	require.NoError(t, err)
	require.NotEqual(t, []byte{0x01, 0x02, 0x03, 0x04}, out)
}

func TestMockEndpointShortTransfer(t *testing.T) {
	ep := NewMockEndpoint(4096)
	ep.WriteAt(make([]byte, 512), 0)
	ep.InjectShortTransfer(0)

	n, err := ep.ReadAt(make([]byte, 512), 0)
	require.NoError(t, err)
	require.Equal(t, 256, n)
}

func TestMockEndpointCloseRejectsFurtherIO(t *testing.T) {
	ep := NewMockEndpoint(4096)
	require.NoError(t, ep.Close())
	require.True(t, ep.IsClosed())

	_, err := ep.ReadAt(make([]byte, 1), 0)
	require.Error(t, err)
}

func TestMockEndpointCallCounts(t *testing.T) {
	ep := NewMockEndpoint(4096)
	ep.ReadAt(make([]byte, 1), 0)
	ep.WriteAt(make([]byte, 1), 0)
	ep.Sync(context.Background())

	counts := ep.CallCounts()
	require.Equal(t, 1, counts["read"])
	require.Equal(t, 1, counts["write"])
	require.Equal(t, 1, counts["sync"])
}
