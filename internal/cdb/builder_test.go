package cdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildReadTen(t *testing.T) {
	out, err := Build(Request{Size: 10, LBA: 0x01020304, Blocks: 8})
	require.NoError(t, err)
	require.Equal(t, byte(opReadTen), out[0])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, out[2:6])
	require.Equal(t, []byte{0x00, 0x08}, out[7:9])
}

func TestBuildWriteTenFUADPO(t *testing.T) {
	out, err := Build(Request{Size: 10, Write: true, FUA: true, DPO: true, Blocks: 1})
	require.NoError(t, err)
	require.Equal(t, byte(opWriteTen), out[0])
	require.Equal(t, byte(1<<3|1<<4), out[1])
}

func TestBuildVerifyBytchk(t *testing.T) {
	out, err := Build(Request{Size: 10, Verify: true, Blocks: 4})
	require.NoError(t, err)
	require.Equal(t, byte(opVerifyTen), out[0])
	require.Equal(t, byte(1<<1), out[1])
}

func TestVerifyRequiresTenByte(t *testing.T) {
	_, err := Build(Request{Size: 16, Verify: true, Blocks: 1})
	require.Error(t, err)
}

func TestSixByteRejectsLargeCounts(t *testing.T) {
	_, err := Build(Request{Size: 6, Blocks: 257})
	require.Error(t, err)
}

func TestSixByteRejectsLargeLBA(t *testing.T) {
	_, err := Build(Request{Size: 6, LBA: 1 << 21, Blocks: 1})
	require.Error(t, err)
}

func TestSixByteRejectsFUA(t *testing.T) {
	_, err := Build(Request{Size: 6, FUA: true, Blocks: 1})
	require.Error(t, err)
}

func TestTenByteRejectsLargeCounts(t *testing.T) {
	_, err := Build(Request{Size: 10, Blocks: 65536})
	require.Error(t, err)
}

func TestInvalidCDBSize(t *testing.T) {
	_, err := Build(Request{Size: 7, Blocks: 1})
	require.Error(t, err)
}

func TestPrefetchSixteen(t *testing.T) {
	out, err := Build(Request{Size: 16, Prefetch: true, LBA: 5, Blocks: 2})
	require.NoError(t, err)
	require.Equal(t, byte(opPrefetchSixteen), out[0])
}

func TestSixByteBuild(t *testing.T) {
	out, err := Build(Request{Size: 6, LBA: 0x001234, Blocks: 10})
	require.NoError(t, err)
	require.Len(t, out, 6)
	require.Equal(t, byte(opReadSix), out[0])
	require.Equal(t, byte(10), out[4])
}
