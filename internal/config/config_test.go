package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/sgdd/internal/constants"
)

func TestParseBasicOperands(t *testing.T) {
	c, err := Parse([]string{"if=/dev/zero", "of=T", "bs=512", "count=4"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "/dev/zero", c.If)
	require.Equal(t, "T", c.Of)
	require.Equal(t, uint32(512), c.BS)
	require.EqualValues(t, 4, c.Count)
	require.Equal(t, uint32(constants.DefaultBPT), c.BPT)
}

func TestAbortCadenceOperand(t *testing.T) {
	c, err := Parse([]string{"if=/dev/zero", "of=T", "abortcadence=7"}, Options{})
	require.NoError(t, err)
	require.EqualValues(t, 7, c.AbortCadence)
}

func TestAbortCadenceDefaultsToDisabled(t *testing.T) {
	c, err := Parse([]string{"if=/dev/zero", "of=T"}, Options{})
	require.NoError(t, err)
	require.Zero(t, c.AbortCadence)
}

func TestDefaultBPTSwitchesAtLargeBlockThreshold(t *testing.T) {
	c, err := Parse([]string{"bs=2048"}, Options{})
	require.NoError(t, err)
	require.Equal(t, uint32(32), c.BPT)
}

func TestExplicitBPTOverridesDefault(t *testing.T) {
	c, err := Parse([]string{"bs=2048", "bpt=64"}, Options{})
	require.NoError(t, err)
	require.Equal(t, uint32(64), c.BPT)
}

func TestIbsMustEqualBS(t *testing.T) {
	_, err := Parse([]string{"bs=512", "ibs=1024"}, Options{})
	require.Error(t, err)
}

func TestUnknownOperandRejected(t *testing.T) {
	_, err := Parse([]string{"bogus=1"}, Options{})
	require.Error(t, err)
}

func TestSixByteCDBRejectsLargeCount(t *testing.T) {
	_, err := Parse([]string{"cdbsz=6", "count=300"}, Options{})
	require.Error(t, err)
}

func TestSixByteCDBRejectsLargeLBA(t *testing.T) {
	_, err := Parse([]string{"cdbsz=6", "skip=3000000"}, Options{})
	require.Error(t, err)
}

func TestAppendWithSeekIsConfigError(t *testing.T) {
	_, err := Parse([]string{"oflag=append", "seek=10"}, Options{})
	require.Error(t, err)
}

func TestAppendWithVerifyIsConfigError(t *testing.T) {
	_, err := Parse([]string{"oflag=append"}, Options{Verify: true})
	require.Error(t, err)
}

func TestMmapBothSidesIsConfigError(t *testing.T) {
	_, err := Parse([]string{"iflag=mmap", "oflag=mmap"}, Options{})
	require.Error(t, err)
}

func TestThreadCountOutOfRangeRejected(t *testing.T) {
	_, err := Parse([]string{"thr=0"}, Options{})
	require.Error(t, err)

	_, err = Parse([]string{"thr=2000"}, Options{})
	require.Error(t, err)
}

func TestMRQGrammar(t *testing.T) {
	c, err := Parse([]string{"mrq=I,8,C"}, Options{})
	require.NoError(t, err)
	require.True(t, c.MRQ.Enabled)
	require.Equal(t, "I", c.MRQ.Side)
	require.Equal(t, 8, c.MRQ.Depth)
	require.True(t, c.MRQ.PackCDBs)
}

func TestMRQGrammarDepthOnly(t *testing.T) {
	c, err := Parse([]string{"mrq=16"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "", c.MRQ.Side)
	require.Equal(t, 16, c.MRQ.Depth)
	require.False(t, c.MRQ.PackCDBs)
}

func TestConvNoErrorSetsCOEOnBothFlags(t *testing.T) {
	c, err := Parse([]string{"conv=noerror"}, Options{})
	require.NoError(t, err)
	require.True(t, c.IFlags.Has(FlagCOE))
	require.True(t, c.OFlags.Has(FlagCOE))
}

// TestResetFlagParsesOnEitherSide confirms the --reset helper
// SPEC_FULL.md's supplemented-feature list names is reachable from the
// iflag=/oflag= vocabulary, independently on either side.
func TestResetFlagParsesOnEitherSide(t *testing.T) {
	c, err := Parse([]string{"iflag=reset"}, Options{})
	require.NoError(t, err)
	require.True(t, c.IFlags.Has(FlagReset))
	require.False(t, c.OFlags.Has(FlagReset))

	c, err = Parse([]string{"oflag=reset"}, Options{})
	require.NoError(t, err)
	require.True(t, c.OFlags.Has(FlagReset))
	require.False(t, c.IFlags.Has(FlagReset))
}

func TestUnknownFlagRejected(t *testing.T) {
	_, err := Parse([]string{"iflag=bogus"}, Options{})
	require.Error(t, err)
}

func TestTimeOperandWithTimeout(t *testing.T) {
	c, err := Parse([]string{"time=2,30"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, c.Time.Mode)
	require.Equal(t, float64(30), c.Time.Timeout.Seconds())
}
