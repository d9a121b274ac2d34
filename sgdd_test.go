package sgdd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/sgdd/internal/coordinator"
	"github.com/ehrlich-b/sgdd/internal/logging"
	"github.com/ehrlich-b/sgdd/internal/synthetic"
	"github.com/ehrlich-b/sgdd/internal/worker"
)

func tempFile(t *testing.T, contents []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

// TestSparseCopy mirrors spec §8's scenario 1: bs=512 count=4
// if=synth:zero of=<file> copies exactly 2048 zero bytes with no
// partial transfers.
func TestSparseCopy(t *testing.T) {
	dir := t.TempDir()
	of := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(of, nil, 0o644))

	cfg, err := Parse([]string{"if=synth:zero", "of=" + of, "bs=512", "count=4"}, Options{})
	require.NoError(t, err)

	report, err := Copy(context.Background(), cfg, logging.NewLogger(nil), nil)
	require.NoError(t, err)
	require.Zero(t, report.Coordinator.InPartial)
	require.Zero(t, report.Coordinator.OutPartial)
	require.Zero(t, report.Coordinator.Miscompares)

	out, err := os.ReadFile(of)
	require.NoError(t, err)
	require.Len(t, out, 2048)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

// TestSelfAddressVerify mirrors spec §8's scenario 2: a self-addressing
// synthetic source combined with --chkaddr must copy cleanly and each
// 512-byte block's first four bytes must be bs's block index.
func TestSelfAddressVerify(t *testing.T) {
	dir := t.TempDir()
	of := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(of, nil, 0o644))

	cfg, err := Parse([]string{"if=synth:selfaddr", "of=" + of, "bs=512", "count=3"}, Options{ChkAddr: true})
	require.NoError(t, err)

	report, err := Copy(context.Background(), cfg, logging.NewLogger(nil), nil)
	require.NoError(t, err)
	require.Zero(t, report.Coordinator.Miscompares)

	out, err := os.ReadFile(of)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, out[0:4])
	require.Equal(t, []byte{0, 0, 0, 1}, out[512:516])
	require.Equal(t, []byte{0, 0, 0, 2}, out[1024:1028])
}

// TestShortInput mirrors spec §8's scenario 3: the input is shorter than
// count blocks, so the copy stops early with a short-read report rather
// than erroring.
func TestShortInput(t *testing.T) {
	data := make([]byte, 512*2) // only 2 blocks, count asks for 4
	for i := range data {
		data[i] = 0xAB
	}
	inPath := tempFile(t, data)

	dir := t.TempDir()
	of := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(of, nil, 0o644))

	cfg, err := Parse([]string{"if=" + inPath, "of=" + of, "bs=512", "count=4"}, Options{})
	require.NoError(t, err)

	report, err := Copy(context.Background(), cfg, logging.NewLogger(nil), nil)
	require.NoError(t, err)
	require.NotZero(t, report.Coordinator.InPartial)
}

// TestRoundTripLawIsIndependentOfWorkerCount mirrors spec §8 property 7:
// copying a source to a temp sink, then copying the temp sink back to a
// new destination, yields a destination byte-equal to the source
// regardless of thread count or blocks-per-transfer.
func TestRoundTripLawIsIndependentOfWorkerCount(t *testing.T) {
	data := make([]byte, 512*97) // not an exact multiple of any BPT tried below
	for i := range data {
		data[i] = byte(i * 7)
	}
	src := tempFile(t, data)

	for _, tc := range []struct {
		threads int
		bpt     int
	}{
		{1, 4}, {3, 8}, {4, 16},
	} {
		dir := t.TempDir()
		mid := filepath.Join(dir, "mid")
		dst := filepath.Join(dir, "dst")
		require.NoError(t, os.WriteFile(mid, nil, 0o644))
		require.NoError(t, os.WriteFile(dst, nil, 0o644))

		threadsOp := fmt.Sprintf("thr=%d", tc.threads)
		bptOp := fmt.Sprintf("bpt=%d", tc.bpt)

		cfg1, err := Parse([]string{"if=" + src, "of=" + mid, "bs=512", "count=97", threadsOp, bptOp}, Options{})
		require.NoError(t, err)
		_, err = Copy(context.Background(), cfg1, logging.NewLogger(nil), nil)
		require.NoError(t, err)

		cfg2, err := Parse([]string{"if=" + mid, "of=" + dst, "bs=512", "count=97", threadsOp, bptOp}, Options{})
		require.NoError(t, err)
		_, err = Copy(context.Background(), cfg2, logging.NewLogger(nil), nil)
		require.NoError(t, err)

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		require.Equal(t, data, got, "threads=%d bpt=%d", tc.threads, tc.bpt)
	}
}

// TestMiscompareStopsStream mirrors spec §8's scenario 6: corrupting the
// fourth of ten blocks (segment 3, zero-indexed) in a self-addressing
// copy under chkaddr must surface a miscompare and stop the pipeline
// before every segment has been written.
func TestMiscompareStopsStream(t *testing.T) {
	const bs = uint32(512)
	const total = uint64(10)

	in := NewMockEndpoint(int64(bs) * int64(total))
	for i := uint64(0); i < total; i++ {
		buf := make([]byte, bs)
		require.NoError(t, synthetic.Fill(synthetic.PatternSelfAddress, buf, i, 1, bs))
		_, werr := in.WriteAt(buf, int64(i)*int64(bs))
		require.NoError(t, werr)
	}
	in.InjectCorruption(int64(3) * int64(bs))

	out := NewMockEndpoint(int64(bs) * int64(total))
	coord := coordinator.New(total, 1, nil)

	w := worker.New(worker.Config{
		Coord:         coord,
		In:            in,
		Out:           out,
		BlockSize:     bs,
		BPT:           1,
		CDBSize:       10,
		ChkAddr:       true,
		ChkAddrStrict: true,
		SkipOrdering:  true,
	})

	_, err := w.Run(context.Background())
	require.Error(t, err)
	require.NotZero(t, coord.Snapshot().Miscompares)
	require.True(t, coord.Stopped())
}
