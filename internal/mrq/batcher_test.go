package mrq

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/sgdd/internal/endpoint"
	"github.com/ehrlich-b/sgdd/internal/sgio"
	"github.com/ehrlich-b/sgdd/internal/uring"
)

// fakeRing simulates an io_uring completion queue without touching real
// syscalls: Submit immediately "completes" every staged command by
// marking its sg_io_hdr as a clean, zero-resid success, matching what
// uring_cmd would do for a trivial all-good batch.
type fakeRing struct {
	mu      sync.Mutex
	staged  []uint64
	reaped  int
	results []uring.Completion
}

func (f *fakeRing) Prepare(fd int, cmdPtr uintptr, userData uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = append(f.staged, userData)
	return nil
}

func (f *fakeRing) Submit(minComplete uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tag := range f.staged {
		f.results = append(f.results, uring.Completion{Tag: tag, Result: 0})
	}
	f.staged = nil
	return uint32(len(f.results)), nil
}

func (f *fakeRing) Reap(out []uring.Completion) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(out, f.results[f.reaped:])
	f.reaped += n
	return n
}

func newMemPTR(t *testing.T, ep *endpoint.Memory, lba uint64, blocks uint32) *sgio.PTR {
	t.Helper()
	return &sgio.PTR{
		Direction: sgio.DirIn,
		Endpoint:  memEndpoint{ep},
		LBA:       lba,
		Blocks:    blocks,
		CDB:       []byte{0x28, 0, 0, 0, 0, 0, 0, 0, byte(blocks), 0},
		Buffer:    make([]byte, blocks*512),
	}
}

// memEndpoint adapts *endpoint.Memory to report a non-negative FD so the
// batcher's stage() path (which only reads Endpoint.FD(), never actually
// opens the fd) has something to pass to Ring.Prepare.
type memEndpoint struct{ *endpoint.Memory }

func (memEndpoint) FD() int { return 99 }

func TestOrderedBlockingSubmitsSequentially(t *testing.T) {
	var calls []uint64
	b := &Batcher{Mode: OrderedBlocking, submitOnce: func(ctx context.Context, p *sgio.PTR) (sgio.SubmitOutcome, error) {
		calls = append(calls, p.Tag)
		p.Resid = 0
		return sgio.SubmitOK, nil
	}}

	reqs := []*sgio.PTR{{Tag: 1, Blocks: 4}, {Tag: 2, Blocks: 4}, {Tag: 3, Blocks: 4}}
	results := b.Submit(context.Background(), reqs)

	require.Len(t, results, 3)
	require.Equal(t, []uint64{1, 2, 3}, calls)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}

func TestOrderedBlockingPropagatesError(t *testing.T) {
	b := &Batcher{Mode: OrderedBlocking, submitOnce: func(ctx context.Context, p *sgio.PTR) (sgio.SubmitOutcome, error) {
		return sgio.SubmitFatal, require.AnError
	}}
	results := b.Submit(context.Background(), []*sgio.PTR{{Tag: 1}})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestAsyncBatchWaitsForAllCompletions(t *testing.T) {
	ring := &fakeRing{}
	b := New(VariableBlocking, ring, nil)

	in := endpoint.NewMemory(4096)
	reqs := []*sgio.PTR{
		newMemPTR(t, in, 0, 4),
		newMemPTR(t, in, 4, 4),
	}

	results := b.Submit(context.Background(), reqs)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
}

func TestDeferredRejectsOrderedBlocking(t *testing.T) {
	b := New(OrderedBlocking, &fakeRing{}, nil)
	_, err := b.SubmitDeferred(nil)
	require.Error(t, err)
}

func TestDeferredReapDrainsIncrementally(t *testing.T) {
	ring := &fakeRing{}
	b := New(FullNonBlocking, ring, nil)

	in := endpoint.NewMemory(4096)
	reqs := []*sgio.PTR{newMemPTR(t, in, 0, 4)}

	pending, err := b.SubmitDeferred(reqs)
	require.NoError(t, err)

	results := pending.Reap()
	require.Len(t, results, 1)

	// A second Reap with nothing new staged returns nothing further.
	require.Empty(t, pending.Reap())
}

func TestWalkCountsGoodBlocksAndHoles(t *testing.T) {
	results := []Result{
		{PTR: &sgio.PTR{Blocks: 4, Resid: 0}, Outcome: sgio.Clean},
		{PTR: &sgio.PTR{Blocks: 4, Resid: 512}, Outcome: sgio.Clean},
	}
	tally := Walk(results, 3, 512)
	require.Equal(t, uint64(7), tally.GoodBlocks) // 4 + (4-1)
	require.Equal(t, 1, tally.Holes)
	require.Equal(t, 0, tally.Miscompares)
}

func TestWalkCountsMiscompareAndFailed(t *testing.T) {
	results := []Result{
		{PTR: &sgio.PTR{Blocks: 4}, Outcome: sgio.Miscompare},
		{PTR: &sgio.PTR{Blocks: 4}, Err: require.AnError},
	}
	tally := Walk(results, 2, 512)
	require.Equal(t, 1, tally.Miscompares)
	require.Equal(t, 1, tally.Failed)
	require.Equal(t, uint64(0), tally.GoodBlocks)
}
