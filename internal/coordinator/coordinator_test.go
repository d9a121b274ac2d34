package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimSequentialSegments(t *testing.T) {
	c := New(10, 4, nil)

	start, n, ok := c.Claim()
	require.True(t, ok)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(4), n)

	start, n, ok = c.Claim()
	require.True(t, ok)
	require.Equal(t, uint64(4), start)
	require.Equal(t, uint64(4), n)

	start, n, ok = c.Claim() // final short segment
	require.True(t, ok)
	require.Equal(t, uint64(8), start)
	require.Equal(t, uint64(2), n)

	_, _, ok = c.Claim() // end of range
	require.False(t, ok)
}

func TestClaimIsConcurrencySafeAndCovers(t *testing.T) {
	const total = 1000
	const bpt = 7
	c := New(total, bpt, nil)

	var mu sync.Mutex
	covered := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				start, n, ok := c.Claim()
				if !ok {
					return
				}
				mu.Lock()
				for b := start; b < start+n; b++ {
					covered[b] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, covered, total)
}

func TestOrderingBarrierAdvancesInSequence(t *testing.T) {
	c := New(100, 10, nil)

	done := make(chan uint64, 1)
	go func() {
		c.WaitForOrder(10)
		done <- 10
	}()

	c.AdvanceOrder(10) // advances out_cursor 0 -> 10
	require.Equal(t, uint64(10), <-done)
}

// TestBroadcastOrderWakesWaiterWithoutAdvancing confirms SIGUSR2's
// deadlock-debugging aid (spec §6 Progress) wakes a blocked waiter but
// leaves out_cursor untouched: the waiter re-checks the same predicate,
// finds it still unmet, and goes straight back to sleep until the real
// AdvanceOrder arrives.
func TestBroadcastOrderWakesWaiterWithoutAdvancing(t *testing.T) {
	c := New(100, 10, nil)

	woke := make(chan struct{})
	done := make(chan uint64, 1)
	go func() {
		close(woke)
		c.WaitForOrder(10)
		done <- 10
	}()

	<-woke
	c.BroadcastOrder()

	select {
	case <-done:
		t.Fatal("WaitForOrder returned before its predicate was satisfied")
	default:
	}

	c.AdvanceOrder(10)
	require.Equal(t, uint64(10), <-done)
}

func TestStopUnblocksWaiters(t *testing.T) {
	c := New(100, 10, nil)

	done := make(chan struct{})
	go func() {
		c.WaitForOrder(50) // never reached by AdvanceOrder
		close(done)
	}()

	c.Stop()
	<-done
	require.True(t, c.Stopped())
}

func TestCreditReadDecrementsRemaining(t *testing.T) {
	c := New(100, 10, nil)
	c.CreditRead(10, false)
	require.Equal(t, uint64(90), c.Snapshot().InRemaining)
}

func TestRecordMiscompareSetsExitStatus(t *testing.T) {
	c := New(100, 10, nil)
	c.RecordMiscompare()
	require.Equal(t, ExitMiscompare, c.ExitStatus())
	require.True(t, c.Stopped())
}

func TestExitStatusGenericErrorOnStopWithoutMiscompare(t *testing.T) {
	c := New(100, 10, nil)
	c.Stop()
	require.Equal(t, ExitGenericError, c.ExitStatus())
}

func TestExitStatusOK(t *testing.T) {
	c := New(100, 10, nil)
	require.Equal(t, ExitOK, c.ExitStatus())
}
