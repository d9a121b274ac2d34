// Package coordinator implements the Coordinator and Ordering Barrier
// (spec §4.5, §4.6): the atomic cursors and counters workers claim
// segments against, the mutexes guarding each side's fd, and the
// condition variable that enforces strictly-ascending output order.
package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// Counters holds the atomic state spec §3 assigns to the Coordinator.
// The cursors and remaining fields are block counts; the partial,
// dio-incomplete and miscompare fields count events; sumOfResids is in
// bytes and stop is a flag.
type Counters struct {
	positionCursor atomic.Uint64 // next block index to claim
	inRemaining    atomic.Uint64
	outRemaining   atomic.Uint64
	outCursor      atomic.Uint64 // next block index eligible for WRITE
	inPartial      atomic.Uint64
	outPartial     atomic.Uint64
	dioIncomplete  atomic.Uint64
	sumOfResids    atomic.Int64
	stop           atomic.Bool
	miscompares    atomic.Uint64
}

// Coordinator owns the shared claim/ordering state for one copy run.
// One Coordinator is created per Copy call and lives for the process's
// worker pool lifetime.
type Coordinator struct {
	Counters

	total     uint64 // N, total blocks to transfer
	bpt       uint64 // blocks per transfer (claim granularity)
	tagCount  atomic.Uint64 // monotonic progress counter the watchdog samples

	inMu  sync.Mutex
	outMu sync.Mutex
	out2Mu sync.Mutex

	orderMu sync.Mutex
	orderCV *sync.Cond

	logger interfaces.Logger
}

// New creates a Coordinator for a transfer of n blocks, numbered from 0
// and claimed bpt blocks at a time.
func New(n, bpt uint64, logger interfaces.Logger) *Coordinator {
	c := &Coordinator{total: n, bpt: bpt, logger: logger}
	c.inRemaining.Store(n)
	c.outRemaining.Store(n)
	c.orderCV = sync.NewCond(&c.orderMu)
	return c
}

// Claim performs the atomic fetch-add that hands a worker its next
// segment. It returns ok=false once the position cursor reaches total
// (END_OF_RANGE, spec §4.4).
func (c *Coordinator) Claim() (start uint64, n uint64, ok bool) {
	start = c.positionCursor.Add(c.bpt) - c.bpt
	if start >= c.total {
		return 0, 0, false
	}
	n = c.bpt
	if start+n > c.total {
		n = c.total - start
	}
	return start, n, true
}

// InputMutex/OutputMutex/SecondaryOutputMutex guard the corresponding
// endpoint's fd against concurrent submission, per spec §3's "Mutexes:
// input, output, output-secondary."
func (c *Coordinator) InputMutex() *sync.Mutex          { return &c.inMu }
func (c *Coordinator) OutputMutex() *sync.Mutex         { return &c.outMu }
func (c *Coordinator) SecondaryOutputMutex() *sync.Mutex { return &c.out2Mu }

// Stop raises the global stop flag and wakes every waiter on the
// ordering condition so blocked workers re-check and exit.
func (c *Coordinator) Stop() {
	if c.stop.CompareAndSwap(false, true) {
		c.orderMu.Lock()
		c.orderCV.Broadcast()
		c.orderMu.Unlock()
		if c.logger != nil {
			c.logger.Warn("coordinator: stop requested")
		}
	}
}

// Stopped reports whether Stop has been called.
func (c *Coordinator) Stopped() bool { return c.stop.Load() }

// WaitForOrder blocks until oblk is next in output order or the
// pipeline has stopped (spec §4.6's predicate: out_cursor == oblk ||
// stop).
func (c *Coordinator) WaitForOrder(oblk uint64) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	for c.outCursor.Load() != oblk && !c.stop.Load() {
		c.orderCV.Wait()
	}
}

// BroadcastOrder wakes every waiter on the ordering condition without
// advancing out_cursor (spec §6 Progress: SIGUSR2's deadlock-debugging
// aid). A waiter that wakes re-checks the same predicate; if it is still
// unmet it goes straight back to sleep, but the log line the caller
// pairs this with makes the stuck condition visible.
func (c *Coordinator) BroadcastOrder() {
	c.orderMu.Lock()
	c.orderCV.Broadcast()
	c.orderMu.Unlock()
}

// AdvanceOrder is called by the worker that just finished WRITE-ing
// [oblk, oblk+n) successfully: it advances out_cursor and wakes every
// waiter (spec §4.6).
func (c *Coordinator) AdvanceOrder(n uint64) {
	c.orderMu.Lock()
	c.outCursor.Add(n)
	c.orderCV.Broadcast()
	c.orderMu.Unlock()
}

// CreditRead/CreditWrite decrement the corresponding remaining counter
// by good blocks transferred and record partial-transfer bookkeeping
// (spec invariant 2).
func (c *Coordinator) CreditRead(good uint64, partial bool) {
	c.inRemaining.Add(^(good - 1)) // atomic subtract
	if partial {
		c.inPartial.Add(1)
	}
	c.tagCount.Add(1)
}

func (c *Coordinator) CreditWrite(good uint64, partial bool) {
	c.outRemaining.Add(^(good - 1))
	if partial {
		c.outPartial.Add(1)
	}
	c.tagCount.Add(1)
}

// RequeueIn/RequeueOut restore blocks to the remaining counters when a
// short read/write or failed segment must be retried by a later claim
// (spec §9 open question 1).
func (c *Coordinator) RequeueIn(blocks uint64)  { c.inRemaining.Add(blocks) }
func (c *Coordinator) RequeueOut(blocks uint64) { c.outRemaining.Add(blocks) }

// RecordMiscompare increments the global miscompare counter and raises
// stop (spec §4.2: "miscompare ... stops both pipelines").
func (c *Coordinator) RecordMiscompare() {
	c.miscompares.Add(1)
	c.Stop()
}

// AddResid accumulates a PTR's residual byte count for final reporting.
func (c *Coordinator) AddResid(resid int32) { c.sumOfResids.Add(int64(resid)) }

// MarkDIOIncomplete records a direct-I/O request that fell back to
// buffered completion.
func (c *Coordinator) MarkDIOIncomplete() { c.dioIncomplete.Add(1) }

// Tags exposes the progress counter as a watchdog.TagCounter.
func (c *Coordinator) Tags() *progressCounter { return (*progressCounter)(&c.tagCount) }

type progressCounter atomic.Uint64

func (p *progressCounter) Load() uint64 { return (*atomic.Uint64)(p).Load() }

// Snapshot is a point-in-time read of every counter, for final
// statistics reporting.
type Snapshot struct {
	InRemaining   uint64
	OutRemaining  uint64
	InPartial     uint64
	OutPartial    uint64
	DIOIncomplete uint64
	SumOfResids   int64
	Miscompares   uint64
	Stopped       bool
}

func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{
		InRemaining:   c.inRemaining.Load(),
		OutRemaining:  c.outRemaining.Load(),
		InPartial:     c.inPartial.Load(),
		OutPartial:    c.outPartial.Load(),
		DIOIncomplete: c.dioIncomplete.Load(),
		SumOfResids:   c.sumOfResids.Load(),
		Miscompares:   c.miscompares.Load(),
		Stopped:       c.stop.Load(),
	}
}

// ExitStatus matches spec §4.5's three-way exit status.
type ExitStatus int

const (
	ExitOK ExitStatus = iota
	ExitMiscompare
	ExitGenericError
)

func (c *Coordinator) ExitStatus() ExitStatus {
	snap := c.Snapshot()
	switch {
	case snap.Miscompares > 0:
		return ExitMiscompare
	case snap.Stopped:
		return ExitGenericError
	default:
		return ExitOK
	}
}
