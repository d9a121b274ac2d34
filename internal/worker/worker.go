// Package worker implements the Worker segment loop (spec §4.4): the
// explicit per-iteration state machine that claims a block range from
// the Coordinator, reads it, waits for output ordering, writes it, and
// loops until the global stop flag or end of range.
//
// The explicit-state-enum-over-a-loop shape is grounded on the teacher's
// internal/queue/runner.go ioLoop/processRequests/handleCompletion split
// (a per-tag state machine advancing via an explicit switch), retargeted
// from ublk FETCH/COMMIT tag states to SG_IO READ/WRITE segment states.
package worker

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/sgdd/internal/abort"
	"github.com/ehrlich-b/sgdd/internal/cdb"
	"github.com/ehrlich-b/sgdd/internal/coordinator"
	"github.com/ehrlich-b/sgdd/internal/iobuf"
	"github.com/ehrlich-b/sgdd/internal/interfaces"
	"github.com/ehrlich-b/sgdd/internal/mrq"
	"github.com/ehrlich-b/sgdd/internal/sgio"
	"github.com/ehrlich-b/sgdd/internal/synthetic"
)

// State is one node of the segment state machine (spec §4.4).
type State int

const (
	StateIdle State = iota
	StateClaim
	StateRead
	StateOrderWait
	StateWrite
	StateWrite2
	StateWriteRegfile
	StateStop
	StateShortRead
	StateEndOfRange
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaim:
		return "claim"
	case StateRead:
		return "read"
	case StateOrderWait:
		return "order_wait"
	case StateWrite:
		return "write"
	case StateWrite2:
		return "write2"
	case StateWriteRegfile:
		return "write_regfile"
	case StateStop:
		return "stop"
	case StateShortRead:
		return "short_read"
	case StateEndOfRange:
		return "end_of_range"
	default:
		return "unknown"
	}
}

// Config configures one Worker instance.
type Config struct {
	ID int

	Coord *coordinator.Coordinator

	In  interfaces.Endpoint
	Out interfaces.Endpoint

	// Out2 is the optional secondary/regular-file tee sink (spec §4.4's
	// WRITE_REGFILE branch); nil disables it.
	Out2 interfaces.Endpoint

	BlockSize uint32
	BPT       uint32 // max blocks per segment; sizes the scratch buffer
	CDBSize   int
	Verify    bool
	Prefetch  bool
	FUA       bool
	DPO       bool
	COE       bool // continue-on-error: zero-fill and count as good on media_hard

	// ChkAddr enables the self-address consistency check (spec §4.4);
	// ChkAddrStrict extends it through the whole block.
	ChkAddr       bool
	ChkAddrStrict bool

	// SkipOrdering disables the ORDER_WAIT step. Copy sets it for any
	// synthetic input, and for dual pass-through without a regfile tee and
	// without a synchronization requirement.
	SkipOrdering bool

	// Abort, if non-nil, samples a subset of pass-through PTR tags for
	// cancellation-path exercise (spec §4.9); nil disables it.
	Abort *abort.Injector

	// MRQ, if non-nil, routes this worker through the batch-coordinator
	// path (spec §4.3): up to MRQDepth segments are claimed, read, and
	// written together through MRQ.Submit instead of one SG_IO ioctl per
	// segment. MRQSide restricts batching to one direction ("I" or "O");
	// "" batches both. Only takes effect when both endpoints are
	// pass-through; otherwise Run falls back to the per-segment loop.
	MRQ      *mrq.Batcher
	MRQDepth int
	MRQSide  string

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// batchSegment is one claimed range staged inside an MRQ batch; its
// buffer is a disjoint sub-window of the batch's shared scratch buffer
// so concurrently-staged segments never alias each other.
type batchSegment struct {
	start, n uint64
	buf      []byte
}

// Worker runs one goroutine's segment loop for the lifetime of the copy.
type Worker struct {
	cfg Config
	buf []byte
}

// New creates a Worker ready to Run.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg}
}

// Run executes the segment loop until StateStop, StateShortRead (after
// its final WRITE), or StateEndOfRange. It returns the terminal state
// and, for an unrecoverable error, a non-nil error.
func (w *Worker) Run(ctx context.Context) (State, error) {
	if w.cfg.MRQ != nil && w.cfg.In.IsPassThrough() && w.cfg.Out.IsPassThrough() {
		state, err := w.runBatched(ctx)
		if err != nil {
			w.cfg.Coord.Stop()
		}
		return state, err
	}

	w.buf = iobuf.Get(w.cfg.BlockSize * w.cfg.BPT)
	defer iobuf.Put(w.buf)

	for {
		if w.cfg.Coord.Stopped() {
			return StateStop, nil
		}

		start, n, ok := w.cfg.Coord.Claim()
		if !ok {
			return StateEndOfRange, nil
		}

		state, err := w.runSegment(ctx, start, n)
		if err != nil {
			w.cfg.Coord.Stop()
			return StateStop, err
		}
		if state == StateShortRead || state == StateStop {
			return state, nil
		}
	}
}

func (w *Worker) runSegment(ctx context.Context, start, n uint64) (State, error) {
	seg := w.buf[:uint64(w.cfg.BlockSize)*n]

	if err := w.read(ctx, seg, start, uint32(n)); err != nil {
		return StateStop, err
	}

	if w.cfg.ChkAddr {
		ok, addr := synthetic.CheckAddress(seg, start, uint32(n), w.cfg.BlockSize, w.cfg.ChkAddrStrict)
		if !ok {
			w.cfg.Coord.RecordMiscompare()
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveMiscompare()
			}
			return StateStop, fmt.Errorf("worker: chkaddr failure at block address 0x%x", addr)
		}
	}

	if !w.cfg.SkipOrdering {
		w.cfg.Coord.WaitForOrder(start)
		if w.cfg.Coord.Stopped() {
			return StateStop, nil
		}
	}

	if err := w.write(ctx, seg, start, uint32(n)); err != nil {
		return StateStop, err
	}

	if w.cfg.Out2 != nil {
		if err := w.writeRegfile(seg, start); err != nil {
			return StateStop, err
		}
	}

	w.cfg.Coord.AdvanceOrder(n)
	return StateIdle, nil
}

// runBatched drives the MRQ batch-coordinator loop (spec §4.3): instead
// of claiming and submitting one segment at a time, it claims up to
// MRQDepth segments into one shared scratch buffer (sliced into disjoint
// per-segment windows, since every segment's read lands concurrently
// once staged), submits the whole read batch through one MRQ.Submit
// call, waits each segment into output order, then submits the whole
// write batch through a second MRQ.Submit call. MRQSide restricts
// batching to the read or write side only; the other side falls back to
// the ordinary per-segment path.
func (w *Worker) runBatched(ctx context.Context) (State, error) {
	depth := w.cfg.MRQDepth
	if depth < 1 {
		depth = 1
	}
	batchBuf := iobuf.Get(w.cfg.BlockSize * w.cfg.BPT * uint32(depth))
	defer iobuf.Put(batchBuf)

	batchReads := w.cfg.MRQSide == "" || w.cfg.MRQSide == "I"
	batchWrites := w.cfg.MRQSide == "" || w.cfg.MRQSide == "O"

	for {
		if w.cfg.Coord.Stopped() {
			return StateStop, nil
		}

		segs := make([]batchSegment, 0, depth)
		for i := 0; i < depth; i++ {
			start, n, ok := w.cfg.Coord.Claim()
			if !ok {
				break
			}
			off := uint64(i) * uint64(w.cfg.BlockSize) * uint64(w.cfg.BPT)
			segs = append(segs, batchSegment{start: start, n: n, buf: batchBuf[off : off+n*uint64(w.cfg.BlockSize)]})
		}
		if len(segs) == 0 {
			return StateEndOfRange, nil
		}

		if batchReads {
			if err := w.readBatch(ctx, segs); err != nil {
				return StateStop, err
			}
		} else {
			for _, s := range segs {
				if err := w.read(ctx, s.buf, s.start, uint32(s.n)); err != nil {
					return StateStop, err
				}
			}
		}

		for _, s := range segs {
			if !w.cfg.ChkAddr {
				continue
			}
			ok, addr := synthetic.CheckAddress(s.buf, s.start, uint32(s.n), w.cfg.BlockSize, w.cfg.ChkAddrStrict)
			if !ok {
				w.cfg.Coord.RecordMiscompare()
				if w.cfg.Observer != nil {
					w.cfg.Observer.ObserveMiscompare()
				}
				return StateStop, fmt.Errorf("worker: chkaddr failure at block address 0x%x", addr)
			}
		}

		if !w.cfg.SkipOrdering {
			for _, s := range segs {
				w.cfg.Coord.WaitForOrder(s.start)
			}
			if w.cfg.Coord.Stopped() {
				return StateStop, nil
			}
		}

		if batchWrites {
			if err := w.writeBatch(ctx, segs); err != nil {
				return StateStop, err
			}
		} else {
			for _, s := range segs {
				if err := w.write(ctx, s.buf, s.start, uint32(s.n)); err != nil {
					return StateStop, err
				}
			}
		}

		if w.cfg.Out2 != nil {
			for _, s := range segs {
				if err := w.writeRegfile(s.buf, s.start); err != nil {
					return StateStop, err
				}
			}
		}

		for _, s := range segs {
			w.cfg.Coord.AdvanceOrder(s.n)
		}

		if len(segs) < depth {
			return StateEndOfRange, nil
		}
	}
}

// readBatch builds one READ PTR per segment and submits them together
// through MRQ.Submit, crediting each completion by matching its PTR
// pointer back to the segment that built it (robust to whatever order
// the batcher's completion walk returns results in).
func (w *Worker) readBatch(ctx context.Context, segs []batchSegment) error {
	ptrs := make([]*sgio.PTR, len(segs))
	bySeg := make(map[*sgio.PTR]batchSegment, len(segs))
	for i, s := range segs {
		body, err := cdb.Build(cdb.Request{Size: w.cfg.CDBSize, LBA: s.start, Blocks: uint32(s.n)})
		if err != nil {
			return fmt.Errorf("worker: build mrq read cdb: %w", err)
		}
		p := &sgio.PTR{Direction: sgio.DirIn, Endpoint: w.cfg.In, LBA: s.start, Blocks: uint32(s.n), CDB: body, Buffer: s.buf}
		ptrs[i] = p
		bySeg[p] = s
	}

	results := w.cfg.MRQ.Submit(ctx, ptrs)
	if len(results) != len(segs) {
		return fmt.Errorf("worker: mrq read batch returned %d results for %d staged segments", len(results), len(segs))
	}

	for _, r := range results {
		s, ok := bySeg[r.PTR]
		if !ok {
			return fmt.Errorf("worker: mrq read batch returned an unrecognized completion")
		}

		if r.Err != nil {
			return fmt.Errorf("worker: mrq read failed at block %d: %w", s.start, r.Err)
		}
		outcome := r.Outcome
		if outcome.IsRetryable() {
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveRetry("retry_ua")
			}
			var err error
			outcome, err = w.retryUntilResolved(ctx, r.PTR)
			if err != nil {
				return err
			}
		}
		w.cfg.Coord.AddResid(r.PTR.Resid)

		switch {
		case outcome == sgio.MediaHard && w.cfg.COE:
			for i := range s.buf {
				s.buf[i] = 0
			}
			w.cfg.Coord.CreditRead(s.n, false)
			continue
		case outcome == sgio.Miscompare:
			w.cfg.Coord.RecordMiscompare()
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveMiscompare()
			}
			return fmt.Errorf("worker: miscompare on mrq read at block %d", s.start)
		case !outcome.IsGood():
			return fmt.Errorf("worker: mrq read failed at block %d: outcome=%s", s.start, outcome)
		}

		good := uint32(s.n) - uint32(r.PTR.Resid)/w.cfg.BlockSize
		partial := uint64(good) < s.n
		w.cfg.Coord.CreditRead(uint64(good), partial)
		if partial {
			w.cfg.Coord.RequeueIn(s.n - uint64(good))
		}
	}
	return nil
}

// writeBatch is readBatch's write-side counterpart: an optional
// per-segment prefetch (still issued one ioctl at a time — prefetch is
// an uncommon verify-write accessory, not the hot path MRQ targets),
// then one batched WRITE/VERIFY submission.
func (w *Worker) writeBatch(ctx context.Context, segs []batchSegment) error {
	if w.cfg.Prefetch && w.cfg.Verify {
		for _, s := range segs {
			if err := w.prefetch(ctx, s.start, uint32(s.n)); err != nil {
				return err
			}
		}
	}

	ptrs := make([]*sgio.PTR, len(segs))
	bySeg := make(map[*sgio.PTR]batchSegment, len(segs))
	for i, s := range segs {
		body, err := cdb.Build(cdb.Request{Size: w.cfg.CDBSize, Write: !w.cfg.Verify, Verify: w.cfg.Verify, FUA: w.cfg.FUA, DPO: w.cfg.DPO, LBA: s.start, Blocks: uint32(s.n)})
		if err != nil {
			return fmt.Errorf("worker: build mrq write cdb: %w", err)
		}
		p := &sgio.PTR{Direction: sgio.DirOut, Endpoint: w.cfg.Out, LBA: s.start, Blocks: uint32(s.n), CDB: body, Buffer: s.buf}
		ptrs[i] = p
		bySeg[p] = s
	}

	results := w.cfg.MRQ.Submit(ctx, ptrs)
	if len(results) != len(segs) {
		return fmt.Errorf("worker: mrq write batch returned %d results for %d staged segments", len(results), len(segs))
	}

	for _, r := range results {
		s, ok := bySeg[r.PTR]
		if !ok {
			return fmt.Errorf("worker: mrq write batch returned an unrecognized completion")
		}

		if r.Err != nil {
			return fmt.Errorf("worker: mrq write failed at block %d: %w", s.start, r.Err)
		}
		outcome := r.Outcome
		if outcome.IsRetryable() {
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveRetry("retry_ua")
			}
			var err error
			outcome, err = w.retryUntilResolved(ctx, r.PTR)
			if err != nil {
				return err
			}
		}
		w.cfg.Coord.AddResid(r.PTR.Resid)

		switch {
		case outcome == sgio.Miscompare:
			w.cfg.Coord.RecordMiscompare()
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveMiscompare()
			}
			return fmt.Errorf("worker: miscompare on mrq verify-write at block %d", s.start)
		case !outcome.IsGood():
			return fmt.Errorf("worker: mrq write failed at block %d: outcome=%s", s.start, outcome)
		}

		good := uint32(s.n) - uint32(r.PTR.Resid)/w.cfg.BlockSize
		w.cfg.Coord.CreditWrite(uint64(good), uint64(good) < s.n)
	}
	return nil
}

// retryUntilResolved re-issues p synchronously once, matching the
// per-segment path's retry policy when a batched segment draws a
// retryable device status; a second retryable outcome is an error.
func (w *Worker) retryUntilResolved(ctx context.Context, p *sgio.PTR) (sgio.Outcome, error) {
	if _, err := sgio.Submit(ctx, p); err != nil {
		return 0, fmt.Errorf("worker: mrq retry submit tag %d: %w", p.Tag, err)
	}
	outcome := sgio.Reap(p)
	if outcome.IsRetryable() {
		return outcome, fmt.Errorf("worker: mrq tag %d still %s after one re-issue", p.Tag, outcome)
	}
	return outcome, nil
}

// prefetch issues a synchronous PRE-FETCH ahead of a verify-write.
func (w *Worker) prefetch(ctx context.Context, start uint64, n uint32) error {
	pf, err := cdb.Build(cdb.Request{Size: w.cfg.CDBSize, Prefetch: true, LBA: start, Blocks: n})
	if err != nil {
		return fmt.Errorf("worker: build prefetch cdb: %w", err)
	}
	p := &sgio.PTR{Direction: sgio.DirNone, Endpoint: w.cfg.Out, LBA: start, Blocks: n, CDB: pf}
	if _, err := sgio.Submit(ctx, p); err != nil {
		return fmt.Errorf("worker: submit prefetch: %w", err)
	}
	sgio.Reap(p)
	return nil
}

func (w *Worker) read(ctx context.Context, buf []byte, start uint64, n uint32) error {
	if !w.cfg.In.IsPassThrough() {
		got, err := w.cfg.In.ReadAt(buf, int64(start)*int64(w.cfg.BlockSize))
		if err != nil {
			return fmt.Errorf("worker: read segment at block %d: %w", start, err)
		}
		partial := uint64(got) < uint64(len(buf))
		goodBlocks := uint64(got) / uint64(w.cfg.BlockSize)
		w.cfg.Coord.CreditRead(goodBlocks, partial)
		if partial {
			w.cfg.Coord.RequeueIn(n - uint32(goodBlocks))
		}
		return nil
	}

	return w.readPassThrough(ctx, buf, start, n)
}

func (w *Worker) readPassThrough(ctx context.Context, buf []byte, start uint64, n uint32) error {
	body, err := cdb.Build(cdb.Request{Size: w.cfg.CDBSize, LBA: start, Blocks: n})
	if err != nil {
		return fmt.Errorf("worker: build read cdb: %w", err)
	}

	retried := false
	for {
		p := &sgio.PTR{
			Direction: sgio.DirIn,
			Endpoint:  w.cfg.In,
			LBA:       start,
			Blocks:    n,
			CDB:       body,
			Buffer:    buf,
		}
		if _, err := sgio.Submit(ctx, p); err != nil {
			return fmt.Errorf("worker: submit read: %w", err)
		}
		w.maybeInjectAbort(w.cfg.In, p.Tag)
		outcome := sgio.Reap(p)
		w.cfg.Coord.AddResid(p.Resid)

		switch {
		case outcome.IsRetryable():
			if retried {
				return fmt.Errorf("worker: read at block %d still %s after one re-issue", start, outcome)
			}
			retried = true
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveRetry("retry_ua")
			}
			continue
		case outcome == sgio.MediaHard && w.cfg.COE:
			for i := range buf {
				buf[i] = 0
			}
			w.cfg.Coord.CreditRead(uint64(n), false)
			return nil
		case outcome == sgio.Miscompare:
			w.cfg.Coord.RecordMiscompare()
			return fmt.Errorf("worker: miscompare on read at block %d", start)
		case !outcome.IsGood():
			return fmt.Errorf("worker: read failed at block %d: outcome=%s", start, outcome)
		}

		good := n - uint32(p.Resid)/w.cfg.BlockSize
		partial := good < n
		w.cfg.Coord.CreditRead(uint64(good), partial)
		if partial {
			w.cfg.Coord.RequeueIn(n - good)
		}
		return nil
	}
}

func (w *Worker) write(ctx context.Context, buf []byte, start uint64, n uint32) error {
	if !w.cfg.Out.IsPassThrough() {
		got, err := w.cfg.Out.WriteAt(buf, int64(start)*int64(w.cfg.BlockSize))
		if err != nil {
			return fmt.Errorf("worker: write segment at block %d: %w", start, err)
		}
		partial := uint64(got) < uint64(len(buf))
		goodBlocks := uint64(got) / uint64(w.cfg.BlockSize)
		w.cfg.Coord.CreditWrite(goodBlocks, partial)
		return nil
	}
	return w.writePassThrough(ctx, buf, start, n)
}

func (w *Worker) writePassThrough(ctx context.Context, buf []byte, start uint64, n uint32) error {
	if w.cfg.Prefetch && w.cfg.Verify {
		if err := w.prefetch(ctx, start, n); err != nil {
			return err
		}
	}

	body, err := cdb.Build(cdb.Request{Size: w.cfg.CDBSize, Write: !w.cfg.Verify, Verify: w.cfg.Verify, FUA: w.cfg.FUA, DPO: w.cfg.DPO, LBA: start, Blocks: n})
	if err != nil {
		return fmt.Errorf("worker: build write cdb: %w", err)
	}

	retried := false
	for {
		p := &sgio.PTR{
			Direction: sgio.DirOut,
			Endpoint:  w.cfg.Out,
			LBA:       start,
			Blocks:    n,
			CDB:       body,
			Buffer:    buf,
		}
		if _, err := sgio.Submit(ctx, p); err != nil {
			return fmt.Errorf("worker: submit write: %w", err)
		}
		w.maybeInjectAbort(w.cfg.Out, p.Tag)
		outcome := sgio.Reap(p)
		w.cfg.Coord.AddResid(p.Resid)

		switch {
		case outcome.IsRetryable():
			if retried {
				return fmt.Errorf("worker: write at block %d still %s after one re-issue", start, outcome)
			}
			retried = true
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveRetry("retry_ua")
			}
			continue
		case outcome == sgio.Miscompare:
			w.cfg.Coord.RecordMiscompare()
			return fmt.Errorf("worker: miscompare on verify-write at block %d", start)
		case !outcome.IsGood():
			return fmt.Errorf("worker: write failed at block %d: outcome=%s", start, outcome)
		}

		good := n - uint32(p.Resid)/w.cfg.BlockSize
		w.cfg.Coord.CreditWrite(uint64(good), good < n)
		return nil
	}
}

// maybeInjectAbort spawns the abort helper for tag if this worker's
// injector samples it. It never blocks the caller.
func (w *Worker) maybeInjectAbort(ep interfaces.Endpoint, tag uint64) {
	if w.cfg.Abort == nil || !w.cfg.Abort.ShouldInject(tag) {
		return
	}
	w.cfg.Abort.Inject(ep, tag)
}

func (w *Worker) writeRegfile(buf []byte, start uint64) error {
	_, err := w.cfg.Out2.WriteAt(buf, int64(start)*int64(w.cfg.BlockSize))
	if err != nil {
		return fmt.Errorf("worker: secondary tee write at block %d: %w", start, err)
	}
	return nil
}
