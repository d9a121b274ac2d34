// Package sgdd is the public entry point over internal/*: it turns a
// parsed internal/config.Config into an opened pair of endpoints, a
// Coordinator, a pool of Workers, and a Watchdog, runs the copy to
// completion or interruption, and returns a final Report.
package sgdd

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sgdd/internal/abort"
	"github.com/ehrlich-b/sgdd/internal/config"
	"github.com/ehrlich-b/sgdd/internal/constants"
	"github.com/ehrlich-b/sgdd/internal/coordinator"
	"github.com/ehrlich-b/sgdd/internal/endpoint"
	"github.com/ehrlich-b/sgdd/internal/interfaces"
	"github.com/ehrlich-b/sgdd/internal/logging"
	"github.com/ehrlich-b/sgdd/internal/mrq"
	"github.com/ehrlich-b/sgdd/internal/sharing"
	"github.com/ehrlich-b/sgdd/internal/synthetic"
	"github.com/ehrlich-b/sgdd/internal/uring"
	"github.com/ehrlich-b/sgdd/internal/watchdog"
	"github.com/ehrlich-b/sgdd/internal/worker"
)

// Config is re-exported so callers only need to import this package to
// build and run a copy; internal/config.Parse still does the operand
// grammar work.
type Config = config.Config

// Options is re-exported for the same reason.
type Options = config.Options

// Parse parses dd-style operands into a Config, ready for Copy.
func Parse(operands []string, opts Options) (*Config, error) {
	return config.Parse(operands, opts)
}

// Report summarizes a finished (or interrupted) copy run.
type Report struct {
	Config      *Config
	Coordinator coordinator.Snapshot
	Metrics     MetricsSnapshot
	ExitStatus  coordinator.ExitStatus
}

// synthPrefix namespaces the synthetic-source convention this rewrite
// adopts for if=: since spec.md's operand grammar otherwise only names
// real paths for if=/of=/of2=, a synthetic input is requested with
// "synth:zero", "synth:ff", "synth:random", or "synth:selfaddr" in place
// of a file path.
const synthPrefix = "synth:"

func parseSynthetic(path string) (synthetic.Pattern, bool) {
	if !strings.HasPrefix(path, synthPrefix) {
		return 0, false
	}
	switch strings.TrimPrefix(path, synthPrefix) {
	case "zero":
		return synthetic.PatternZero, true
	case "ff":
		return synthetic.PatternFF, true
	case "random":
		return synthetic.PatternRandom, true
	case "selfaddr":
		return synthetic.PatternSelfAddress, true
	default:
		return 0, false
	}
}

// Copy runs one full copy according to cfg and returns the final report.
// It blocks until every worker has reached end-of-range, a miscompare or
// fatal error has stopped the pipeline, or ctx is cancelled.
func Copy(ctx context.Context, cfg *Config, logger interfaces.Logger, observer interfaces.Observer) (*Report, error) {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	if observer == nil {
		observer = NoOpObserver{}
	}

	in, inSynthetic, err := openInput(cfg, logger)
	if err != nil {
		return nil, WrapError("open input", err)
	}
	defer in.Close()

	out, err := openOutput(cfg.Of, cfg.OFlags, logger)
	if err != nil {
		return nil, WrapError("open output", err)
	}
	defer out.Close()

	var out2 interfaces.Endpoint
	if cfg.Of2 != "" {
		out2, err = openOutput(cfg.Of2, 0, logger)
		if err != nil {
			return nil, WrapError("open secondary output", err)
		}
		defer out2.Close()
	}

	if cfg.IFlags.Has(config.FlagReset) && in.IsPassThrough() {
		if err := endpoint.Reset(in.FD()); err != nil {
			return nil, WrapError("reset input device", err)
		}
	}
	if cfg.OFlags.Has(config.FlagReset) && out.IsPassThrough() {
		if err := endpoint.Reset(out.FD()); err != nil {
			return nil, WrapError("reset output device", err)
		}
	}

	if in.IsPassThrough() && out.IsPassThrough() {
		if err := sharing.Establish(out.FD(), in.FD()); err != nil {
			logger.Warnf("sgdd: buffer sharing unavailable, falling back to user-space copy: %v", err)
		}
	}

	total, err := resolveCount(cfg, in)
	if err != nil {
		return nil, &Error{Op: "resolve count", Kind: ErrKindConfiguration, Msg: err.Error(), Inner: err}
	}

	coord := coordinator.New(total, uint64(cfg.BPT), logger)

	wd := &watchdog.Watchdog{
		Tags:                coord.Tags(),
		InitialCheckTime:    constants.DefaultInitialCheckTime,
		ContinuingCheckTime: constants.DefaultContinuingCheckTime,
		Logger:              logger,
		OnStop:              coord.Stop,
		OnProgress: func() {
			snap := coord.Snapshot()
			logger.Infof("sgdd: progress: in_remaining=%d out_remaining=%d in_partial=%d out_partial=%d miscompares=%d",
				snap.InRemaining, snap.OutRemaining, snap.InPartial, snap.OutPartial, snap.Miscompares)
		},
		OnOrderingDebug: coord.BroadcastOrder,
	}
	go wd.Run()
	defer wd.Stop()

	// Synthetic input always skips ordering (spec §4.4(a): a synthetic
	// source has no real read side to serialize against). Dual
	// pass-through without a regfile tee or a sync requirement is the
	// other exemption.
	skipOrdering := inSynthetic || (in.IsPassThrough() && out.IsPassThrough() && out2 == nil && !cfg.Sync)

	var injector *abort.Injector
	if cfg.AbortCadence > 0 {
		injector = &abort.Injector{Cadence: cfg.AbortCadence, Logger: logger}
	}

	// mrqMode selects the Batcher's submission discipline from the
	// mrq_svb/mrq_immed flag vocabulary (spec §6); VariableBlocking is the
	// default once mrq= is requested without either modifier.
	var mrqMode mrq.Mode
	switch {
	case cfg.IFlags.Has(config.FlagMRQSVB) || cfg.OFlags.Has(config.FlagMRQSVB):
		mrqMode = mrq.SharedVariableBlocking
	case cfg.IFlags.Has(config.FlagMRQImmed) || cfg.OFlags.Has(config.FlagMRQImmed):
		mrqMode = mrq.FullNonBlocking
	default:
		mrqMode = mrq.VariableBlocking
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Threads; i++ {
		id := i

		// Each worker that will batch owns exactly one Ring (internal/uring's
		// own invariant), so construction happens per-goroutine rather than
		// shared across the pool. A Ring that fails to open falls back to
		// OrderedBlocking, which needs no ring at all.
		var batcher *mrq.Batcher
		if cfg.MRQ.Enabled && in.IsPassThrough() && out.IsPassThrough() {
			mode := mrqMode
			var ring *uring.Ring
			if mode != mrq.OrderedBlocking {
				r, err := uring.New(uint32(cfg.MRQ.Depth) * 2)
				if err != nil {
					logger.Warnf("sgdd: mrq ring unavailable on worker %d, falling back to ordered submission: %v", id, err)
					mode = mrq.OrderedBlocking
				} else {
					ring = r
				}
			}
			batcher = mrq.New(mode, ring, logger)
		}

		g.Go(func() error {
			if batcher != nil {
				defer func() {
					if r, ok := batcher.Ring.(*uring.Ring); ok && r != nil {
						r.Close()
					}
				}()
			}
			w := worker.New(worker.Config{
				ID:            id,
				Coord:         coord,
				In:            in,
				Out:           out,
				Out2:          out2,
				BlockSize:     cfg.BS,
				BPT:           cfg.BPT,
				CDBSize:       cfg.CDBSize,
				Verify:        cfg.Verify,
				Prefetch:      cfg.Prefetch,
				FUA:           cfg.FUA&1 != 0,
				DPO:           false,
				COE:           cfg.IFlags.Has(config.FlagCOE),
				ChkAddr:       cfg.ChkAddr,
				ChkAddrStrict: cfg.ChkAddr,
				SkipOrdering:  skipOrdering,
				Abort:         injector,
				Logger:        logger,
				Observer:      observer,
				MRQ:           batcher,
				MRQDepth:      cfg.MRQ.Depth,
				MRQSide:       cfg.MRQ.Side,
			})
			_, err := w.Run(gctx)
			return err
		})
	}

	runErr := g.Wait()
	_ = out.Sync(ctx)

	rep := &Report{
		Config:      cfg,
		Coordinator: coord.Snapshot(),
		ExitStatus:  coord.ExitStatus(),
	}
	if mo, ok := observer.(*MetricsObserver); ok {
		mo.metrics.Stop()
		rep.Metrics = mo.metrics.Snapshot()
	}
	return rep, runErr
}

func openInput(cfg *Config, logger interfaces.Logger) (interfaces.Endpoint, bool, error) {
	if pattern, ok := parseSynthetic(cfg.If); ok {
		return &endpoint.SyntheticEndpoint{Pattern: pattern, BlockSize: cfg.BS}, true, nil
	}
	ep, err := endpoint.Open(cfg.If, endpoint.OpenFlags{
		Direct: cfg.IFlags.Has(config.FlagDIO) || cfg.IFlags.Has(config.FlagDirect),
		Excl:   cfg.IFlags.Has(config.FlagExcl),
	})
	return ep, false, err
}

func openOutput(path string, flags config.Flags, logger interfaces.Logger) (interfaces.Endpoint, error) {
	return endpoint.Open(path, endpoint.OpenFlags{
		Write:  true,
		Append: flags.Has(config.FlagAppend),
		Direct: flags.Has(config.FlagDIO) || flags.Has(config.FlagDirect),
		Excl:   flags.Has(config.FlagExcl),
		Create: !flags.Has(config.FlagNocreat),
	})
}

// resolveCount returns the total number of blocks to transfer: cfg.Count
// if explicitly given (non-negative), otherwise the input endpoint's full
// size probed via fstat (regular files) or BLKGETSIZE64 (block devices)
// and divided by block size, matching dd's count=-1 behavior.
func resolveCount(cfg *Config, in interfaces.Endpoint) (uint64, error) {
	if cfg.Count >= 0 {
		return uint64(cfg.Count), nil
	}

	size, err := probeSize(in)
	if err != nil {
		return 0, fmt.Errorf("sgdd: count= is required when the input size cannot be probed: %w", err)
	}
	return size / uint64(cfg.BS), nil
}

// probeSize returns an endpoint's full byte size, where knowable.
func probeSize(ep interfaces.Endpoint) (uint64, error) {
	fd := ep.FD()
	if fd < 0 {
		return 0, fmt.Errorf("endpoint has no underlying fd")
	}

	switch ep.Kind() {
	case interfaces.KindBlock:
		var size uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			return 0, fmt.Errorf("BLKGETSIZE64: %w", errno)
		}
		return size, nil
	default:
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return 0, fmt.Errorf("fstat: %w", err)
		}
		if st.Size <= 0 {
			return 0, fmt.Errorf("endpoint reports no determinable size")
		}
		return uint64(st.Size), nil
	}
}
