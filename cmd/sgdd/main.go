package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/sgdd"
	"github.com/ehrlich-b/sgdd/internal/coordinator"
	"github.com/ehrlich-b/sgdd/internal/logging"
)

var opts sgdd.Options

var rootCmd = &cobra.Command{
	Use:   "sgdd [if=FILE] [of=FILE] [bs=N] [count=N] ...",
	Short: "High-throughput block copy over SCSI pass-through",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args, opts)
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&opts.Verify, "verify", "x", false, "verify-write instead of write (SCSI VERIFY)")
	rootCmd.Flags().BoolVarP(&opts.Prefetch, "prefetch", "p", false, "issue PRE-FETCH before a verify-write")
	rootCmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "d", false, "parse and validate operands without copying")
	rootCmd.Flags().BoolVar(&opts.ChkAddr, "chkaddr", false, "verify self-addressing synthetic data on read")
	rootCmd.Flags().CountVarP(&opts.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sgdd: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var sgErr *sgdd.Error
	if e, ok := err.(*sgdd.Error); ok {
		sgErr = e
	}
	if sgErr != nil {
		return sgErr.ExitCode()
	}
	return 1
}

func run(ctx context.Context, operands []string, opts sgdd.Options) error {
	cfg, err := sgdd.Parse(operands, opts)
	if err != nil {
		return sgdd.WrapError("parse operands", err)
	}

	logConfig := logging.DefaultConfig()
	if opts.Verbose > 0 {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)

	if cfg.DryRun {
		logger.Info("dry run: configuration validated, not copying")
		return nil
	}

	metrics := sgdd.NewMetrics()
	observer := sgdd.NewMetricsObserver(metrics)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	report, copyErr := sgdd.Copy(runCtx, cfg, logger, observer)
	if copyErr != nil {
		return sgdd.WrapError("copy", copyErr)
	}

	printReport(report, cfg.Time.Mode)

	switch report.ExitStatus {
	case coordinator.ExitOK:
		return nil
	case coordinator.ExitMiscompare:
		return sgdd.NewError("copy", sgdd.ErrKindMiscompare, "stream stopped on a miscompare")
	default:
		return sgdd.NewError("copy", sgdd.ErrKindFatalSubmit, "stream stopped before completion")
	}
}

func printReport(report *sgdd.Report, timeMode int) {
	snap := report.Coordinator
	fmt.Fprintf(os.Stderr, "in_partial=%d out_partial=%d dio_incomplete=%d miscompares=%d sum_of_resids=%d\n",
		snap.InPartial, snap.OutPartial, snap.DIOIncomplete, snap.Miscompares, snap.SumOfResids)

	if timeMode >= 1 {
		m := report.Metrics
		fmt.Fprintf(os.Stderr, "read_ops=%d write_ops=%d read_bytes=%d write_bytes=%d\n",
			m.ReadOps, m.WriteOps, m.ReadBytes, m.WriteBytes)
	}
	if timeMode >= 2 {
		m := report.Metrics
		fmt.Fprintf(os.Stderr, "read_iops=%.1f write_iops=%.1f read_bw=%.1f write_bw=%.1f\n",
			m.ReadIOPS, m.WriteIOPS, m.ReadBandwidth, m.WriteBandwidth)
	}
}
