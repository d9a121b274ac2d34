// Package config parses the dd-style key=value operand grammar (spec §6)
// into an immutable Config record. Parsing and validation happen before
// any endpoint is opened, matching the teacher's
// DefaultParams/convertToCtrlParams shape: build a plain struct, then
// validate it in one pass and reject contradictions up front.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/ehrlich-b/sgdd/internal/constants"
)

// Flags is the iflag=/oflag= bitmask vocabulary (spec §6).
type Flags uint64

const (
	Flag00 Flags = 1 << iota
	FlagAppend
	FlagCOE
	FlagDefres
	FlagDIO
	FlagDirect
	FlagDPO
	FlagDSync
	FlagExcl
	FlagFF
	FlagFUA
	FlagPolled
	FlagMAsync
	FlagMMap
	FlagMoutIf
	FlagMRQImmed
	FlagMRQSVB
	FlagNocreat
	FlagNodur
	FlagNoXfer
	FlagNull
	FlagQHead
	FlagQTail
	FlagRandom
	FlagSameFDs
	FlagV3
	FlagV4
	FlagWQExcl
	FlagNoThresh
	FlagNoUnshare
	FlagNoShare
	// FlagReset is original_source/sgh_dd.cpp's -reset option, folded into
	// the iflag=/oflag= vocabulary (spec.md's canonical operand surface):
	// issue SG_SCSI_RESET against that side before starting the copy.
	FlagReset
)

var flagNames = map[string]Flags{
	"00": Flag00, "append": FlagAppend, "coe": FlagCOE, "defres": FlagDefres,
	"dio": FlagDIO, "direct": FlagDirect, "dpo": FlagDPO, "dsync": FlagDSync,
	"excl": FlagExcl, "ff": FlagFF, "fua": FlagFUA, "polled": FlagPolled,
	"masync": FlagMAsync, "mmap": FlagMMap, "mout_if": FlagMoutIf,
	"mrq_immed": FlagMRQImmed, "mrq_svb": FlagMRQSVB, "nocreat": FlagNocreat,
	"nodur": FlagNodur, "noxfer": FlagNoXfer, "null": FlagNull,
	"qhead": FlagQHead, "qtail": FlagQTail, "random": FlagRandom,
	"same_fds": FlagSameFDs, "v3": FlagV3, "v4": FlagV4, "wq_excl": FlagWQExcl,
	"no_thresh": FlagNoThresh, "no_unshare": FlagNoUnshare, "noshare": FlagNoShare,
	"reset": FlagReset,
}

// Has reports whether bit is set in f.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func parseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		bit, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("config: unknown flag %q", name)
		}
		f |= bit
	}
	return f, nil
}

// ConvFlags is the conv= vocabulary (spec §6's classic-dd subset).
type ConvFlags uint8

const (
	ConvNocreat ConvFlags = 1 << iota
	ConvNoError
	ConvNotrunc
	ConvNull
	ConvSync
)

var convNames = map[string]ConvFlags{
	"nocreat": ConvNocreat, "noerror": ConvNoError, "notrunc": ConvNotrunc,
	"null": ConvNull, "sync": ConvSync,
}

func (c ConvFlags) Has(bit ConvFlags) bool { return c&bit != 0 }

func parseConv(s string) (ConvFlags, error) {
	var c ConvFlags
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		bit, ok := convNames[name]
		if !ok {
			return 0, fmt.Errorf("config: unknown conv flag %q", name)
		}
		c |= bit
	}
	return c, nil
}

// MRQ describes the mrq=[I|O,]N[,C] operand (spec §6, §4.3).
type MRQ struct {
	Enabled  bool
	Side     string // "", "I", or "O"; "" means both sides
	Depth    int
	PackCDBs bool // the trailing ",C" — pack CDBs into one contiguous area
}

func parseMRQ(s string) (MRQ, error) {
	if s == "" {
		return MRQ{}, nil
	}
	tokens := strings.Split(s, ",")
	idx := 0
	m := MRQ{Enabled: true}
	if tokens[idx] == "I" || tokens[idx] == "O" {
		m.Side = tokens[idx]
		idx++
	}
	if idx >= len(tokens) {
		return MRQ{}, fmt.Errorf("config: mrq= missing depth")
	}
	depth, err := strconv.Atoi(tokens[idx])
	if err != nil || depth <= 0 {
		return MRQ{}, fmt.Errorf("config: mrq= depth %q invalid", tokens[idx])
	}
	m.Depth = depth
	idx++
	if idx < len(tokens) && tokens[idx] == "C" {
		m.PackCDBs = true
		idx++
	}
	if idx != len(tokens) {
		return MRQ{}, fmt.Errorf("config: mrq= trailing garbage %q", s)
	}
	return m, nil
}

// Time describes the time= operand: reporting mode 0 (none), 1 (final),
// or 2 (final + throughput), with an optional per-command timeout.
type Time struct {
	Mode    int
	Timeout time.Duration
}

func parseTime(s string) (Time, error) {
	t := Time{Timeout: constants.DefaultCommandTimeout}
	if s == "" {
		return t, nil
	}
	parts := strings.SplitN(s, ",", 2)
	mode, err := strconv.Atoi(parts[0])
	if err != nil || mode < 0 || mode > 2 {
		return Time{}, fmt.Errorf("config: time= mode %q invalid", parts[0])
	}
	t.Mode = mode
	if len(parts) == 2 {
		secs, err := strconv.Atoi(parts[1])
		if err != nil || secs <= 0 {
			return Time{}, fmt.Errorf("config: time= timeout %q invalid", parts[1])
		}
		t.Timeout = time.Duration(secs) * time.Second
	}
	return t, nil
}

// Options carries the dash-style flags cobra parses separately from the
// positional key=value operands (spec §6's "--verify"/"-x" etc.).
type Options struct {
	Verify   bool
	Prefetch bool
	DryRun   bool
	ChkAddr  bool
	Verbose  int
}

// Config is the immutable, validated result of Parse. Every field has
// already survived validate; downstream code never re-checks these
// invariants.
type Config struct {
	If, Of, Of2 string

	BS    uint32
	Count int64 // -1 == "read capacity and use it"
	Skip  uint64
	Seek  uint64

	BPT     uint32
	CDBSize int

	DIO   bool
	FUA   uint8 // bit 1 = out side, bit 2 = in side
	Sync  bool
	Threads int

	MRQ MRQ

	IFlags Flags
	OFlags Flags
	Conv   ConvFlags

	Time Time

	Verbose  int
	Verify   bool
	Prefetch bool
	DryRun   bool
	ChkAddr  bool

	// AbortCadence is the Abort Injector's sampling rate (spec §4.9): 0
	// disables it, N exercises cancellation against every Nth tag.
	AbortCadence uint64
}

// Parse builds a Config from the positional key=value operands plus the
// dash-flag Options, and validates it before returning.
func Parse(operands []string, opts Options) (*Config, error) {
	c := &Config{
		Count:   -1,
		CDBSize: constants.DefaultCDBSize,
		Threads: constants.DefaultWorkers,
		Verbose: opts.Verbose,
		Verify:  opts.Verify,
		Prefetch: opts.Prefetch,
		DryRun:  opts.DryRun,
		ChkAddr: opts.ChkAddr,
		Time:    Time{Timeout: constants.DefaultCommandTimeout},
	}

	var bpt uint32
	var bptGiven bool
	var ibs, obs uint32
	var ibsGiven, obsGiven bool

	for _, operand := range operands {
		key, val, ok := strings.Cut(operand, "=")
		if !ok {
			return nil, fmt.Errorf("config: operand %q is not key=value", operand)
		}
		var err error
		switch key {
		case "if":
			c.If = val
		case "of":
			c.Of = val
		case "of2":
			c.Of2 = val
		case "bs":
			c.BS, err = parseByteSize(val)
		case "ibs":
			ibs, err = parseByteSize(val)
			ibsGiven = true
		case "obs":
			obs, err = parseByteSize(val)
			obsGiven = true
		case "count":
			c.Count, err = strconv.ParseInt(val, 10, 64)
		case "skip":
			c.Skip, err = strconv.ParseUint(val, 10, 64)
		case "seek":
			c.Seek, err = strconv.ParseUint(val, 10, 64)
		case "bpt":
			var n uint64
			n, err = strconv.ParseUint(val, 10, 32)
			bpt = uint32(n)
			bptGiven = true
		case "cdbsz":
			c.CDBSize, err = strconv.Atoi(val)
		case "dio":
			c.DIO, err = parseBoolFlag(val)
		case "fua":
			var n uint64
			n, err = strconv.ParseUint(val, 10, 8)
			c.FUA = uint8(n)
		case "sync":
			c.Sync, err = parseBoolFlag(val)
		case "thr":
			c.Threads, err = strconv.Atoi(val)
		case "mrq":
			c.MRQ, err = parseMRQ(val)
		case "iflag":
			c.IFlags, err = parseFlags(val)
		case "oflag":
			c.OFlags, err = parseFlags(val)
		case "conv":
			c.Conv, err = parseConv(val)
		case "time":
			c.Time, err = parseTime(val)
		case "verbose":
			c.Verbose, err = strconv.Atoi(val)
		case "abortcadence":
			c.AbortCadence, err = strconv.ParseUint(val, 10, 64)
		default:
			return nil, fmt.Errorf("config: unrecognized operand %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("config: operand %q: %w", operand, err)
		}
	}

	if c.Conv.Has(ConvNoError) {
		c.IFlags |= FlagCOE
		c.OFlags |= FlagCOE
	}
	if c.Conv.Has(ConvNocreat) {
		c.OFlags |= FlagNocreat
	}
	if c.Conv.Has(ConvNull) {
		c.OFlags |= FlagNull
	}

	if ibsGiven && ibs != c.BS {
		return nil, fmt.Errorf("config: ibs=%d must equal bs=%d", ibs, c.BS)
	}
	if obsGiven && obs != c.BS {
		return nil, fmt.Errorf("config: obs=%d must equal bs=%d", obs, c.BS)
	}
	if c.BS == 0 {
		c.BS = constants.DefaultLogicalBlockSize
	}

	if bptGiven {
		c.BPT = bpt
	} else if c.BS >= constants.LargeBlockThreshold {
		c.BPT = constants.DefaultBPTLargeBlock
	} else {
		c.BPT = constants.DefaultBPT
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseByteSize(s string) (uint32, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	if v.Bytes() == 0 || v.Bytes() > 1<<32-1 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return uint32(v.Bytes()), nil
}

func parseBoolFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("expected 0 or 1, got %q", s)
	}
}

// validate rejects the contradictions spec §8's boundary behaviors name,
// before any endpoint is opened (spec §7 kind 1).
func (c *Config) validate() error {
	switch c.CDBSize {
	case 6, 10, 12, 16:
	default:
		return fmt.Errorf("config: cdbsz=%d must be one of 6, 10, 12, 16", c.CDBSize)
	}

	if c.CDBSize == 6 {
		if c.Count > constants.SixByteMaxBlocks {
			return fmt.Errorf("config: count=%d exceeds 6-byte CDB's 256-block limit", c.Count)
		}
		if c.Skip >= constants.SixByteMaxLBA || c.Seek >= constants.SixByteMaxLBA {
			return fmt.Errorf("config: skip/seek exceeds 6-byte CDB's 2^21 LBA limit")
		}
	}

	if c.Threads < 1 || c.Threads > constants.MaxWorkers {
		return fmt.Errorf("config: thr=%d must be within [1, %d]", c.Threads, constants.MaxWorkers)
	}

	appendSet := c.IFlags.Has(FlagAppend) || c.OFlags.Has(FlagAppend)
	if appendSet && (c.Seek > 0 || c.Verify) {
		return fmt.Errorf("config: append is incompatible with seek>0 or --verify")
	}

	if c.IFlags.Has(FlagMMap) && c.OFlags.Has(FlagMMap) {
		return fmt.Errorf("config: mmap on both sides is not supported")
	}

	if c.FUA > 3 {
		return fmt.Errorf("config: fua=%d must be a 2-bit mask (0-3)", c.FUA)
	}

	if c.MRQ.Enabled && c.MRQ.Side != "" && c.MRQ.Side != "I" && c.MRQ.Side != "O" {
		return fmt.Errorf("config: mrq= side must be I or O")
	}

	return nil
}
