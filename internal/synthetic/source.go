// Package synthetic generates input data for the SYNTHETIC endpoint kind
// (spec §3): zero, 0xFF, pseudo-random, or a self-addressing pattern that
// encodes each block's own 32-bit big-endian block address, repeated
// through the block. Grounded on original_source/testing/sgh_dd.cpp's
// chkaddr verification counterpart (the self-address pattern must match
// what the worker's chkaddr check later expects).
package synthetic

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Pattern selects the synthetic data generator.
type Pattern int

const (
	PatternZero Pattern = iota
	PatternFF
	PatternRandom
	PatternSelfAddress
)

func (p Pattern) String() string {
	switch p {
	case PatternZero:
		return "zero"
	case PatternFF:
		return "ff"
	case PatternRandom:
		return "random"
	case PatternSelfAddress:
		return "self_address"
	default:
		return "unknown"
	}
}

// Fill writes one block-aligned segment into buf starting at startBlock,
// blocks blocks of bs bytes each. len(buf) must be >= blocks*bs.
func Fill(pattern Pattern, buf []byte, startBlock uint64, blocks uint32, bs uint32) error {
	need := int(blocks) * int(bs)
	if len(buf) < need {
		return fmt.Errorf("synthetic: buffer too small: have %d, need %d", len(buf), need)
	}
	seg := buf[:need]

	switch pattern {
	case PatternZero:
		for i := range seg {
			seg[i] = 0
		}
	case PatternFF:
		for i := range seg {
			seg[i] = 0xff
		}
	case PatternRandom:
		if _, err := rand.Read(seg); err != nil {
			return fmt.Errorf("synthetic: random fill: %w", err)
		}
	case PatternSelfAddress:
		fillSelfAddress(seg, startBlock, blocks, bs)
	default:
		return fmt.Errorf("synthetic: unknown pattern %d", pattern)
	}
	return nil
}

// fillSelfAddress writes the 32-bit big-endian block address into every
// 4-byte stride of each block, matching CheckAddress's expectations.
func fillSelfAddress(seg []byte, startBlock uint64, blocks uint32, bs uint32) {
	addr := uint32(startBlock)
	off := 0
	for k := uint32(0); k < blocks; k++ {
		for j := uint32(0); j+4 <= bs; j += 4 {
			binary.BigEndian.PutUint32(seg[off+int(j):], addr)
		}
		addr++
		off += int(bs)
	}
}

// CheckAddress implements the chkaddr verification (spec §4.4): after a
// READ of a self-addressing segment, every 4-byte word in the first num
// bytes of every block must equal the block's own big-endian address
// (num is 4, or the block size rounded down to 4 when strict). strict extends the
// check through the whole block in 4-byte steps instead of just the
// first 4 bytes.
func CheckAddress(buf []byte, startBlock uint64, blocks uint32, bs uint32, strict bool) (ok bool, failAddr uint32) {
	num := uint32(4)
	if strict {
		num = bs - (bs % 4)
	}
	addr := uint32(startBlock)
	off := 0
	for k := uint32(0); k < blocks; k++ {
		for j := uint32(0); j < num; j += 4 {
			if binary.BigEndian.Uint32(buf[off+int(j):]) != addr {
				return false, addr
			}
		}
		addr++
		off += int(bs)
	}
	return true, 0
}
