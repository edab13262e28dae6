// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pagebuf implements the low-level byte-record layout shared by
// the kv and kmv containers: alignment arithmetic, a fixed-size working
// page, and the per-rank memory slab from which working pages are drawn.
//
// A page never contains partially-aligned garbage between records: every
// record starts at a talign-aligned offset, so a page can be scanned
// front-to-back by repeatedly calling Decode.
package pagebuf

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// FileAlignment is the unit to which spilled pages are rounded up on
// disk, so that sequential page reads land on device-block boundaries.
const FileAlignment = 512

// DefaultAlign is the default key/value alignment (§6.3 keyalign/valuealign).
const DefaultAlign = 4

// Alignment bundles the three alignments that govern a record's layout:
// Key and Value are configured directly; Record (talign in spec.md) is
// derived as max(Key, Value, 4).
type Alignment struct {
	Key, Value, Record int
}

// NewAlignment validates kalign and valign (must be powers of two) and
// returns the derived Alignment. It is a Precondition error — fatal to
// the group per spec.md §7 — to pass a non-power-of-two alignment.
func NewAlignment(kalign, valign int) (Alignment, error) {
	if !isPowerOfTwo(kalign) || !isPowerOfTwo(valign) {
		return Alignment{}, errors.E(errors.Precondition,
			fmt.Sprintf("alignment must be a power of two: keyalign=%d valuealign=%d", kalign, valign))
	}
	talign := kalign
	if valign > talign {
		talign = valign
	}
	if talign < 4 {
		talign = 4
	}
	return Alignment{Key: kalign, Value: valign, Record: talign}, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// RoundUp rounds n up to the next multiple of align, which must be a
// power of two. The mask is applied in uint64 so that the upper bits of
// a 64-bit offset are never clipped, per spec.md §9's alignment note.
func RoundUp(n, align int) int {
	mask := uint64(align) - 1
	return int((uint64(n) + mask) &^ mask)
}

// RoundUpFile rounds n up to the next FileAlignment boundary.
func RoundUpFile(n int) int {
	return RoundUp(n, FileAlignment)
}

// Slab is a per-rank memory region of memsize MiB, partitioned into two
// quarters (the working pages handed to the source and destination
// containers of an operator) and a half-slab scratch region (see
// Scratch). See spec.md §4.1.
//
// Slab does not itself track which quarter is "currently assigned":
// per the design notes in spec.md §9, that toggle lives in the engine,
// which passes the two quarters into each operator as plain
// parameters rather than mutating shared state on the slab.
type Slab struct {
	mem        []byte
	quarter    int
	scratchOff int
}

// NewSlab allocates a slab of memsizeMiB mebibytes. memsizeMiB must be
// positive; this mirrors spec.md §4.1's memsize<=0 fatal precondition.
func NewSlab(memsizeMiB int) (*Slab, error) {
	if memsizeMiB <= 0 {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("memsize must be positive, got %d", memsizeMiB))
	}
	total := RoundUp(memsizeMiB*1<<20, FileAlignment)
	// Split into 4 equal quarters; round the quarter size down to a file
	// alignment multiple so that mem0/mem1/mem2 all land on block
	// boundaries.
	quarter := (total / 4 / FileAlignment) * FileAlignment
	if quarter == 0 {
		return nil, errors.E(errors.Precondition, "memsize too small for a single aligned page")
	}
	mem := make([]byte, quarter*4)
	return &Slab{mem: mem, quarter: quarter, scratchOff: quarter * 2}, nil
}

// PageSize returns the size in bytes of a single working page (one
// quarter of the slab). This is the hard per-record size ceiling
// (spec.md §3.1 invariant 5 / §7 "oversize record").
func (s *Slab) PageSize() int { return s.quarter }

// Quarter returns working-page quarter 0 or 1. The two quarters never
// overlap, satisfying "source and destination never share memory"
// (spec.md §5).
func (s *Slab) Quarter(which int) []byte {
	if which != 0 && which != 1 {
		panic("pagebuf: Quarter index must be 0 or 1")
	}
	off := which * s.quarter
	return s.mem[off : off+s.quarter]
}

// Scratch returns the half-slab scratch region (mem2 in spec.md),
// sized to two working pages. The sort encodes each locally sorted run
// into it, and convert uses its length as the per-bucket size limit.
func (s *Slab) Scratch() []byte {
	return s.mem[s.scratchOff:]
}
