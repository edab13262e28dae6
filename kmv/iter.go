// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// An Iterator walks a completed KMV's records in page order. For a
// block-split record, Next returns a Record with NValues < 0 and nil
// ValueSizes/Multivalue; the caller must then use MultivalueBlocks
// and MultivalueBlock to pull the key's values, mirroring
// multivalue_blocks()/multivalue_block() in
// original_source/new/mapreduce.cpp.
type Iterator struct {
	k       *KMV
	pageIdx int
	buf     []byte
	desc    Page
	off     int

	// blockHeaderPage and blockCount describe the most recently
	// returned block-split record, so MultivalueBlock(i) knows which
	// page to load.
	blockHeaderPage int
	blockCount      int
}

// Iterate returns a fresh Iterator over k. k must already be
// Complete.
func (k *KMV) Iterate() *Iterator {
	return &Iterator{k: k, pageIdx: -1, off: 0}
}

// Next advances to the next record. It returns ok=false once every
// page has been consumed.
func (it *Iterator) Next() (rec Record, ok bool, err error) {
	// Advance pages while none remain unread on the current one, or
	// the current page carries no header records of its own (an
	// empty trailing page, or a block page belonging to a preceding
	// header's block sequence).
	for it.pageIdx == -1 || it.off >= len(it.buf) || it.desc.NKey == 0 {
		it.pageIdx++
		if it.pageIdx >= it.k.NumPages() {
			return Record{}, false, nil
		}
		buf, desc, err := it.k.RequestPage(it.pageIdx)
		if err != nil {
			return Record{}, false, err
		}
		it.buf, it.desc, it.off = buf, desc, 0
	}
	rec, size := Decode(it.buf[it.off:], it.k.cfg.Alignment)
	it.off += size
	if rec.NValues < 0 {
		it.blockHeaderPage = it.pageIdx
		it.blockCount = -rec.NValues
	}
	return rec, true, nil
}

// MultivalueBlocks returns the number of block pages belonging to the
// block-split record most recently returned by Next. Valid only
// immediately after Next returns a record with NValues < 0.
func (it *Iterator) MultivalueBlocks() int {
	return it.blockCount
}

// MultivalueBlock loads block iblock (0-based) of the block-split
// record most recently returned by Next and returns its value sizes
// and concatenated value bytes.
func (it *Iterator) MultivalueBlock(iblock int) (sizes []int, mv []byte, err error) {
	if iblock < 0 || iblock >= it.blockCount {
		return nil, nil, errors.E(errors.Fatal,
			fmt.Sprintf("kmv: block index %d out of range [0,%d)", iblock, it.blockCount))
	}
	buf, _, err := it.k.RequestPage(it.blockHeaderPage + iblock + 1)
	if err != nil {
		return nil, nil, err
	}
	sizes, mv = DecodeBlock(buf, it.k.cfg.Alignment)
	return sizes, mv, nil
}
