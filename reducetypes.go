// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/kmv"
	"github.com/grailbio/bigmr/kv"
)

// MapTaskFunc produces one map task's records into dst. taskIndex is
// in [0, n) for Map(ctx, n, fn).
type MapTaskFunc func(ctx context.Context, taskIndex int, dst *kv.KV) error

// MapFileFunc produces one file's records into dst (SPEC_FULL.md
// supplemented feature 4).
type MapFileFunc func(ctx context.Context, taskIndex int, path string, dst *kv.KV) error

// MapChunkFunc produces one byte chunk's records into dst, used by
// MapFileChunks (under every map style) when files are split into
// separator-aligned chunks rather than assigned whole.
type MapChunkFunc func(ctx context.Context, taskIndex int, chunk []byte, dst *kv.KV) error

// MapKVFunc transforms one (key, value) record of the source KV,
// writing zero or more records into dst.
type MapKVFunc func(ctx context.Context, key, value []byte, dst *kv.KV) error

// A Multivalue is the handle Reduce/Compress pass to their callback
// for one key's grouped values. For an ordinary (non-block-split)
// record its values are available directly via Sizes/Bytes; for a
// block-split record (spec.md §4.5 item 3, a single key's values too
// large for one page) NValues returns the block count and the caller
// must pull blocks one at a time via Block, mirroring
// multivalue_blocks()/multivalue_block() in
// original_source/new/mapreduce.cpp.
type Multivalue struct {
	rec kmv.Record
	it  *kmv.Iterator
}

// IsBlockSplit reports whether this key's values are spread across
// dedicated block pages rather than packed into the record itself.
func (m *Multivalue) IsBlockSplit() bool { return m.rec.NValues < 0 }

// NValues returns the number of values for a non-block-split record,
// or the number of blocks for a block-split one.
func (m *Multivalue) NValues() int {
	if m.rec.NValues < 0 {
		return -m.rec.NValues
	}
	return m.rec.NValues
}

// Sizes returns the per-value byte sizes of a non-block-split
// record's values. Returns nil for a block-split record.
func (m *Multivalue) Sizes() []int { return m.rec.ValueSizes }

// Bytes returns the concatenated value bytes of a non-block-split
// record. Returns nil for a block-split record.
func (m *Multivalue) Bytes() []byte { return m.rec.Multivalue }

// Block loads block iblock (0-based) of a block-split record and
// returns its value sizes and concatenated value bytes. Valid only
// when IsBlockSplit is true.
func (m *Multivalue) Block(iblock int) (sizes []int, values []byte, err error) {
	return m.it.MultivalueBlock(iblock)
}

// ReduceFunc consumes one key's grouped multivalue and writes zero or
// more records into dst (spec.md §4.6's reduce_fn). CompressFunc has
// the same shape (compress is reduce over convert(kv)'s output).
type ReduceFunc func(ctx context.Context, key []byte, values *Multivalue, dst *kv.KV) error

// CompressFunc is an alias for ReduceFunc: Compress applies the same
// callback shape as Reduce, over a locally-converted KMV.
type CompressFunc = ReduceFunc
