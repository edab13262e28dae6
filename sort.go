// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"
	"sort"

	"github.com/grailbio/bigmr/kmv"
	"github.com/grailbio/bigmr/sortio"
)

// SortKeys reorders the engine's KV by key, using cmp as the
// byte-string comparator (spec.md §4.9 sort_keys(cmp_fn)). A single
// page is sorted in memory; a multi-page container is sorted by
// locally sorting and spilling each page, then merging the resulting
// runs (sortio.SortKV).
func (e *Engine) SortKeys(ctx context.Context, cmp sortio.CompareFunc) (uint64, error) {
	return e.sortKV(ctx, "sort_keys", func(key, value []byte) []byte { return key }, cmp)
}

// SortValues reorders the engine's KV by value (spec.md §4.9
// sort_values(cmp_fn)).
func (e *Engine) SortValues(ctx context.Context, cmp sortio.CompareFunc) (uint64, error) {
	return e.sortKV(ctx, "sort_values", func(key, value []byte) []byte { return value }, cmp)
}

func (e *Engine) sortKV(ctx context.Context, op string, extract sortio.ExtractFunc, cmp sortio.CompareFunc) (uint64, error) {
	if err := e.requireKV(op); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, op)
	if err != nil {
		return 0, err
	}
	src := e.kv
	dst, err := sortio.SortKV(ctx, src, e.kvConfig(), e.newPage(), e.slab.Scratch(), extract, cmp)
	if err != nil {
		return 0, err
	}
	src.Close()
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, op, start, nkv)
}

// SortMultivalues reorders the value list within every record of the
// engine's KMV, writing the result into a new KMV that replaces it,
// using cmp over each value's bytes (spec.md §4.9
// sort_multivalues(cmp_fn)). A block-split record's values from all
// of its blocks are gathered in memory, sorted together, and split
// into blocks again.
func (e *Engine) SortMultivalues(ctx context.Context, cmp sortio.CompareFunc) (uint64, error) {
	if err := e.requireKMV("sort_multivalues"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "sort_multivalues")
	if err != nil {
		return 0, err
	}
	src := e.kmv
	dst := kmv.New(e.kmvConfig(), e.newPage())
	it := src.Iterate()
	for {
		rec, ok, err := it.Next()
		if err != nil {
			dst.Close()
			return 0, err
		}
		if !ok {
			break
		}
		if rec.NValues >= 0 {
			if err := writeSortedRecord(dst, rec.Key, rec.ValueSizes, rec.Multivalue, cmp); err != nil {
				dst.Close()
				return 0, err
			}
			continue
		}
		if err := writeSortedBlockRecord(dst, rec.Key, it, cmp); err != nil {
			dst.Close()
			return 0, err
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	src.Close()
	e.kmv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "sort_multivalues", start, nkv)
}

func writeSortedRecord(dst *kmv.KMV, key []byte, sizes []int, mv []byte, cmp sortio.CompareFunc) error {
	values := splitValues(sizes, mv)
	sort.SliceStable(values, func(i, j int) bool { return cmp(values[i], values[j]) < 0 })
	return dst.Add(key, values)
}

// writeSortedBlockRecord sorts a block-split key's values across all
// of its blocks. This materializes the full value list in memory for
// the duration of the sort, since an arbitrary comparator cannot be
// applied to one block at a time; it then re-splits the sorted
// result across blocks exactly as kmv.Convert's splitBlocks does.
func writeSortedBlockRecord(dst *kmv.KMV, key []byte, it *kmv.Iterator, cmp sortio.CompareFunc) error {
	var values [][]byte
	blocks := it.MultivalueBlocks()
	for i := 0; i < blocks; i++ {
		sizes, mv, err := it.MultivalueBlock(i)
		if err != nil {
			return err
		}
		values = append(values, splitValues(sizes, mv)...)
	}
	sort.SliceStable(values, func(i, j int) bool { return cmp(values[i], values[j]) < 0 })
	return dst.Add(key, values)
}

func splitValues(sizes []int, mv []byte) [][]byte {
	values := make([][]byte, len(sizes))
	off := 0
	for i, size := range sizes {
		values[i] = mv[off : off+size]
		off += size
	}
	return values
}
