// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sortio implements the KV sort behind SortKeys/SortValues
// (spec.md §4.9): sort a KV's records by an extracted byte range,
// either in memory (the container fits one page) or by locally
// sorting each page, spilling it as a run, and merging the runs with
// a heap (container/heap), same shape as bigslice's
// FrameBufferHeap/NewMergeReader in sortio/sort.go, reworked from
// typed frame.Frame rows to raw pagebuf-encoded byte records compared
// with a CompareFunc.
package sortio

import (
	"container/heap"
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
	"github.com/grailbio/bigmr/sliceio"
)

// CompareFunc orders two byte strings, following the usual
// negative/zero/positive convention.
type CompareFunc func(a, b []byte) int

// ExtractFunc pulls the sort key out of a record's key and value
// (e.g. the key itself for SortKeys, the value for SortValues).
type ExtractFunc func(key, value []byte) []byte

// entry is one fully-materialized (key, value) record, used only
// during the single-page in-memory path and the per-page local sort
// before spilling.
type entry struct {
	key, value []byte
}

// SortKV returns a new KV holding every record of src, ordered by
// cmp applied to extract(key, value). src must already be Complete;
// SortKV does not close it. page is the destination
// container's working page; scratch must be at least one page long
// and is used as re-encoding space while locally sorting each source
// page.
func SortKV(ctx context.Context, src *kv.KV, dstCfg kv.Config, page, scratch []byte, extract ExtractFunc, cmp CompareFunc) (*kv.KV, error) {
	n := src.NumPages()
	if n <= 1 {
		return sortSinglePage(src, dstCfg, page, extract, cmp)
	}
	return sortMultiPage(ctx, src, dstCfg, page, scratch, extract, cmp)
}

func sortSinglePage(src *kv.KV, dstCfg kv.Config, page []byte, extract ExtractFunc, cmp CompareFunc) (*kv.KV, error) {
	dst := kv.New(dstCfg, page)
	if src.NumPages() == 1 {
		buf, desc, err := src.RequestPage(0)
		if err != nil {
			return nil, err
		}
		a := src.Alignment()
		entries := make([]entry, desc.NKey)
		off := 0
		for i := range entries {
			key, value, size := pagebuf.Decode(buf[off:], a)
			entries[i] = entry{append([]byte(nil), key...), append([]byte(nil), value...)}
			off += size
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return cmp(extract(entries[i].key, entries[i].value), extract(entries[j].key, entries[j].value)) < 0
		})
		for _, e := range entries {
			if err := dst.Add(e.key, e.value); err != nil {
				dst.Close()
				return nil, err
			}
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

func sortMultiPage(ctx context.Context, src *kv.KV, dstCfg kv.Config, page, scratch []byte, extract ExtractFunc, cmp CompareFunc) (*kv.KV, error) {
	a := src.Alignment()
	spiller, err := sliceio.NewSpiller(dstCfg.ScratchDir, "sort")
	if err != nil {
		return nil, err
	}
	defer spiller.Cleanup()

	for p := 0; p < src.NumPages(); p++ {
		buf, desc, err := src.RequestPage(p)
		if err != nil {
			return nil, err
		}
		entries := make([]entry, desc.NKey)
		off := 0
		for i := range entries {
			key, value, size := pagebuf.Decode(buf[off:], a)
			entries[i] = entry{append([]byte(nil), key...), append([]byte(nil), value...)}
			off += size
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return cmp(extract(entries[i].key, entries[i].value), extract(entries[j].key, entries[j].value)) < 0
		})
		if len(scratch) < len(buf) {
			return nil, errors.E(errors.Fatal, "sortio: scratch buffer shorter than one page")
		}
		runPage := scratch[:0]
		for _, e := range entries {
			size := pagebuf.EncodedSize(a, len(e.key), len(e.value))
			runPage = runPage[:len(runPage)+size]
			pagebuf.Encode(runPage[len(runPage)-size:], a, e.key, e.value)
		}
		yielded := false
		if _, err := spiller.Spill(ctx, func() (int, []byte, bool) {
			if yielded {
				return 0, nil, false
			}
			yielded = true
			return desc.NKey, runPage, true
		}); err != nil {
			return nil, err
		}
	}

	runs, err := spiller.Readers()
	if err != nil {
		return nil, err
	}
	merge, err := newRunMerger(ctx, runs, a, len(page), extract, cmp)
	if err != nil {
		return nil, err
	}
	dst := kv.New(dstCfg, page)
	for {
		key, value, ok, err := merge.next(ctx)
		if err != nil {
			dst.Close()
			return nil, err
		}
		if !ok {
			break
		}
		if err := dst.Add(key, value); err != nil {
			dst.Close()
			return nil, err
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// runCursor holds the most recently decoded record from one sorted
// run, refilling its page buffer from the underlying Reader as
// records are consumed.
type runCursor struct {
	r        sliceio.Reader
	a        pagebuf.Alignment
	buf      []byte
	off, end int
	eof      bool
	key      []byte
	value    []byte
	size     int
}

func (c *runCursor) advance(ctx context.Context) (bool, error) {
	for c.off >= c.end {
		if c.eof {
			return false, nil
		}
		_, size, err := c.r.ReadPage(ctx, c.buf)
		if err == sliceio.EOF {
			c.eof = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.off, c.end = 0, size
	}
	key, value, size := pagebuf.Decode(c.buf[c.off:c.end], c.a)
	c.key, c.value, c.size = key, value, size
	return true, nil
}

func (c *runCursor) consume() { c.off += c.size }

// cursorHeap orders live runCursors by cmp(extract(cur)), same shape
// as FrameBufferHeap but over runCursors instead of FrameBuffers.
type cursorHeap struct {
	cursors []*runCursor
	extract ExtractFunc
	cmp     CompareFunc
}

func (h *cursorHeap) Len() int { return len(h.cursors) }
func (h *cursorHeap) Less(i, j int) bool {
	a := h.extract(h.cursors[i].key, h.cursors[i].value)
	b := h.extract(h.cursors[j].key, h.cursors[j].value)
	return h.cmp(a, b) < 0
}
func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*runCursor))
}
func (h *cursorHeap) Pop() interface{} {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return c
}

// runMerger performs a k-way merge of already-sorted runs.
type runMerger struct {
	h *cursorHeap
}

func newRunMerger(ctx context.Context, runs []sliceio.Reader, a pagebuf.Alignment, pageSize int, extract ExtractFunc, cmp CompareFunc) (*runMerger, error) {
	h := &cursorHeap{extract: extract, cmp: cmp, cursors: make([]*runCursor, 0, len(runs))}
	for _, r := range runs {
		c := &runCursor{r: r, a: a, buf: make([]byte, pageSize)}
		ok, err := c.advance(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			h.cursors = append(h.cursors, c)
		}
	}
	heap.Init(h)
	return &runMerger{h: h}, nil
}

func (m *runMerger) next(ctx context.Context) (key, value []byte, ok bool, err error) {
	if m.h.Len() == 0 {
		return nil, nil, false, nil
	}
	c := m.h.cursors[0]
	key, value = c.key, c.value
	c.consume()
	more, err := c.advance(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	if more {
		heap.Fix(m.h, 0)
	} else {
		heap.Pop(m.h)
	}
	return key, value, true, nil
}
