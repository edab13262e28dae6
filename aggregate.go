// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/internal/alltoall"
	"github.com/grailbio/bigmr/internal/rankhash"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
)

// Aggregate reshuffles the engine's KV so that every record lands on
// the rank hash(key) selects, replacing the engine's container with
// the locally-received records (spec.md §4.8 aggregate(hash_fn)).
//
// Per SPEC_FULL.md's resolution of spec.md §9's open question, the
// exchange runs for max(NumPages() across every rank) rounds rather
// than stopping once the local page count is exhausted — a rank with
// fewer pages than its busiest peer still participates in every
// round, contributing an empty page, so every rank's Alltoall calls
// stay in lockstep (see internal/alltoall; grounded on
// original_source/new/mapreduce.cpp's MapReduce::aggregate).
func (e *Engine) Aggregate(ctx context.Context, hash rankhash.Func) (uint64, error) {
	if err := e.requireKV("aggregate"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "aggregate")
	if err != nil {
		return 0, err
	}
	if hash == nil {
		hash = e.hash
	}
	src := e.kv
	a := src.Alignment()
	n := e.N()

	maxPages, err := e.group.MaxUint64(ctx, uint64(src.NumPages()))
	if err != nil {
		return 0, err
	}

	dst := kv.New(e.kvConfig(), e.newPage())
	var exch alltoall.Exchanger
	for p := uint64(0); p < maxPages; p++ {
		counts := make([]int, n)
		payload := make([][]byte, n)
		if p < uint64(src.NumPages()) {
			buf, desc, err := src.RequestPage(int(p))
			if err != nil {
				dst.Close()
				return 0, err
			}
			bufs := make([][]byte, n)
			off := 0
			for r := 0; r < desc.NKey; r++ {
				key, _, size := pagebuf.Decode(buf[off:], a)
				d := rankhash.Rank(hash, key, n)
				bufs[d] = append(bufs[d], buf[off:off+size]...)
				counts[d]++
				off += size
			}
			payload = bufs
		}
		recvCounts, recvPayloads, err := exch.Exchange(ctx, e.group, counts, payload)
		if err != nil {
			dst.Close()
			return 0, err
		}
		for s := 0; s < n; s++ {
			if recvCounts[s] == 0 {
				continue
			}
			if err := dst.AddRaw(recvCounts[s], recvPayloads[s]); err != nil {
				dst.Close()
				return 0, err
			}
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	src.Close()
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	e.logf("aggregate: rounds=%d nkv=%d", maxPages, nkv)
	return e.finish(ctx, "aggregate", start, nkv)
}
