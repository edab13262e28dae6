// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/bigmr/kv"
)

// Gather re-bases the engine's KV onto the p surviving ranks [0, p),
// point-to-point (spec.md §4.8 gather(p)): every rank sends its
// records to rank%p, and every surviving rank receives from every
// rank that maps to it. Ranks >= p end the call holding no container
// (state ∅). Kept as a direct point-to-point re-basing rather than
// simplified into an all-to-one collective, per SPEC_FULL.md's
// supplemented feature 2 (original_source/new/mapreduce.cpp's
// MapReduce::gather sends directly to rank % p).
func (e *Engine) Gather(ctx context.Context, p int) (uint64, error) {
	if err := e.requireKV("gather"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "gather")
	if err != nil {
		return 0, err
	}
	n := e.N()
	if p <= 0 || p > n {
		return 0, errors.E(errors.Precondition, "bigmr: gather requires 0 < p <= N")
	}
	src := e.kv
	rank := e.Rank()
	dest := rank % p

	var payload []byte
	var count int
	for pg := 0; pg < src.NumPages(); pg++ {
		buf, desc, err := src.RequestPage(pg)
		if err != nil {
			return 0, err
		}
		payload = append(payload, buf[:desc.AlignSize]...)
		count += desc.NKey
	}
	msg := append(encodeUint64(uint64(count)), payload...)
	if err := e.group.Send(ctx, dest, msg); err != nil {
		return 0, err
	}

	if rank >= p {
		src.Close()
		e.kv = nil
		return e.finish(ctx, "gather", start, 0)
	}

	dst := kv.New(e.kvConfig(), e.newPage())
	for s := 0; s < n; s++ {
		if s%p != rank {
			continue
		}
		data, err := e.group.Recv(ctx, s)
		if err != nil {
			dst.Close()
			return 0, err
		}
		if len(data) < 8 {
			dst.Close()
			return 0, errors.E(errors.Fatal, "bigmr: gather received a truncated message")
		}
		cnt := decodeUint64(data[:8])
		if cnt > 0 {
			if err := dst.AddRaw(int(cnt), data[8:]); err != nil {
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
	return e.finish(ctx, "gather", start, nkv)
}

// Scrunch is gather(p) followed by collapse(key) on the surviving
// ranks (spec.md §4.8 scrunch(p, key)), confirmed by
// original_source/new/mapreduce.cpp's MapReduce::scrunch composing
// exactly these two steps. Ranks >= p hold no container after Gather
// and so cannot call Collapse (it requires a live KV); they instead
// run collapse's collective accounting with a local count of zero, so
// every rank still makes the same sequence of Barrier/SumUint64/Alltoall
// calls that Collapse's callers make.
func (e *Engine) Scrunch(ctx context.Context, p int, key []byte) (uint64, error) {
	if _, err := e.Gather(ctx, p); err != nil {
		return 0, err
	}
	if e.Rank() >= p {
		start, err := e.beginOp(ctx, "collapse")
		if err != nil {
			return 0, err
		}
		return e.finish(ctx, "collapse", start, 0)
	}
	return e.Collapse(ctx, key)
}
