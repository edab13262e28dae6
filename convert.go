// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/internal/rankhash"
	"github.com/grailbio/bigmr/kmv"
)

// Convert groups the engine's KV by key into a KMV, replacing the
// engine's container (spec.md §4.8 convert()). The grouping is local:
// Convert does not move records across ranks, so it is typically
// preceded by Aggregate (their composition is Collate).
func (e *Engine) Convert(ctx context.Context) (uint64, error) {
	if err := e.requireKV("convert"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "convert")
	if err != nil {
		return 0, err
	}
	src := e.kv
	dst, err := kmv.Convert(ctx, src, e.kmvConfig(), e.newPage(), e.slab.Scratch())
	if err != nil {
		return 0, err
	}
	src.Close()
	e.kv = nil
	e.kmv = dst
	nkv, _, _, _ := dst.Totals()
	e.logf("convert: distinct keys=%d", nkv)
	return e.finish(ctx, "convert", start, nkv)
}

// Collate is aggregate(hash) followed by convert(): the common
// shuffle-then-group-by-key composition (spec.md §4.8 collate(hash_fn)).
func (e *Engine) Collate(ctx context.Context, hash rankhash.Func) (uint64, error) {
	if _, err := e.Aggregate(ctx, hash); err != nil {
		return 0, err
	}
	return e.Convert(ctx)
}
