// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/kv"
)

// Reduce consumes the engine's KMV record by record, calling fn once
// per distinct key with that key's grouped values, and collects fn's
// output into a new KV that replaces the engine's container (spec.md
// §4.8 reduce(fn)).
func (e *Engine) Reduce(ctx context.Context, fn ReduceFunc) (uint64, error) {
	if err := e.requireKMV("reduce"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "reduce")
	if err != nil {
		return 0, err
	}
	src := e.kmv
	dst := kv.New(e.kvConfig(), e.newPage())
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
		mv := &Multivalue{rec: rec, it: it}
		if err := fn(ctx, rec.Key, mv, dst); err != nil {
			dst.Close()
			return 0, err
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	src.Close()
	e.kmv = nil
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	e.logf("reduce: output records=%d", nkv)
	return e.finish(ctx, "reduce", start, nkv)
}

// Compress is reduce(fn) applied to a local convert() of the
// engine's KV: it groups by key without moving records across ranks,
// then folds each key's values with fn, replacing the engine's KV
// with the result (spec.md §4.8 compress(fn)).
func (e *Engine) Compress(ctx context.Context, fn CompressFunc) (uint64, error) {
	if err := e.requireKV("compress"); err != nil {
		return 0, err
	}
	if _, err := e.Convert(ctx); err != nil {
		return 0, err
	}
	return e.Reduce(ctx, fn)
}
