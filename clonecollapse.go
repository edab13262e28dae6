// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/kmv"
)

// Clone converts the engine's KV into a KMV without grouping by key:
// every KV record becomes its own single-value KMV record (spec.md
// §4.8 clone()), replacing the engine's container.
func (e *Engine) Clone(ctx context.Context) (uint64, error) {
	if err := e.requireKV("clone"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "clone")
	if err != nil {
		return 0, err
	}
	src := e.kv
	dst, err := kmv.Clone(src, e.kmvConfig(), e.newPage())
	if err != nil {
		return 0, err
	}
	src.Close()
	e.kv = nil
	e.kmv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "clone", start, nkv)
}

// Collapse converts the engine's KV into a KMV with every record
// assigned the single given key (spec.md §4.8 collapse(key)),
// replacing the engine's container.
func (e *Engine) Collapse(ctx context.Context, key []byte) (uint64, error) {
	if err := e.requireKV("collapse"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "collapse")
	if err != nil {
		return 0, err
	}
	src := e.kv
	dst, err := kmv.Collapse(key, src, e.kmvConfig(), e.newPage())
	if err != nil {
		return 0, err
	}
	src.Close()
	e.kv = nil
	e.kmv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "collapse", start, nkv)
}

// CopyKMV duplicates the engine's KMV, preserving its record
// structure including any block-split records (spec.md §4.8 copy()).
func (e *Engine) CopyKMV(ctx context.Context) (uint64, error) {
	if err := e.requireKMV("copy"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "copy")
	if err != nil {
		return 0, err
	}
	src := e.kmv
	dst, err := kmv.Copy(src, e.kmvConfig(), e.newPage())
	if err != nil {
		return 0, err
	}
	src.Close()
	e.kmv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "copy", start, nkv)
}
