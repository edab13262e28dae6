// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"

	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
)

// Map runs fn over task indices [0, n), collecting the records it
// writes into a fresh KV that becomes the engine's container (spec.md
// §4.8 map(n, fn)). If addflag is true, the engine must already hold
// a KV; its records are merged into the new one (a driver-side
// approximation of "continue adding to an open KV", since this package's KV is always completed immediately after each
// operator finishes writing it). Returns the post-operator record
// total across the group.
func (e *Engine) Map(ctx context.Context, n int, addflag bool, fn MapTaskFunc) (uint64, error) {
	var prev *kv.KV
	if addflag {
		if err := e.requireKV("map(addflag)"); err != nil {
			return 0, err
		}
		prev = e.kv
	} else {
		if err := e.requireEmpty("map"); err != nil {
			return 0, err
		}
	}
	start, err := e.beginOp(ctx, "map")
	if err != nil {
		return 0, err
	}
	dst := kv.New(e.kvConfig(), e.newPage())
	err = e.runTasks(ctx, n, func(ctx context.Context, i int) error {
		return fn(ctx, i, dst)
	})
	if err != nil {
		dst.Close()
		return 0, err
	}
	if prev != nil {
		if err := dst.AddFrom(prev); err != nil {
			dst.Close()
			return 0, err
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	if prev != nil {
		prev.Close()
	}
	e.kv = dst
	nkv, _, _, tsize := dst.Totals()
	e.stats.Int("map.nkv").Set(int64(nkv))
	e.logf("map: n=%d nkv=%d tsize=%d", n, nkv, tsize)
	return e.finish(ctx, "map", start, nkv)
}

// MapKV transforms the engine's current KV record by record, writing
// the result into a new KV that replaces it (spec.md §4.8 map(kv,
// fn)).
func (e *Engine) MapKV(ctx context.Context, fn MapKVFunc) (uint64, error) {
	if err := e.requireKV("map(kv)"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "map(kv)")
	if err != nil {
		return 0, err
	}
	src := e.kv
	dst := kv.New(e.kvConfig(), e.newPage())
	a := src.Alignment()
	for p := 0; p < src.NumPages(); p++ {
		buf, desc, err := src.RequestPage(p)
		if err != nil {
			dst.Close()
			return 0, err
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, value, size := pagebuf.Decode(buf[off:], a)
			if err := fn(ctx, key, value, dst); err != nil {
				dst.Close()
				return 0, err
			}
			off += size
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	src.Close()
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "map(kv)", start, nkv)
}

// Add merges other's current KV into this engine's current KV,
// replacing this engine's container with the result (spec.md §4.8
// add(other)). Both engines must currently hold a KV.
func (e *Engine) Add(ctx context.Context, other *Engine) (uint64, error) {
	if err := e.requireKV("add"); err != nil {
		return 0, err
	}
	if err := other.requireKV("add"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "add")
	if err != nil {
		return 0, err
	}
	prev := e.kv
	dst := kv.New(e.kvConfig(), e.newPage())
	if err := dst.AddFrom(prev); err != nil {
		dst.Close()
		return 0, err
	}
	if err := dst.AddFrom(other.kv); err != nil {
		dst.Close()
		return 0, err
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	prev.Close()
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	return e.finish(ctx, "add", start, nkv)
}
