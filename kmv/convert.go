// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/internal/rankhash"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
	"github.com/grailbio/bigmr/sliceio"
)

// initialBuckets is the starting bucket count for Convert's partition
// pass; it doubles on each retry triggered by a bucket overflowing
// the scratch region (spec.md §4.5 step 1).
const initialBuckets = 16

// maxBucketDoublings bounds the retry loop: beyond this, a single
// key's own multivalue is assumed to be the cause (splitting buckets
// further cannot shrink one key's data) and Convert fails fatally.
const maxBucketDoublings = 16

// Convert groups src's records by key (local group-by-key, no
// cross-rank communication) into a new KMV packed into dstPage. Only
// len(scratch) is used: it caps the record bytes one bucket may hold
// during Pass B's in-memory grouping. See spec.md §4.5.
func Convert(ctx context.Context, src *kv.KV, dstCfg Config, dstPage, scratch []byte) (*KMV, error) {
	dir, err := ioutil.TempDir(dstCfg.ScratchDir, fmt.Sprintf("bigmr-convert-%d-%d-", dstCfg.InstanceID, dstCfg.Rank))
	if err != nil {
		return nil, errors.E(errors.Unknown, err)
	}
	defer os.RemoveAll(dir)

	numBuckets := initialBuckets
	for attempt := 0; ; attempt++ {
		paths, err := partition(ctx, src, numBuckets, dir, attempt)
		if err != nil {
			return nil, err
		}
		groups, overflowed, err := readBuckets(ctx, paths, src.Alignment(), src.PageSize(), uint64(len(scratch)))
		if err != nil {
			return nil, err
		}
		if !overflowed {
			dst := New(dstCfg, dstPage)
			for _, order := range groups {
				for _, e := range order {
					if err := emit(dst, e); err != nil {
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
		if attempt >= maxBucketDoublings {
			return nil, errors.E(errors.Invalid,
				"kmv: convert: a single key's grouped values do not fit the scratch region even at the maximum bucket count")
		}
		numBuckets *= 2
	}
}

// partition runs Convert's Pass A: it scans every page of src and
// spills each record into one of numBuckets spool files under dir,
// chosen by hashing the key (spec.md §4.5 step 1).
func partition(ctx context.Context, src *kv.KV, numBuckets int, dir string, attempt int) ([]string, error) {
	paths := make([]string, numBuckets)
	files := make([]*os.File, numBuckets)
	writers := make([]sliceio.Writer, numBuckets)
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()
	for i := range files {
		path := filepath.Join(dir, fmt.Sprintf("bucket-%d-%d", attempt, i))
		f, err := os.Create(path)
		if err != nil {
			return nil, errors.E(errors.Unknown, err)
		}
		paths[i] = path
		files[i] = f
		writers[i] = sliceio.NewWriter(f)
	}

	a := src.Alignment()
	for p := 0; p < src.NumPages(); p++ {
		buf, desc, err := src.RequestPage(p)
		if err != nil {
			return nil, err
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, _, size := pagebuf.Decode(buf[off:], a)
			b := int(rankhash.Bucket(key) % uint32(numBuckets))
			if err := writers[b].WritePage(ctx, 1, buf[off:off+size]); err != nil {
				return nil, err
			}
			off += size
		}
	}
	return paths, nil
}

// groupEntry holds one distinct key's accumulated values during
// Pass B, in insertion order.
type groupEntry struct {
	key    []byte
	values [][]byte
	size   uint64
}

// readBuckets runs the read side of Convert's Pass B concurrently
// across buckets (grounded on exec/bigmachine.go's
// errgroup.WithContext fan-out-and-wait idiom): each bucket's records
// are grouped by key into an ordered slice of groupEntry. If any
// bucket's total record size exceeds scratchCap, overflowed is true
// and the caller must retry with more buckets; no partial emission
// into a destination KMV happens inside this function, since that
// must stay single-threaded against one working page.
func readBuckets(ctx context.Context, paths []string, a pagebuf.Alignment, maxRecordSize int, scratchCap uint64) (groups [][]*groupEntry, overflowed bool, err error) {
	groups = make([][]*groupEntry, len(paths))
	over := make([]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			order, total, err := readBucket(gctx, path, a, maxRecordSize)
			if err != nil {
				return err
			}
			if total > scratchCap {
				over[i] = true
				return nil
			}
			groups[i] = order
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	for _, o := range over {
		if o {
			return nil, true, nil
		}
	}
	return groups, false, nil
}

// readBucket reads every record spilled to path and groups them by
// key, preserving each key's first-seen order and each value's
// insertion order within its key (spec.md §4.5's ordering rule).
// maxRecordSize is the source container's page size, an upper bound
// on any single record's encoded size (spec.md §3.1 invariant 5), so
// one fixed-size buffer suffices for every page in the bucket.
func readBucket(ctx context.Context, path string, a pagebuf.Alignment, maxRecordSize int) ([]*groupEntry, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.E(errors.Unknown, err)
	}
	defer f.Close()
	r := sliceio.NewReader(f)

	index := make(map[string]*groupEntry)
	var order []*groupEntry
	var total uint64
	buf := make([]byte, maxRecordSize)
	for {
		_, size, err := r.ReadPage(ctx, buf)
		if err == sliceio.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		key, value, _ := pagebuf.Decode(buf[:size], a)
		total += uint64(size)
		e, ok := index[string(key)]
		if !ok {
			e = &groupEntry{key: append([]byte(nil), key...)}
			index[string(key)] = e
			order = append(order, e)
		}
		e.values = append(e.values, append([]byte(nil), value...))
		e.size += uint64(len(value))
	}
	return order, total, nil
}

// emit writes one grouped key's record into dst, block-splitting if
// its packed multivalue would not fit a single page (spec.md §4.5
// step 3).
func emit(dst *KMV, e *groupEntry) error {
	sizes := valueSizes(e.values)
	if EncodedSize(dst.cfg.Alignment, len(e.key), sizes) <= dst.pageSize() {
		return dst.addRecord(e.key, sizes, e.values)
	}
	blocks, err := splitBlocks(dst.cfg.Alignment, dst.pageSize(), e.values)
	if err != nil {
		return err
	}
	if err := dst.addBlockHeader(e.key, len(blocks)); err != nil {
		return err
	}
	for _, block := range blocks {
		if err := dst.addBlockPage(valueSizes(block), block); err != nil {
			return err
		}
	}
	return nil
}

func valueSizes(values [][]byte) []int {
	sizes := make([]int, len(values))
	for i, v := range values {
		sizes[i] = len(v)
	}
	return sizes
}

// splitBlocks greedily packs values into the fewest possible blocks
// that each fit a page, in order. It fails if a single value is too
// large to ever fit a block page by itself.
func splitBlocks(a pagebuf.Alignment, pageSize int, values [][]byte) ([][][]byte, error) {
	var blocks [][][]byte
	var cur [][]byte
	var curSizes []int
	for _, v := range values {
		trialSizes := append(append([]int(nil), curSizes...), len(v))
		if EncodedBlockSize(a, trialSizes) > pageSize {
			if len(cur) == 0 {
				return nil, errors.E(errors.Invalid, "kmv: convert: a single value exceeds the page size")
			}
			blocks = append(blocks, cur)
			cur = [][]byte{v}
			curSizes = []int{len(v)}
			continue
		}
		cur = append(cur, v)
		curSizes = trialSizes
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks, nil
}
