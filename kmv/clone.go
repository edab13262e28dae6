// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
)

// Clone emits one KMV record per KV record of src, each holding a
// single value (nvalues = 1). It never block-splits, since a single
// KV record's encoded size is already bounded by the page size
// (spec.md §4.6).
func Clone(src *kv.KV, dstCfg Config, dstPage []byte) (*KMV, error) {
	dst := New(dstCfg, dstPage)
	a := src.Alignment()
	for p := 0; p < src.NumPages(); p++ {
		buf, desc, err := src.RequestPage(p)
		if err != nil {
			dst.Close()
			return nil, err
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, value, size := pagebuf.Decode(buf[off:], a)
			if err := dst.addRecord(key, []int{len(value)}, [][]byte{value}); err != nil {
				dst.Close()
				return nil, err
			}
			off += size
		}
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// Collapse emits a single KMV record keyed by the supplied constant
// key, whose multivalue holds one value per record of src: each
// value is that record's own raw KV-encoded (key_bytes, value_bytes)
// pair, still padded per src's own alignment (spec.md §4.6's
// "alternating key_bytes, value_bytes laid out with KV alignment").
// It block-splits if the combined multivalue does not fit one page.
func Collapse(key []byte, src *kv.KV, dstCfg Config, dstPage []byte) (*KMV, error) {
	dst := New(dstCfg, dstPage)
	var values [][]byte
	for p := 0; p < src.NumPages(); p++ {
		buf, desc, err := src.RequestPage(p)
		if err != nil {
			dst.Close()
			return nil, err
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			_, _, size := pagebuf.Decode(buf[off:], src.Alignment())
			values = append(values, append([]byte(nil), buf[off:off+size]...))
			off += size
		}
	}

	sizes := valueSizes(values)
	if EncodedSize(dst.cfg.Alignment, len(key), sizes) <= dst.pageSize() {
		if err := dst.addRecord(key, sizes, values); err != nil {
			dst.Close()
			return nil, err
		}
	} else {
		blocks, err := splitBlocks(dst.cfg.Alignment, dst.pageSize(), values)
		if err != nil {
			dst.Close()
			return nil, err
		}
		if err := dst.addBlockHeader(key, len(blocks)); err != nil {
			dst.Close()
			return nil, err
		}
		for _, block := range blocks {
			if err := dst.addBlockPage(valueSizes(block), block); err != nil {
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

// Copy duplicates src page by page into a fresh KMV, recomputing each
// page's file offset as it goes (spec.md §4.6's "page-by-page byte
// copy with fixups to page descriptors"). src and dst must share the
// same alignment.
func Copy(src *KMV, dstCfg Config, dstPage []byte) (*KMV, error) {
	if src.cfg.Alignment != dstCfg.Alignment {
		return nil, errors.E(errors.Precondition, "kmv: Copy requires matching source and destination alignment")
	}
	dst := New(dstCfg, dstPage)
	n := src.NumPages()
	if n == 0 {
		if err := dst.Complete(); err != nil {
			dst.Close()
			return nil, err
		}
		return dst, nil
	}
	for i := 0; i < n-1; i++ {
		buf, desc, err := src.RequestPage(i)
		if err != nil {
			dst.Close()
			return nil, err
		}
		if err := dst.copyPage(buf, desc); err != nil {
			dst.Close()
			return nil, err
		}
	}
	buf, desc, err := src.RequestPage(n - 1)
	if err != nil {
		dst.Close()
		return nil, err
	}
	copy(dst.page, buf)
	dst.nkey = desc.NKey
	dst.keysize = desc.KeySize
	dst.multivaluesize = desc.MultivalueSize
	dst.alignsize = desc.AlignSize
	if err := dst.Complete(); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// copyPage appends a verbatim page (already aligned to dst's page
// size) to the spill file, recomputing its FileOffset from the
// previous page rather than trusting the source's own offset.
func (k *KMV) copyPage(buf []byte, desc Page) error {
	newDesc := desc
	newDesc.FileOffset = 0
	if n := len(k.pages); n > 0 {
		prev := k.pages[n-1]
		newDesc.FileOffset = prev.FileOffset + prev.FileSize
	}
	copy(k.page, buf)
	if err := k.spill.writePage(k.page, newDesc); err != nil {
		return err
	}
	k.pages = append(k.pages, newDesc)
	return nil
}
