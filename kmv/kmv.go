// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmv implements the KeyMultiValue container: one record per
// distinct key, holding every value associated with that key. A KMV
// is produced from a KV by Convert (local group-by-key), Clone,
// Collapse, or Copy, and consumed by Reduce/Compress/SortMultivalues.
// See spec.md §3.3, §4.5, §4.6.
package kmv

import (
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/pagebuf"
)

// Config mirrors kv.Config: the alignment a KMV packs to and the
// identifiers that make its spill filename unique.
type Config struct {
	Alignment  pagebuf.Alignment
	ScratchDir string
	InstanceID uint64
	Rank       int
}

func spillPath(cfg Config, kind string) string {
	return filepath.Join(cfg.ScratchDir, fmt.Sprintf("%s.%d.%d", kind, cfg.InstanceID, cfg.Rank))
}

// A KMV is a KeyMultiValue container. Construct with New; populate it
// with Convert, Clone, Collapse, or Copy (see convert.go, clone.go);
// then Complete it before iterating.
type KMV struct {
	cfg  Config
	page []byte

	nkey                        int
	keysize, multivaluesize     uint64
	alignsize                   uint64

	pages []Page
	spill *spillFile

	completed  bool
	loadedPage int

	nkv, ksize, vsize, tsize uint64
}

// New creates an empty KMV that packs records into page using cfg's
// alignment and spill-file naming.
func New(cfg Config, page []byte) *KMV {
	return &KMV{
		cfg:        cfg,
		page:       page,
		spill:      newSpillFile(spillPath(cfg, "kmv")),
		loadedPage: -1,
	}
}

// Alignment returns the record alignment this KMV packs to.
func (k *KMV) Alignment() pagebuf.Alignment { return k.cfg.Alignment }

func (k *KMV) pageSize() int { return len(k.page) }

func (k *KMV) createPage() Page {
	exact := uint64(k.nkey)*recordHeaderSize + k.keysize + k.multivaluesize
	filesize := int64(pagebuf.RoundUpFile(int(k.alignsize)))
	var fileoffset int64
	if n := len(k.pages); n > 0 {
		prev := k.pages[n-1]
		fileoffset = prev.FileOffset + prev.FileSize
	}
	return Page{
		NKey:           k.nkey,
		KeySize:        k.keysize,
		MultivalueSize: k.multivaluesize,
		ExactSize:      exact,
		AlignSize:      k.alignsize,
		FileSize:       filesize,
		FileOffset:     fileoffset,
	}
}

func (k *KMV) initPage() {
	k.nkey = 0
	k.keysize, k.multivaluesize, k.alignsize = 0, 0, 0
}

func (k *KMV) flush() error {
	desc := k.createPage()
	if err := k.spill.writePage(k.page, desc); err != nil {
		return err
	}
	k.pages = append(k.pages, desc)
	k.initPage()
	return nil
}

// addRecord appends one non-block-split (key, multivalue) record,
// flushing the current page first if necessary.
func (k *KMV) addRecord(key []byte, valueSizes []int, values [][]byte) error {
	if k.completed {
		return errors.E(errors.Precondition, "kmv: add called after Complete")
	}
	size := EncodedSize(k.cfg.Alignment, len(key), valueSizes)
	if k.alignsize+uint64(size) > uint64(k.pageSize()) {
		if k.alignsize == 0 {
			return errors.E(errors.Invalid,
				fmt.Sprintf("kmv: record of %d bytes exceeds page size %d", size, k.pageSize()))
		}
		if err := k.flush(); err != nil {
			return err
		}
		return k.addRecord(key, valueSizes, values)
	}
	Encode(k.page[k.alignsize:], k.cfg.Alignment, key, valueSizes, values)
	k.nkey++
	k.keysize += uint64(len(key))
	k.multivaluesize += uint64(sumInts(valueSizes))
	k.alignsize += uint64(size)
	return nil
}

// addBlockHeader appends a block-split record's header (key only,
// nvalues = -blockCount), then forces a page flush so that the
// blockCount block pages that follow begin at the very next page
// (spec.md §4.5 item 3; multivalue_block() in
// original_source/new/mapreduce.cpp assumes the blocks immediately
// follow their header's page).
func (k *KMV) addBlockHeader(key []byte, blockCount int) error {
	if k.completed {
		return errors.E(errors.Precondition, "kmv: add called after Complete")
	}
	size := EncodedHeaderOnlySize(k.cfg.Alignment, len(key))
	if k.alignsize+uint64(size) > uint64(k.pageSize()) {
		if k.alignsize == 0 {
			return errors.E(errors.Invalid,
				fmt.Sprintf("kmv: header record of %d bytes exceeds page size %d", size, k.pageSize()))
		}
		if err := k.flush(); err != nil {
			return err
		}
		return k.addBlockHeader(key, blockCount)
	}
	EncodeHeaderOnly(k.page[k.alignsize:], k.cfg.Alignment, key, blockCount)
	k.nkey++
	k.keysize += uint64(len(key))
	k.alignsize += uint64(size)
	return k.flush()
}

// addBlockPage appends one dedicated block page holding a slice of a
// block-split key's values. It first flushes any page content
// already pending, since a block page must occupy a page by itself.
func (k *KMV) addBlockPage(valueSizes []int, values [][]byte) error {
	if k.completed {
		return errors.E(errors.Precondition, "kmv: add called after Complete")
	}
	if k.alignsize > 0 {
		if err := k.flush(); err != nil {
			return err
		}
	}
	size := EncodedBlockSize(k.cfg.Alignment, valueSizes)
	if size > k.pageSize() {
		return errors.E(errors.Invalid,
			fmt.Sprintf("kmv: block page of %d bytes exceeds page size %d", size, k.pageSize()))
	}
	EncodeBlock(k.page, k.cfg.Alignment, valueSizes, values)
	k.multivaluesize += uint64(sumInts(valueSizes))
	k.alignsize = uint64(size)
	return k.flush()
}

// Add writes one key's full value list into the container,
// block-splitting across dedicated block pages if the packed
// multivalue would not fit a single page. This is the public
// counterpart of emit (convert.go), exported for callers outside the
// package that build a KMV record by record, such as
// SortMultivalues.
func (k *KMV) Add(key []byte, values [][]byte) error {
	sizes := valueSizes(values)
	if EncodedSize(k.cfg.Alignment, len(key), sizes) <= k.pageSize() {
		return k.addRecord(key, sizes, values)
	}
	blocks, err := splitBlocks(k.cfg.Alignment, k.pageSize(), values)
	if err != nil {
		return err
	}
	if err := k.addBlockHeader(key, len(blocks)); err != nil {
		return err
	}
	for _, block := range blocks {
		if err := k.addBlockPage(valueSizes(block), block); err != nil {
			return err
		}
	}
	return nil
}

// Complete flushes the final working page (appending it even when it
// holds no records), closes the spill file, and computes rolling
// totals.
func (k *KMV) Complete() error {
	if k.completed {
		return errors.E(errors.Precondition, "kmv: Complete called twice")
	}
	desc := k.createPage()
	if k.spill.opened() {
		if err := k.spill.writePage(k.page, desc); err != nil {
			return err
		}
		if err := k.spill.close(); err != nil {
			return err
		}
		k.loadedPage = -1
	} else {
		// Never spilled: the only page is still resident in page.
		k.loadedPage = 0
	}
	k.pages = append(k.pages, desc)
	k.completed = true

	var nkv, ksize, vsize, tsize uint64
	for _, p := range k.pages {
		nkv += uint64(p.NKey)
		ksize += p.KeySize
		vsize += p.MultivalueSize
		tsize += p.ExactSize
	}
	k.nkv, k.ksize, k.vsize, k.tsize = nkv, ksize, vsize, tsize
	return nil
}

// NumPages returns the number of pages in the container, including
// block pages. Valid only after Complete.
func (k *KMV) NumPages() int { return len(k.pages) }

// RequestPage loads page i into the working buffer and returns its
// bytes along with its descriptor, closing the spill file once the
// last page has been requested. Valid only after Complete.
func (k *KMV) RequestPage(i int) ([]byte, Page, error) {
	if !k.completed {
		return nil, Page{}, errors.E(errors.Precondition, "kmv: RequestPage called before Complete")
	}
	if i < 0 || i >= len(k.pages) {
		return nil, Page{}, errors.E(errors.Precondition, fmt.Sprintf("kmv: page index %d out of range [0,%d)", i, len(k.pages)))
	}
	desc := k.pages[i]
	if k.loadedPage != i {
		if err := k.spill.readPage(k.page, desc); err != nil {
			return nil, Page{}, err
		}
		k.loadedPage = i
	}
	if i == len(k.pages)-1 {
		if err := k.spill.close(); err != nil {
			return nil, Page{}, err
		}
	}
	return k.page[:desc.AlignSize], desc, nil
}

// Totals returns the container's rolling (nkv, ksize, vsize, tsize).
// nkv counts KMV records (header records), not raw KV records; after
// Convert that is one per distinct key, after Clone one per source
// record.
// Valid only after Complete.
func (k *KMV) Totals() (nkv, ksize, vsize, tsize uint64) {
	return k.nkv, k.ksize, k.vsize, k.tsize
}

// Close removes the container's spill file, if one was created.
func (k *KMV) Close() error {
	return k.spill.remove()
}
