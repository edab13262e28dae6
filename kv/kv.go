// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kv implements the KeyValue container: a multiset of
// (key, value) byte records packed into fixed-size pages, one of
// which resides in memory at a time while the rest spill to a
// per-container file. See spec.md §3.2 and §4.3-§4.4.
package kv

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/pagebuf"
)

// Config bundles the per-instance settings a KV needs: the record
// alignment it packs to, where its spill file lives, and the
// identifiers (engine instance, rank) that make its spill filename
// unique across a run (spec.md §6.4).
type Config struct {
	Alignment  pagebuf.Alignment
	ScratchDir string
	InstanceID uint64
	Rank       int
}

// spillPath returns the deterministic spill filename for a container
// of the given kind ("kv" or "kmv") under cfg, per spec.md §6.4's
// <fpath>/<container_kind>.<engine_instance>.<rank> convention.
func spillPath(cfg Config, kind string) string {
	return filepath.Join(cfg.ScratchDir, fmt.Sprintf("%s.%d.%d", kind, cfg.InstanceID, cfg.Rank))
}

// A KV is a KeyValue container. The zero value is not usable; create
// one with New.
type KV struct {
	cfg  Config
	page []byte

	// in-memory working page state.
	nkey               int
	keysize, valuesize uint64
	alignsize          uint64

	pages []Page
	spill *spillFile

	completed bool
	// loadedPage is the index into pages whose bytes are currently
	// resident in page, or -1 if none are (the working buffer holds
	// data belonging to no completed page, or no page has been loaded
	// since Complete).
	loadedPage int

	nkv, ksize, vsize, tsize uint64
}

// New creates an empty KV that packs records into page (one quarter
// of the engine's memory slab, per spec.md §4.1) using cfg's
// alignment and spill-file naming.
func New(cfg Config, page []byte) *KV {
	return &KV{
		cfg:        cfg,
		page:       page,
		spill:      newSpillFile(spillPath(cfg, "kv")),
		loadedPage: -1,
	}
}

// Alignment returns the record alignment this KV packs to.
func (kv *KV) Alignment() pagebuf.Alignment { return kv.cfg.Alignment }

func (kv *KV) pageSize() int { return len(kv.page) }

// PageSize returns the size in bytes of the container's working
// page, i.e. the hard ceiling on any single record's encoded size.
func (kv *KV) PageSize() int { return kv.pageSize() }

// createPage builds a Page descriptor for the current working page's
// contents, chaining its FileOffset onto the previous page's.
func (kv *KV) createPage() Page {
	exact := uint64(kv.nkey)*8 + kv.keysize + kv.valuesize
	filesize := int64(pagebuf.RoundUpFile(int(kv.alignsize)))
	var fileoffset int64
	if n := len(kv.pages); n > 0 {
		prev := kv.pages[n-1]
		fileoffset = prev.FileOffset + prev.FileSize
	}
	return Page{
		NKey:       kv.nkey,
		KeySize:    kv.keysize,
		ValueSize:  kv.valuesize,
		ExactSize:  exact,
		AlignSize:  kv.alignsize,
		FileSize:   filesize,
		FileOffset: fileoffset,
	}
}

func (kv *KV) initPage() {
	kv.nkey = 0
	kv.keysize, kv.valuesize, kv.alignsize = 0, 0, 0
}

// flush spills the current working page to disk, appends its
// descriptor, and resets the working page state.
func (kv *KV) flush() error {
	desc := kv.createPage()
	if err := kv.spill.writePage(kv.page, desc); err != nil {
		return err
	}
	kv.pages = append(kv.pages, desc)
	kv.initPage()
	return nil
}

// Add appends one (key, value) record, spilling the current page
// first if it would overflow. It is a Precondition error (spec.md §7)
// to call Add after Complete, and an Invalid error to add a single
// record whose aligned size exceeds the page size.
func (kv *KV) Add(key, value []byte) error {
	if kv.completed {
		return errors.E(errors.Precondition, "kv: Add called after Complete")
	}
	size := pagebuf.EncodedSize(kv.cfg.Alignment, len(key), len(value))
	if kv.alignsize+uint64(size) > uint64(kv.pageSize()) || kv.nkey == math.MaxInt32 {
		if kv.alignsize == 0 {
			return errors.E(errors.Invalid,
				fmt.Sprintf("kv: record of %d bytes exceeds page size %d", size, kv.pageSize()))
		}
		if err := kv.flush(); err != nil {
			return err
		}
		return kv.Add(key, value)
	}
	pagebuf.Encode(kv.page[kv.alignsize:], kv.cfg.Alignment, key, value)
	kv.nkey++
	kv.keysize += uint64(len(key))
	kv.valuesize += uint64(len(value))
	kv.alignsize += uint64(size)
	return nil
}

// AddN appends a slice of (key, value) pairs in order.
func (kv *KV) AddN(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return errors.E(errors.Precondition, "kv: AddN given mismatched key/value slice lengths")
	}
	for i := range keys {
		if err := kv.Add(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

// AddRaw bulk-adds n pre-encoded records (packed with this KV's
// alignment, back to back, with no padding between them) from buf.
// It scans forward filling the current page, flushing and
// continuing whenever a page would overflow, rather than decoding
// and re-adding each record individually. Grounded on
// KeyValue::add(int, char*, uint64_t, uint64_t, uint64_t) in the
// original implementation.
func (kv *KV) AddRaw(n int, buf []byte) error {
	if kv.completed {
		return errors.E(errors.Precondition, "kv: AddRaw called after Complete")
	}
	off := 0
	remaining := n
	for remaining > 0 {
		avail := uint64(kv.pageSize()) - kv.alignsize
		chunkStart := off
		chunkCount := 0
		var chunkKeySize, chunkValSize, used uint64
		for chunkCount < remaining {
			keyLen, valLen := pagebuf.PeekLengths(buf[off:])
			size := pagebuf.EncodedSize(kv.cfg.Alignment, keyLen, valLen)
			if uint64(size) > uint64(kv.pageSize()) {
				return errors.E(errors.Invalid,
					fmt.Sprintf("kv: record of %d bytes exceeds page size %d", size, kv.pageSize()))
			}
			if used+uint64(size) > avail {
				break
			}
			used += uint64(size)
			chunkKeySize += uint64(keyLen)
			chunkValSize += uint64(valLen)
			off += size
			chunkCount++
		}
		if chunkCount > 0 {
			copy(kv.page[kv.alignsize:], buf[chunkStart:off])
			kv.nkey += chunkCount
			kv.keysize += chunkKeySize
			kv.valuesize += chunkValSize
			kv.alignsize += used
			remaining -= chunkCount
			continue
		}
		// No record fit in the remaining space of a non-empty page;
		// flush it and retry the same record against a fresh page.
		if kv.alignsize == 0 {
			return errors.E(errors.Invalid, "kv: record exceeds page size")
		}
		if err := kv.flush(); err != nil {
			return err
		}
	}
	return nil
}

// AddFrom copies every record of other into kv, page by page. When
// both containers share the same alignment it bulk-copies each page
// via AddRaw; otherwise it decodes and re-adds each record
// individually, since the padding offsets differ. other must have
// already been completed and must not be kv itself.
func (kv *KV) AddFrom(other *KV) error {
	if other == kv {
		return errors.E(errors.Precondition, "kv: cannot AddFrom self")
	}
	n := other.NumPages()
	sameAlign := kv.cfg.Alignment == other.cfg.Alignment
	for i := 0; i < n; i++ {
		buf, desc, err := other.RequestPage(i)
		if err != nil {
			return err
		}
		if sameAlign {
			if err := kv.AddRaw(desc.NKey, buf); err != nil {
				return err
			}
			continue
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, value, size := pagebuf.Decode(buf[off:], other.cfg.Alignment)
			if err := kv.Add(key, value); err != nil {
				return err
			}
			off += size
		}
	}
	return nil
}

// Complete flushes the final working page, closes the spill file (if
// one was opened), and computes the container's rolling totals. It
// is a Precondition error to call Complete twice.
func (kv *KV) Complete() error {
	if kv.completed {
		return errors.E(errors.Precondition, "kv: Complete called twice")
	}
	desc := kv.createPage()
	if kv.spill.opened() {
		if err := kv.spill.writePage(kv.page, desc); err != nil {
			return err
		}
		if err := kv.spill.close(); err != nil {
			return err
		}
		kv.loadedPage = -1
	} else {
		// Never spilled: the only page is still resident in page.
		kv.loadedPage = 0
	}
	kv.pages = append(kv.pages, desc)
	kv.completed = true

	var nkv, ksize, vsize, tsize uint64
	for _, p := range kv.pages {
		nkv += uint64(p.NKey)
		ksize += p.KeySize
		vsize += p.ValueSize
		tsize += p.ExactSize
	}
	kv.nkv, kv.ksize, kv.vsize, kv.tsize = nkv, ksize, vsize, tsize
	return nil
}

// NumPages returns the number of pages in the container. Valid only
// after Complete.
func (kv *KV) NumPages() int { return len(kv.pages) }

// RequestPage loads page i into the working buffer (opening and
// seeking the spill file if necessary) and returns its bytes (sized
// to the page's AlignSize) along with its descriptor. The spill file
// is closed once the last page has been requested, matching the
// original's "close after last page" discipline. Valid only after
// Complete.
func (kv *KV) RequestPage(i int) ([]byte, Page, error) {
	if !kv.completed {
		return nil, Page{}, errors.E(errors.Precondition, "kv: RequestPage called before Complete")
	}
	if i < 0 || i >= len(kv.pages) {
		return nil, Page{}, errors.E(errors.Precondition, fmt.Sprintf("kv: page index %d out of range [0,%d)", i, len(kv.pages)))
	}
	desc := kv.pages[i]
	if kv.loadedPage != i {
		if err := kv.spill.readPage(kv.page, desc); err != nil {
			return nil, Page{}, err
		}
		kv.loadedPage = i
	}
	if i == len(kv.pages)-1 {
		if err := kv.spill.close(); err != nil {
			return nil, Page{}, err
		}
	}
	return kv.page[:desc.AlignSize], desc, nil
}

// Totals returns the container's rolling (nkv, ksize, vsize, tsize)
// per spec.md §3.2. Valid only after Complete.
func (kv *KV) Totals() (nkv, ksize, vsize, tsize uint64) {
	return kv.nkv, kv.ksize, kv.vsize, kv.tsize
}

// Close removes the container's spill file, if one was created. It
// is safe to call on a container that never spilled.
func (kv *KV) Close() error {
	return kv.spill.remove()
}
