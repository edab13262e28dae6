// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kv

// A Page describes one page of a KV container: either the in-memory
// working page or a page that has been spilled to the container's
// file. Page carries only the bookkeeping a consumer needs to read the
// page back; the record bytes themselves live in the working buffer
// (RequestPage) or on disk.
type Page struct {
	// NKey is the number of records on the page.
	NKey int
	// KeySize and ValueSize are the exact (unaligned) byte totals of
	// all keys and all values on the page.
	KeySize, ValueSize uint64
	// ExactSize is NKey*8 + KeySize + ValueSize: the page's content
	// size before any alignment padding.
	ExactSize uint64
	// AlignSize is the page's size including per-record alignment
	// padding, i.e. the number of meaningful bytes in the working
	// buffer for this page.
	AlignSize uint64
	// FileSize is AlignSize rounded up to pagebuf.FileAlignment: the
	// size of this page's slot in the spill file. Reads and writes of
	// the page cover FileSize bytes, or the whole working page if that
	// is shorter.
	FileSize int64
	// FileOffset is the cumulative FileSize of every preceding page,
	// i.e. this page's byte offset within the container's spill file.
	FileOffset int64
}
