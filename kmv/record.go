// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"encoding/binary"

	"github.com/grailbio/bigmr/pagebuf"
)

// recordHeaderSize is the size of a KMV record's fixed
// (keybytes, multivaluebytes, nvalues) int32 triple, per spec.md §3.3.
const recordHeaderSize = 12

// blockHeaderSize is the size of a block page's leading int32
// block_nvalues field.
const blockHeaderSize = 4

// EncodedSize returns the page-aligned size of a non-block-split KMV
// record holding a key of keyLen bytes and values of the given sizes.
func EncodedSize(a pagebuf.Alignment, keyLen int, valueSizes []int) int {
	n := recordHeaderSize + 4*len(valueSizes)
	n = pagebuf.RoundUp(n, a.Key) + keyLen
	n = pagebuf.RoundUp(n, a.Value) + sumInts(valueSizes)
	return pagebuf.RoundUp(n, a.Record)
}

// EncodedHeaderOnlySize returns the page-aligned size of a
// block-split record's header page, which carries only the key
// (spec.md §3.3 item 5).
func EncodedHeaderOnlySize(a pagebuf.Alignment, keyLen int) int {
	n := pagebuf.RoundUp(recordHeaderSize, a.Key) + keyLen
	return pagebuf.RoundUp(n, a.Record)
}

// EncodedBlockSize returns the page-aligned size of one block page
// holding values of the given sizes.
func EncodedBlockSize(a pagebuf.Alignment, valueSizes []int) int {
	n := blockHeaderSize + 4*len(valueSizes)
	n = pagebuf.RoundUp(n, a.Value) + sumInts(valueSizes)
	return pagebuf.RoundUp(n, a.Record)
}

// Encode writes one non-block-split record (key plus its full
// multivalue) to the front of buf and returns its encoded size.
func Encode(buf []byte, a pagebuf.Alignment, key []byte, valueSizes []int, values [][]byte) int {
	mvBytes := sumInts(valueSizes)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(mvBytes))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(valueSizes)))
	off := recordHeaderSize
	for _, sz := range valueSizes {
		binary.LittleEndian.PutUint32(buf[off:], uint32(sz))
		off += 4
	}
	koff := pagebuf.RoundUp(off, a.Key)
	copy(buf[koff:], key)
	voff := pagebuf.RoundUp(koff+len(key), a.Value)
	p := voff
	for _, v := range values {
		copy(buf[p:], v)
		p += len(v)
	}
	return pagebuf.RoundUp(p, a.Record)
}

// EncodeHeaderOnly writes a block-split record's header page: just
// the key, with nvalues set to -blockCount (spec.md §3.3 item 5).
func EncodeHeaderOnly(buf []byte, a pagebuf.Alignment, key []byte, blockCount int) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(-blockCount)))
	koff := pagebuf.RoundUp(recordHeaderSize, a.Key)
	copy(buf[koff:], key)
	return pagebuf.RoundUp(koff+len(key), a.Record)
}

// EncodeBlock writes one block page: block_nvalues, valuesizes[],
// pad to valign, concatenated values (spec.md §3.3 item 5,
// cross-checked against multivalue_block() in
// original_source/new/mapreduce.cpp).
func EncodeBlock(buf []byte, a pagebuf.Alignment, valueSizes []int, values [][]byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(valueSizes)))
	off := blockHeaderSize
	for _, sz := range valueSizes {
		binary.LittleEndian.PutUint32(buf[off:], uint32(sz))
		off += 4
	}
	voff := pagebuf.RoundUp(off, a.Value)
	p := voff
	for _, v := range values {
		copy(buf[p:], v)
		p += len(v)
	}
	return pagebuf.RoundUp(p, a.Record)
}

// Record is a decoded KMV record. For a block-split record (NValues
// < 0), ValueSizes and Multivalue are nil; the caller must pull the
// key's values via an Iterator's MultivalueBlocks/MultivalueBlock.
type Record struct {
	Key        []byte
	NValues    int
	ValueSizes []int
	Multivalue []byte
}

// Decode reads one record from the front of buf and returns it along
// with its encoded size.
func Decode(buf []byte, a pagebuf.Alignment) (Record, int) {
	keyLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	mvBytes := int(binary.LittleEndian.Uint32(buf[4:8]))
	nvalues := int(int32(binary.LittleEndian.Uint32(buf[8:12])))

	if nvalues <= 0 {
		koff := pagebuf.RoundUp(recordHeaderSize, a.Key)
		key := buf[koff : koff+keyLen]
		size := pagebuf.RoundUp(koff+keyLen, a.Record)
		return Record{Key: key, NValues: nvalues}, size
	}

	off := recordHeaderSize
	sizes := make([]int, nvalues)
	for i := range sizes {
		sizes[i] = int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	koff := pagebuf.RoundUp(off, a.Key)
	key := buf[koff : koff+keyLen]
	voff := pagebuf.RoundUp(koff+keyLen, a.Value)
	mv := buf[voff : voff+mvBytes]
	size := pagebuf.RoundUp(voff+mvBytes, a.Record)
	return Record{Key: key, NValues: nvalues, ValueSizes: sizes, Multivalue: mv}, size
}

// DecodeBlock reads one block page from the front of buf, returning
// its value sizes and concatenated multivalue bytes.
func DecodeBlock(buf []byte, a pagebuf.Alignment) (sizes []int, mv []byte) {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := blockHeaderSize
	sizes = make([]int, n)
	for i := range sizes {
		sizes[i] = int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	voff := pagebuf.RoundUp(off, a.Value)
	mv = buf[voff : voff+sumInts(sizes)]
	return sizes, mv
}

func sumInts(sizes []int) int {
	var n int
	for _, s := range sizes {
		n += s
	}
	return n
}
