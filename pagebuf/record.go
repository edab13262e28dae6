// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagebuf

import "encoding/binary"

// headerSize is the size in bytes of a record's (keybytes, valuebytes)
// int32 length prefix (spec.md §3.1 steps 1-2).
const headerSize = 8

// EncodedSize returns the page-aligned size in bytes that a record with
// the given key and value lengths occupies, per the layout in spec.md
// §3.1: int32 keybytes, int32 valuebytes, pad to kalign, key, pad to
// valign, value, pad to talign.
func EncodedSize(a Alignment, keyLen, valueLen int) int {
	n := headerSize
	n = RoundUp(n, a.Key) + keyLen
	n = RoundUp(n, a.Value) + valueLen
	return RoundUp(n, a.Record)
}

// Encode writes one record to the front of buf and returns the number
// of bytes written (equal to EncodedSize(a, len(key), len(value))).
// buf must be at least that long; Encode does not bounds-check beyond
// what a slice index panic would already catch, mirroring the
// original's unchecked pointer arithmetic — callers (kv.KV) are
// responsible for sizing buf correctly before calling Encode.
func Encode(buf []byte, a Alignment, key, value []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(value)))
	koff := RoundUp(headerSize, a.Key)
	copy(buf[koff:], key)
	voff := RoundUp(koff+len(key), a.Value)
	copy(buf[voff:], value)
	return RoundUp(voff+len(value), a.Record)
}

// Decode reads one record from the front of buf, returning borrowed
// (zero-copy) subslices for the key and value and the total number of
// bytes the record occupies (its aligned size). Callers must not
// retain the returned slices past the lifetime of the page they came
// from, matching the borrowed-pointer contract in spec.md §6.1.
func Decode(buf []byte, a Alignment) (key, value []byte, size int) {
	keyLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	valueLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	koff := RoundUp(headerSize, a.Key)
	key = buf[koff : koff+keyLen]
	voff := RoundUp(koff+keyLen, a.Value)
	value = buf[voff : voff+valueLen]
	size = RoundUp(voff+valueLen, a.Record)
	return key, value, size
}

// PeekLengths reads just the (keybytes, valuebytes) header of the
// record at the front of buf, without decoding the key or value. It is
// used by code that only needs to compute a record's size (e.g. the
// raw-buffer scan in kv.KV.AddRaw).
func PeekLengths(buf []byte) (keyLen, valueLen int) {
	return int(binary.LittleEndian.Uint32(buf[0:4])), int(binary.LittleEndian.Uint32(buf[4:8]))
}
