// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

// A Page describes one page of a KMV container. Most pages hold one
// or more header records (NKey counts them); a block page (written
// as part of a block-split key's value sequence) holds no header
// records of its own — NKey is 0 — but still occupies a full page
// slot in the container's page list, immediately following the
// header page that declared it.
type Page struct {
	NKey             int
	KeySize          uint64
	MultivalueSize   uint64
	ExactSize        uint64
	AlignSize        uint64
	FileSize         int64
	FileOffset       int64
}
