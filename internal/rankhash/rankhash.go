// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rankhash provides the byte-key hash function used to map
// keys to destination ranks (aggregate, spec.md §3.5 invariant 2) and
// to local hash buckets (kmv.Convert's partition pass, spec.md §4.5).
package rankhash

import "github.com/spaolacci/murmur3"

// A Func hashes a key to a uint32. Engine users may supply their own
// in place of Default, per spec.md §6.1's hash_fn callback.
type Func func(key []byte) uint32

// Default is the hash used when no user hash_fn is configured: a
// murmur3 32-bit hash with no seed.
func Default(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// WithSeed returns a Func equivalent to Default but seeded
// differently, so that two independent partitionings of the same
// keys (e.g. aggregate's rank hash and convert's bucket hash) don't
// correlate.
func WithSeed(seed uint32) Func {
	return func(key []byte) uint32 {
		return murmur3.Sum32WithSeed(key, seed)
	}
}

// bucketSeed distinguishes kmv.Convert's local bucketing hash from
// the rank-assignment hash used by aggregate, so that a key set that
// happens to hash evenly across ranks doesn't also happen to hash
// unevenly across convert's buckets (or vice versa).
const bucketSeed = 0x6d6b7630 // "mkv0"

// Bucket is the hash used by kmv.Convert to assign a key to one of
// its local partition buckets.
func Bucket(key []byte) uint32 {
	return murmur3.Sum32WithSeed(key, bucketSeed)
}

// Rank maps a key to one of nranks destinations using fn (Default if
// nil). nranks must be positive.
func Rank(fn Func, key []byte, nranks int) int {
	if fn == nil {
		fn = Default
	}
	return int(fn(key) % uint32(nranks))
}
