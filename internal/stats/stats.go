// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the per-rank counters behind spec.md §6.3's
// verbosity and timer options: operator record/byte totals at
// verbosity=1, and per-rank histograms at verbosity=2. Adapted from
// bigslice's stats package (stats/stats.go): the Map/Int counter
// shape is kept verbatim, repurposed from per-task counters to
// per-operator ones, and histogram() is new, grounded on
// original_source/new/mapreduce.cpp's MapReduce::histogram.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the counters in a Map.
type Values map[string]int64

// Copy returns an independent copy of v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, val := range v {
		w[k] = val
	}
	return w
}

// String renders v's counters sorted by name, e.g. "kv.nkv:4 kv.tsize:96".
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, v[k])
	}
	return strings.Join(parts, " ")
}

// A Map is a set of named counters, safe for concurrent use.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh, empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter named name, creating it if necessary.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds every counter in m into the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// An Int is an atomically-updated integer counter.
type Int struct{ val int64 }

// Add increments v by delta. A nil *Int silently discards the add, so
// callers needn't guard counters disabled by verbosity=0.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set assigns val to v.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns v's current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// Histogram formats one line per rank of a per-rank metric (e.g. pages
// produced by the last Aggregate), for verbosity=2 diagnostic output.
// Grounded on MapReduce::histogram's bucketed min/max/mean summary.
func Histogram(label string, perRank []int64) string {
	if len(perRank) == 0 {
		return label + ": (no ranks)"
	}
	min, max, sum := perRank[0], perRank[0], int64(0)
	for _, v := range perRank {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean := float64(sum) / float64(len(perRank))
	var b strings.Builder
	fmt.Fprintf(&b, "%s: min=%d max=%d mean=%.1f total=%d\n", label, min, max, mean, sum)
	for r, v := range perRank {
		fmt.Fprintf(&b, "  rank %d: %d\n", r, v)
	}
	return strings.TrimRight(b.String(), "\n")
}
