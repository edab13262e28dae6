// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/grailbio/bigmr/internal/rankhash"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
	"github.com/grailbio/bigmr/transport"
)

func newTestEngine(t *testing.T, group transport.Group) *Engine {
	cfg := NewConfig()
	cfg.MemSizeMiB = 1
	cfg.ScratchDir = t.TempDir()
	e, err := New(cfg, WithGroup(group))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// runOnEach drives fn concurrently over one Engine per rank of a
// transport.NewLocal(n) group, the way any real bigmr program drives
// every rank's identical operator sequence (spec.md §5): operators
// that collectivize (Aggregate, Gather, the SumUint64 every operator
// ends with) block until every rank's goroutine has made the matching
// call.
func runOnEach(t *testing.T, n int, fn func(t *testing.T, e *Engine) error) {
	t.Helper()
	groups := transport.NewLocal(n)
	engines := make([]*Engine, n)
	for r := 0; r < n; r++ {
		engines[r] = newTestEngine(t, groups[r])
	}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = fn(t, engines[r])
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}

// Scenario §8.3.1: word frequency over two files' worth of
// whitespace-tokenized records, collated and reduced to counts.
func TestWordFrequencyScenario(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir+"/a.txt", "a b a")
	writeFile(t, dir+"/b.txt", "b c")
	files := []string{dir + "/a.txt", dir + "/b.txt"}

	runOnEach(t, 1, func(t *testing.T, e *Engine) error {
		if _, err := e.MapFiles(ctx, files, func(ctx context.Context, _ int, path string, dst *kv.KV) error {
			contents, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			for _, word := range strings.Fields(string(contents)) {
				if err := dst.Add([]byte(word), nil); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if _, err := e.Collate(ctx, nil); err != nil {
			return err
		}
		if _, err := e.Reduce(ctx, func(ctx context.Context, key []byte, values *Multivalue, dst *kv.KV) error {
			return dst.Add(key, countBytes(values.NValues()))
		}); err != nil {
			return err
		}

		got := kvMultiset(t, e.kv)
		want := map[string]string{"a": "2", "b": "2", "c": "1"}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Errorf("word counts differ: %s", diff)
		}
		return nil
	})
}

// Scenario §8.3.2: clone then reduce back to singleton values
// reproduces the original KV multiset.
func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	runOnEach(t, 1, func(t *testing.T, e *Engine) error {
		if _, err := e.Map(ctx, 1, false, func(ctx context.Context, _ int, dst *kv.KV) error {
			for _, kvp := range [][2]string{{"x", "1"}, {"y", "2"}, {"x", "3"}} {
				if err := dst.Add([]byte(kvp[0]), []byte(kvp[1])); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		before := kvPairs(t, e.kv)

		if _, err := e.Clone(ctx); err != nil {
			return err
		}
		if _, err := e.Reduce(ctx, func(ctx context.Context, key []byte, values *Multivalue, dst *kv.KV) error {
			return dst.Add(key, values.Bytes())
		}); err != nil {
			return err
		}
		after := kvPairs(t, e.kv)

		sortPairs(before)
		sortPairs(after)
		if diff := cmp.Diff(before, after); diff != "" {
			return fmt.Errorf("round trip changed the multiset: %s", diff)
		}
		return nil
	})
}

// Scenario §8.3.3: two ranks each add records for overlapping keys;
// after Aggregate every record for a given key lands on exactly one
// rank, the one internal/rankhash.Rank assigns it to.
func TestCrossRankShuffleScenario(t *testing.T) {
	ctx := context.Background()
	runOnEach(t, 2, func(t *testing.T, e *Engine) error {
		var seed [][2]string
		if e.Rank() == 0 {
			seed = [][2]string{{"a", "1"}, {"b", "2"}}
		} else {
			seed = [][2]string{{"a", "3"}, {"c", "4"}}
		}
		if _, err := e.Map(ctx, e.N(), false, func(ctx context.Context, _ int, dst *kv.KV) error {
			for _, kvp := range seed {
				if err := dst.Add([]byte(kvp[0]), []byte(kvp[1])); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		total, err := e.Aggregate(ctx, nil)
		if err != nil {
			return err
		}
		if total != 4 {
			return fmt.Errorf("total records across group = %d, want 4", total)
		}

		wantOwner := rankhash.Rank(rankhash.Default, []byte("a"), e.N())
		aCount := 0
		for _, p := range kvPairs(t, e.kv) {
			if p[0] == "a" {
				aCount++
			}
		}
		if e.Rank() == wantOwner {
			if aCount != 2 {
				return fmt.Errorf("owning rank %d holds %d \"a\" records, want 2", e.Rank(), aCount)
			}
		} else if aCount != 0 {
			return fmt.Errorf("non-owning rank %d holds %d \"a\" records, want 0", e.Rank(), aCount)
		}
		return nil
	})
}

// Scenario §8.3.4: collapse concatenates every KV record under one
// constant key, in insertion order.
func TestCollapseScenario(t *testing.T) {
	ctx := context.Background()
	runOnEach(t, 1, func(t *testing.T, e *Engine) error {
		if _, err := e.Map(ctx, 1, false, func(ctx context.Context, _ int, dst *kv.KV) error {
			if err := dst.Add([]byte("p"), []byte("10")); err != nil {
				return err
			}
			return dst.Add([]byte("q"), []byte("20"))
		}); err != nil {
			return err
		}
		if _, err := e.Collapse(ctx, []byte("all")); err != nil {
			return err
		}

		it := e.kmv.Iterate()
		rec, ok, err := it.Next()
		if err != nil || !ok {
			return fmt.Errorf("Next() = (_, %v, %v)", ok, err)
		}
		if string(rec.Key) != "all" || rec.NValues != 2 {
			return fmt.Errorf("collapse record = key=%q nvalues=%d, want key=all nvalues=2", rec.Key, rec.NValues)
		}
		if _, ok, _ := it.Next(); ok {
			return fmt.Errorf("expected exactly one collapsed record")
		}
		return nil
	})
}

// Scenario §8.3.6: sort_values over a multi-page KV produces a
// non-decreasing sequence of integer-encoded values regardless of
// spill boundaries.
func TestSortValuesScenario(t *testing.T) {
	ctx := context.Background()
	runOnEach(t, 1, func(t *testing.T, e *Engine) error {
		const n = 20000
		if _, err := e.Map(ctx, 1, false, func(ctx context.Context, _ int, dst *kv.KV) error {
			for i := 0; i < n; i++ {
				v := (i * 7919) % n
				if err := dst.Add(encodeInt(i), encodeInt(v)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		if e.kv.NumPages() <= 1 {
			return fmt.Errorf("expected the 1MiB-slab page to spill across multiple pages for %d records", n)
		}
		if _, err := e.SortValues(ctx, intCmp); err != nil {
			return err
		}
		prev := -1
		for p := 0; p < e.kv.NumPages(); p++ {
			buf, desc, err := e.kv.RequestPage(p)
			if err != nil {
				return err
			}
			off := 0
			for r := 0; r < desc.NKey; r++ {
				_, value, size := pagebuf.Decode(buf[off:], e.kv.Alignment())
				v := decodeInt(value)
				if prev >= 0 && v < prev {
					return fmt.Errorf("values not sorted: %d after %d", v, prev)
				}
				prev = v
				off += size
			}
		}
		return nil
	})
}

// Verbosity=2 and Timer=2 both drive the engine's allGatherInt64
// collective (on top of Alltoall) in addition to the ordinary
// SumUint64 every operator ends with; exercise them together across
// more than one rank to confirm the extra collectives stay in
// lockstep rather than deadlocking the group.
func TestVerbosityAndTimerHistogramsDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	for _, timer := range []int{0, 1, 2} {
		groups := transport.NewLocal(2)
		engines := make([]*Engine, 2)
		for r := 0; r < 2; r++ {
			cfg := NewConfig()
			cfg.MemSizeMiB = 1
			cfg.ScratchDir = t.TempDir()
			cfg.Verbosity = 2
			cfg.Timer = timer
			e, err := New(cfg, WithGroup(groups[r]))
			if err != nil {
				t.Fatal(err)
			}
			engines[r] = e
		}
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for r := 0; r < 2; r++ {
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				e := engines[r]
				seed := [][2]string{{"a", "1"}}
				if r == 1 {
					seed = [][2]string{{"b", "2"}}
				}
				if _, err := e.Map(ctx, 1, false, func(ctx context.Context, _ int, dst *kv.KV) error {
					for _, kvp := range seed {
						if err := dst.Add([]byte(kvp[0]), []byte(kvp[1])); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					errs[r] = err
					return
				}
				if _, err := e.Aggregate(ctx, nil); err != nil {
					errs[r] = err
					return
				}
				_, errs[r] = e.Convert(ctx)
			}()
		}
		wg.Wait()
		for r, err := range errs {
			if err != nil {
				t.Fatalf("timer=%d rank %d: %v", timer, r, err)
			}
		}
	}
}

func intCmp(a, b []byte) int {
	va, vb := decodeInt(a), decodeInt(b)
	switch {
	case va < vb:
		return -1
	case va > vb:
		return 1
	default:
		return 0
	}
}

func encodeInt(v int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt(b []byte) int {
	return int(binary.LittleEndian.Uint32(b))
}

func countBytes(n int) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func kvMultiset(t *testing.T, c *kv.KV) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, p := range kvPairs(t, c) {
		out[p[0]] = p[1]
	}
	return out
}

func kvPairs(t *testing.T, c *kv.KV) [][2]string {
	t.Helper()
	var pairs [][2]string
	for p := 0; p < c.NumPages(); p++ {
		buf, desc, err := c.RequestPage(p)
		if err != nil {
			t.Fatal(err)
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, value, size := pagebuf.Decode(buf[off:], c.Alignment())
			pairs = append(pairs, [2]string{string(key), string(value)})
			off += size
		}
	}
	return pairs
}

func sortPairs(pairs [][2]string) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
}
