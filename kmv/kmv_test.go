// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
)

func testAlignment(t *testing.T) pagebuf.Alignment {
	a, err := pagebuf.NewAlignment(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testKVConfig(t *testing.T, a pagebuf.Alignment) kv.Config {
	return kv.Config{Alignment: a, ScratchDir: t.TempDir(), InstanceID: 1, Rank: 0}
}

func testKMVConfig(t *testing.T, a pagebuf.Alignment, instanceID uint64) Config {
	return Config{Alignment: a, ScratchDir: t.TempDir(), InstanceID: instanceID, Rank: 0}
}

func buildKV(t *testing.T, a pagebuf.Alignment, pageSize int, keys, values []string) *kv.KV {
	c := kv.New(testKVConfig(t, a), make([]byte, pageSize))
	for i := range keys {
		if err := c.Add([]byte(keys[i]), []byte(values[i])); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if err := c.Complete(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCloneOneValuePerRecord(t *testing.T) {
	a := testAlignment(t)
	src := buildKV(t, a, 4096, []string{"x", "y", "x"}, []string{"1", "2", "3"})
	defer src.Close()

	dst, err := Clone(src, testKMVConfig(t, a, 2), make([]byte, 4096))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := dst.Complete(); err == nil {
		t.Fatal("Clone's result should already be completed")
	}

	nkv, _, _, _ := dst.Totals()
	if nkv != 3 {
		t.Fatalf("Totals().nkv = %d, want 3 (one KMV record per KV record)", nkv)
	}

	it := dst.Iterate()
	var got []string
	for {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if rec.NValues != 1 {
			t.Fatalf("Clone record has NValues = %d, want 1", rec.NValues)
		}
		got = append(got, fmt.Sprintf("%s=%s", rec.Key, rec.Multivalue))
	}
	want := []string{"x=1", "y=2", "x=3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCollapseConcatenatesKVPairs(t *testing.T) {
	a := testAlignment(t)
	src := buildKV(t, a, 4096, []string{"p", "q"}, []string{"10", "20"})
	defer src.Close()

	dst, err := Collapse([]byte("all"), src, testKMVConfig(t, a, 3), make([]byte, 4096))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	nkv, _, _, _ := dst.Totals()
	if nkv != 1 {
		t.Fatalf("Totals().nkv = %d, want 1", nkv)
	}

	it := dst.Iterate()
	rec, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (_, %v, %v)", ok, err)
	}
	if string(rec.Key) != "all" {
		t.Fatalf("key = %q, want %q", rec.Key, "all")
	}
	if rec.NValues != 2 {
		t.Fatalf("NValues = %d, want 2", rec.NValues)
	}
	off := 0
	for i, size := range rec.ValueSizes {
		encoded := rec.Multivalue[off : off+size]
		key, value, n := pagebuf.Decode(encoded, a)
		wantKey, wantValue := []string{"p", "q"}[i], []string{"10", "20"}[i]
		if string(key) != wantKey || string(value) != wantValue {
			t.Fatalf("value %d decodes to (%q, %q), want (%q, %q)", i, key, value, wantKey, wantValue)
		}
		off += n
	}
	if _, ok, err := it.Next(); err != nil || ok {
		t.Fatalf("expected exactly one record, got ok=%v err=%v", ok, err)
	}
}

func TestConvertGroupsByKeyAndPreservesValueOrder(t *testing.T) {
	a := testAlignment(t)
	keys := []string{"a", "b", "a", "c", "a", "b"}
	values := []string{"1", "2", "3", "4", "5", "6"}
	src := buildKV(t, a, 4096, keys, values)
	defer src.Close()

	dstCfg := testKMVConfig(t, a, 4)
	dst, err := Convert(context.Background(), src, dstCfg, make([]byte, 4096), make([]byte, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	nkv, _, _, _ := dst.Totals()
	if nkv != 3 {
		t.Fatalf("Totals().nkv = %d, want 3 distinct keys", nkv)
	}

	got := map[string][]string{}
	it := dst.Iterate()
	for {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		off := 0
		var vs []string
		for _, size := range rec.ValueSizes {
			vs = append(vs, string(rec.Multivalue[off:off+size]))
			off += size
		}
		got[string(rec.Key)] = vs
	}
	want := map[string][]string{"a": {"1", "3", "5"}, "b": {"2", "6"}, "c": {"4"}}
	for k, wantVals := range want {
		gotVals, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q in Convert output", k)
		}
		if len(gotVals) != len(wantVals) {
			t.Fatalf("key %q: got %v, want %v", k, gotVals, wantVals)
		}
		for i := range wantVals {
			if gotVals[i] != wantVals[i] {
				t.Fatalf("key %q value %d = %q, want %q (insertion order)", k, i, gotVals[i], wantVals[i])
			}
		}
	}
}

func TestConvertBlockSplitsOversizeMultivalue(t *testing.T) {
	a := testAlignment(t)
	pageSize := 256
	// One shared key with enough big values that the concatenated
	// multivalue cannot fit one page (spec.md §4.5 item 3, scenario 5).
	value := bytes.Repeat([]byte("v"), 64)
	const n = 12
	keys := make([]string, n)
	values := make([]string, n)
	for i := range keys {
		keys[i] = "k"
		values[i] = string(value)
	}
	src := buildKV(t, a, pageSize, keys, values)
	defer src.Close()

	dstCfg := testKMVConfig(t, a, 5)
	dst, err := Convert(context.Background(), src, dstCfg, make([]byte, pageSize), make([]byte, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	it := dst.Iterate()
	rec, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = (_, %v, %v)", ok, err)
	}
	if rec.NValues >= 0 {
		t.Fatalf("expected block-split record (NValues < 0), got %d", rec.NValues)
	}
	blocks := it.MultivalueBlocks()
	if blocks <= 0 {
		t.Fatalf("MultivalueBlocks() = %d, want > 0", blocks)
	}

	var total int
	for i := 0; i < blocks; i++ {
		sizes, mv, err := it.MultivalueBlock(i)
		if err != nil {
			t.Fatalf("MultivalueBlock(%d): %v", i, err)
		}
		if len(sizes) == 0 {
			t.Fatalf("block %d has no values", i)
		}
		var sum int
		for _, s := range sizes {
			sum += s
		}
		if sum != len(mv) {
			t.Fatalf("block %d: sizes sum to %d, multivalue is %d bytes", i, sum, len(mv))
		}
		total += len(sizes)
	}
	if total != n {
		t.Fatalf("block pages cover %d values, want %d", total, n)
	}
	if _, ok, err := it.Next(); err != nil || ok {
		t.Fatalf("expected exactly one key, found a second record (ok=%v err=%v)", ok, err)
	}
}

func TestConvertEmptySourceProducesEmptyKMV(t *testing.T) {
	a := testAlignment(t)
	src := buildKV(t, a, 4096, nil, nil)
	defer src.Close()

	dst, err := Convert(context.Background(), src, testKMVConfig(t, a, 6), make([]byte, 4096), make([]byte, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	nkv, ksize, vsize, tsize := dst.Totals()
	if nkv != 0 || ksize != 0 || vsize != 0 || tsize != 0 {
		t.Fatalf("Totals() = (%d,%d,%d,%d), want all zero", nkv, ksize, vsize, tsize)
	}
}

func TestCopyPreservesRecords(t *testing.T) {
	a := testAlignment(t)
	src := buildKV(t, a, 64, []string{"k1", "k2", "k3", "k4"}, []string{"v1", "v2", "v3", "v4"})
	defer src.Close()

	orig, err := Clone(src, testKMVConfig(t, a, 7), make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	defer orig.Close()

	dup, err := Copy(orig, testKMVConfig(t, a, 8), make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	defer dup.Close()

	origTotal, _, _, _ := orig.Totals()
	dupTotal, _, _, _ := dup.Totals()
	if origTotal != dupTotal {
		t.Fatalf("Copy total = %d, want %d", dupTotal, origTotal)
	}
	if orig.NumPages() != dup.NumPages() {
		t.Fatalf("Copy NumPages = %d, want %d", dup.NumPages(), orig.NumPages())
	}

	oit, dit := orig.Iterate(), dup.Iterate()
	for {
		orec, ook, oerr := oit.Next()
		drec, dok, derr := dit.Next()
		if oerr != nil || derr != nil {
			t.Fatalf("iteration error: %v / %v", oerr, derr)
		}
		if ook != dok {
			t.Fatalf("iterator lengths differ")
		}
		if !ook {
			break
		}
		if !bytes.Equal(orec.Key, drec.Key) || !bytes.Equal(orec.Multivalue, drec.Multivalue) {
			t.Fatalf("record mismatch: %+v vs %+v", orec, drec)
		}
	}
}

func TestCopyRequiresMatchingAlignment(t *testing.T) {
	a := testAlignment(t)
	src := buildKV(t, a, 64, []string{"k"}, []string{"v"})
	defer src.Close()
	orig, err := Clone(src, testKMVConfig(t, a, 9), make([]byte, 64))
	if err != nil {
		t.Fatal(err)
	}
	defer orig.Close()

	otherAlign, err := pagebuf.NewAlignment(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	otherCfg := testKMVConfig(t, otherAlign, 10)
	if _, err := Copy(orig, otherCfg, make([]byte, 64)); err == nil {
		t.Fatal("expected error copying across mismatched alignments")
	}
}
