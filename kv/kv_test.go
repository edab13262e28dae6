// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kv

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/grailbio/bigmr/pagebuf"
)

func testConfig(t *testing.T, instanceID uint64) Config {
	a, err := pagebuf.NewAlignment(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		Alignment:  a,
		ScratchDir: t.TempDir(),
		InstanceID: instanceID,
		Rank:       0,
	}
}

func TestAddSinglePageNeverOpensFile(t *testing.T) {
	cfg := testConfig(t, 1)
	kv := New(cfg, make([]byte, 4096))
	defer kv.Close()

	if err := kv.Add([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Add([]byte("bb"), []byte("22")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Complete(); err != nil {
		t.Fatal(err)
	}
	if kv.spill.opened() {
		t.Fatal("single-page KV should never open its spill file")
	}
	if n := kv.NumPages(); n != 1 {
		t.Fatalf("NumPages() = %d, want 1", n)
	}
	nkv, ksize, vsize, _ := kv.Totals()
	if nkv != 2 || ksize != 3 || vsize != 3 {
		t.Fatalf("Totals() = (%d, %d, %d), want (2, 3, 3)", nkv, ksize, vsize)
	}

	buf, desc, err := kv.RequestPage(0)
	if err != nil {
		t.Fatal(err)
	}
	if desc.NKey != 2 {
		t.Fatalf("page NKey = %d, want 2", desc.NKey)
	}
	key, value, _ := pagebuf.Decode(buf, cfg.Alignment)
	if !bytes.Equal(key, []byte("a")) || !bytes.Equal(value, []byte("1")) {
		t.Fatalf("first record = (%q, %q)", key, value)
	}
}

func TestAddSpillsAcrossPages(t *testing.T) {
	cfg := testConfig(t, 2)
	// A tiny page forces a spill after a handful of records.
	pageSize := 64
	kv := New(cfg, make([]byte, pageSize))
	defer kv.Close()

	const n = 50
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value := []byte(fmt.Sprintf("value%03d", i))
		if err := kv.Add(key, value); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if err := kv.Complete(); err != nil {
		t.Fatal(err)
	}
	if kv.NumPages() <= 1 {
		t.Fatalf("expected multiple pages, got %d", kv.NumPages())
	}

	var got int
	for i := 0; i < kv.NumPages(); i++ {
		buf, desc, err := kv.RequestPage(i)
		if err != nil {
			t.Fatal(err)
		}
		off := 0
		for r := 0; r < desc.NKey; r++ {
			key, value, size := pagebuf.Decode(buf[off:], cfg.Alignment)
			want := fmt.Sprintf("key%03d", got)
			if string(key) != want {
				t.Fatalf("page %d record %d: key = %q, want %q", i, r, key, want)
			}
			if string(value) != fmt.Sprintf("value%03d", got) {
				t.Fatalf("page %d record %d: value = %q", i, r, value)
			}
			off += size
			got++
		}
	}
	if got != n {
		t.Fatalf("decoded %d records, want %d", got, n)
	}

	nkv, _, _, _ := kv.Totals()
	if nkv != uint64(n) {
		t.Fatalf("Totals().nkv = %d, want %d", nkv, n)
	}
}

func TestAddOversizeRecordFails(t *testing.T) {
	cfg := testConfig(t, 3)
	kv := New(cfg, make([]byte, 32))
	defer kv.Close()

	if err := kv.Add(make([]byte, 1024), nil); err == nil {
		t.Fatal("expected error for oversize record")
	}
}

func TestAddAfterCompleteFails(t *testing.T) {
	cfg := testConfig(t, 4)
	kv := New(cfg, make([]byte, 4096))
	defer kv.Close()

	if err := kv.Complete(); err != nil {
		t.Fatal(err)
	}
	if err := kv.Add([]byte("k"), []byte("v")); err == nil {
		t.Fatal("expected error adding after Complete")
	}
}

func TestAddFromSameAlignment(t *testing.T) {
	cfg := testConfig(t, 5)
	src := New(cfg, make([]byte, 64))
	for i := 0; i < 20; i++ {
		if err := src.Add([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.Complete(); err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	dst := New(testConfig(t, 6), make([]byte, 64))
	defer dst.Close()
	if err := dst.AddFrom(src); err != nil {
		t.Fatal(err)
	}
	if err := dst.Complete(); err != nil {
		t.Fatal(err)
	}

	srcTotal, _, _, _ := src.Totals()
	dstTotal, _, _, _ := dst.Totals()
	if srcTotal != dstTotal {
		t.Fatalf("dst total = %d, want %d", dstTotal, srcTotal)
	}
}

func TestAddFromDifferentAlignment(t *testing.T) {
	srcCfg := testConfig(t, 7)
	src := New(srcCfg, make([]byte, 256))
	for i := 0; i < 5; i++ {
		if err := src.Add([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.Complete(); err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	dstAlign, err := pagebuf.NewAlignment(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	dstCfg := testConfig(t, 8)
	dstCfg.Alignment = dstAlign
	dst := New(dstCfg, make([]byte, 256))
	defer dst.Close()

	if err := dst.AddFrom(src); err != nil {
		t.Fatal(err)
	}
	if err := dst.Complete(); err != nil {
		t.Fatal(err)
	}

	buf, desc, err := dst.RequestPage(0)
	if err != nil {
		t.Fatal(err)
	}
	if desc.NKey != 5 {
		t.Fatalf("NKey = %d, want 5", desc.NKey)
	}
	off := 0
	for i := 0; i < desc.NKey; i++ {
		key, value, size := pagebuf.Decode(buf[off:], dstAlign)
		if string(key) != fmt.Sprintf("key-%d", i) || string(value) != fmt.Sprintf("value-%d", i) {
			t.Fatalf("record %d = (%q, %q)", i, key, value)
		}
		off += size
	}
}

func TestAddFromSelfFails(t *testing.T) {
	cfg := testConfig(t, 9)
	kv := New(cfg, make([]byte, 64))
	defer kv.Close()
	if err := kv.AddFrom(kv); err == nil {
		t.Fatal("expected error from AddFrom(self)")
	}
}
