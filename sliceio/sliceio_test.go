// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sliceio

import (
	"bytes"
	"context"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	pages := [][]byte{
		[]byte("page-one"),
		[]byte(""),
		[]byte("page-three-longer-than-the-others"),
	}
	for i, p := range pages {
		if err := w.WritePage(ctx, i+1, p); err != nil {
			t.Fatal(err)
		}
	}
	r := NewReader(&buf)
	out := make([]byte, 4096)
	for i, want := range pages {
		n, size, err := r.ReadPage(ctx, out)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if n != i+1 {
			t.Fatalf("page %d: n = %d, want %d", i, n, i+1)
		}
		if !bytes.Equal(out[:size], want) {
			t.Fatalf("page %d: data = %q, want %q", i, out[:size], want)
		}
	}
	if _, _, err := r.ReadPage(ctx, out); err != EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestSpillerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSpiller("", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Cleanup()

	want := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	i := 0
	if _, err := s.Spill(ctx, func() (int, []byte, bool) {
		if i >= len(want) {
			return 0, nil, false
		}
		n, data := i+1, want[i]
		i++
		return n, data, true
	}); err != nil {
		t.Fatal(err)
	}

	readers, err := s.Readers()
	if err != nil {
		t.Fatal(err)
	}
	if len(readers) != 1 {
		t.Fatalf("expected 1 spill file, got %d", len(readers))
	}
	buf := make([]byte, 64)
	for j, w := range want {
		n, size, err := readers[0].ReadPage(ctx, buf)
		if err != nil {
			t.Fatal(err)
		}
		if n != j+1 || !bytes.Equal(buf[:size], w) {
			t.Fatalf("page %d mismatch: n=%d data=%q", j, n, buf[:size])
		}
	}
	if _, _, err := readers[0].ReadPage(ctx, buf); err != EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestMultiReader(t *testing.T) {
	ctx := context.Background()
	var b1, b2 bytes.Buffer
	NewWriter(&b1).WritePage(ctx, 1, []byte("x"))
	NewWriter(&b2).WritePage(ctx, 2, []byte("yy"))
	m := MultiReader(NewReader(&b1), NewReader(&b2))
	buf := make([]byte, 16)
	n, size, err := m.ReadPage(ctx, buf)
	if err != nil || n != 1 || string(buf[:size]) != "x" {
		t.Fatalf("first read: n=%d size=%d err=%v", n, size, err)
	}
	n, size, err = m.ReadPage(ctx, buf)
	if err != nil || n != 2 || string(buf[:size]) != "yy" {
		t.Fatalf("second read: n=%d size=%d err=%v", n, size, err)
	}
	if _, _, err := m.ReadPage(ctx, buf); err != EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
