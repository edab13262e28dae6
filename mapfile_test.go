// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/transport"
)

func TestMapFilesOneTaskPerFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x"), "hello")
	writeFile(t, filepath.Join(dir, "y"), "world")
	files := []string{filepath.Join(dir, "x"), filepath.Join(dir, "y")}

	e := newTestEngine(t, transport.NewLocal(1)[0])
	var seen []string
	total, err := e.MapFiles(context.Background(), files, func(ctx context.Context, i int, path string, dst *kv.KV) error {
		seen = append(seen, path)
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return dst.Add([]byte(filepath.Base(path)), contents)
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if len(seen) != 2 {
		t.Fatalf("fn invoked %d times, want 2", len(seen))
	}
}

func TestMapFileChunksSplitsOnSeparator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records")
	content := buildNewlineRecords(200)
	writeFile(t, path, content)

	e := newTestEngine(t, transport.NewLocal(1)[0])
	var gotChunks [][]byte
	total, err := e.MapFileChunks(context.Background(), []string{path}, 4, Separator{Char: '\n'}, 64,
		func(ctx context.Context, i int, chunk []byte, dst *kv.KV) error {
			gotChunks = append(gotChunks, chunk)
			for _, line := range bytes.Split(chunk, []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				if err := dst.Add(line, nil); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(gotChunks) != 4 {
		t.Fatalf("ran %d chunk tasks, want 4", len(gotChunks))
	}

	// Every chunk but the last already ends with its trailing '\n'
	// (the separator search includes it), and every chunk but the
	// first starts right after the separator its predecessor ended
	// on, so plain concatenation reproduces the original content with
	// no record split across a boundary.
	reassembled := bytes.Join(gotChunks, nil)
	if string(reassembled) != content {
		t.Fatalf("reassembled chunks do not reproduce the original file content\ngot:  %q\nwant: %q", reassembled, content)
	}
	if total != 200 {
		t.Fatalf("total records = %d, want 200", total)
	}
}

func TestMapFileChunksRejectsFewerTasksThanFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "x\n")
	writeFile(t, b, "y\n")

	e := newTestEngine(t, transport.NewLocal(1)[0])
	_, err := e.MapFileChunks(context.Background(), []string{a, b}, 1, Separator{Char: '\n'}, 4,
		func(ctx context.Context, i int, chunk []byte, dst *kv.KV) error { return nil })
	if err == nil {
		t.Fatal("expected an error when nmap < len(files)")
	}
}

func buildNewlineRecords(n int) string {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.WriteString("record-")
		buf.WriteByte(byte('a' + i%26))
		buf.WriteByte('\n')
	}
	s := buf.String()
	return s[:len(s)-1] // drop the trailing separator so Join reassembly matches exactly
}
