// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sliceio

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
)

// A Spiller manages a directory of spilled page streams: sortio uses
// one Spiller for its locally-sorted runs before merging.
type Spiller string

// NewSpiller creates a new spiller backed by a fresh temporary
// directory under dir (the engine's configured scratch directory; the
// empty string uses the OS default, per spec.md §6.3's fpath="process
// CWD" default resolving through os.TempDir-style behavior).
func NewSpiller(dir, name string) (Spiller, error) {
	d, err := ioutil.TempDir(dir, fmt.Sprintf("bigmr-spill-%s-", name))
	if err != nil {
		return "", errors.E(errors.Unknown, err)
	}
	return Spiller(d), nil
}

// Spill writes one new file to the spiller containing the pages
// produced by next; next should return ReadPage-compatible pages by
// repeatedly yielding (n, data) until it returns ok=false. Spill
// returns the file's encoded size in bytes.
func (s Spiller) Spill(ctx context.Context, next func() (n int, data []byte, ok bool)) (int64, error) {
	f, err := ioutil.TempFile(string(s), "")
	if err != nil {
		return 0, errors.E(errors.Unknown, err)
	}
	w := NewWriter(f)
	for {
		n, data, ok := next()
		if !ok {
			break
		}
		if err := w.WritePage(ctx, n, data); err != nil {
			f.Close()
			return 0, err
		}
	}
	size, err := f.Seek(0, 1 /* io.SeekCurrent */)
	if err != nil {
		f.Close()
		return 0, errors.E(errors.Unknown, err)
	}
	if err := f.Close(); err != nil {
		return 0, errors.E(errors.Unknown, err)
	}
	return size, nil
}

// Readers returns one Reader per file the spiller currently holds.
// Closing each returned Reader (they are ClosingReaders) releases its
// underlying file descriptor once exhausted.
func (s Spiller) Readers() ([]Reader, error) {
	dir, err := os.Open(string(s))
	if err != nil {
		return nil, errors.E(errors.Unknown, err)
	}
	defer dir.Close()
	infos, err := dir.Readdir(-1)
	if err != nil {
		return nil, errors.E(errors.Unknown, err)
	}
	readers := make([]Reader, len(infos))
	for i, info := range infos {
		f, err := os.Open(filepath.Join(string(s), info.Name()))
		if err != nil {
			for j := 0; j < i; j++ {
				readers[j].(*ClosingReader).Close()
			}
			return nil, errors.E(errors.Unknown, err)
		}
		readers[i] = &ClosingReader{Reader: NewReader(f), Closer: f}
	}
	return readers, nil
}

// Cleanup removes the spiller's backing directory and all files in it.
// It is safe to call once Readers() has been called, provided reading
// has finished.
func (s Spiller) Cleanup() error {
	if s == "" {
		return nil
	}
	return os.RemoveAll(string(s))
}
