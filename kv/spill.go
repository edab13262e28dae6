// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kv

import (
	"io"
	"os"

	"github.com/grailbio/base/errors"
)

// spillFile is a KV container's backing file: direct random-access
// seek/read/write of page-sized chunks, one file per container
// instance. Unlike sliceio's sequential page stream, a KV's consumers
// call RequestPage(i) in arbitrary order, so the container needs true
// seek-by-offset I/O rather than a forward-only stream. The file is
// opened lazily on first use and is never left open between calls
// that don't need it, mirroring the original's read_page/write_page
// lazy-fopen discipline (spec.md §4.2).
type spillFile struct {
	path string
	f    *os.File
}

func newSpillFile(path string) *spillFile {
	return &spillFile{path: path}
}

func (s *spillFile) opened() bool {
	return s.f != nil
}

// writePage writes desc.FileSize bytes of buf (all of buf, if buf is
// shorter) to the page's file offset, opening the file for read/write
// on first use.
func (s *spillFile) writePage(buf []byte, desc Page) error {
	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return errors.E(errors.Unknown, err)
		}
		s.f = f
	}
	if _, err := s.f.Seek(desc.FileOffset, io.SeekStart); err != nil {
		return errors.E(errors.Unknown, err)
	}
	n := desc.FileSize
	if n > int64(len(buf)) {
		n = int64(len(buf))
	}
	if _, err := s.f.Write(buf[:n]); err != nil {
		return errors.E(errors.Unknown, err)
	}
	return nil
}

// readPage reads desc.FileSize bytes (len(buf), if buf is shorter)
// from the page's file offset into buf, opening the file for reading
// on first use.
func (s *spillFile) readPage(buf []byte, desc Page) error {
	if s.f == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return errors.E(errors.Unknown, err)
		}
		s.f = f
	}
	if _, err := s.f.Seek(desc.FileOffset, io.SeekStart); err != nil {
		return errors.E(errors.Unknown, err)
	}
	n := desc.FileSize
	if n > int64(len(buf)) {
		n = int64(len(buf))
	}
	if _, err := io.ReadFull(s.f, buf[:n]); err != nil {
		return errors.E(errors.Unknown, err)
	}
	return nil
}

// close closes the underlying file descriptor, if open, without
// removing the file.
func (s *spillFile) close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return errors.E(errors.Unknown, err)
	}
	return nil
}

// remove closes and deletes the spill file. It is not an error for
// the file to never have been created (a container that never
// exceeded one page never opens its file, per spec.md §3.2).
func (s *spillFile) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.Unknown, err)
	}
	return nil
}
