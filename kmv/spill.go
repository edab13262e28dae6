// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmv

import (
	"io"
	"os"

	"github.com/grailbio/base/errors"
)

// spillFile is a KMV container's backing file, identical in shape to
// kv's spillFile: direct random-access seek/read/write by stored page
// offset. The two containers duplicate this small type rather than
// share it because the original MR-MPI library keeps KeyValue and
// KeyMultiValue as independent classes, each with its own
// write_page/read_page pair operating on its own Page bookkeeping.
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

func (s *spillFile) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.Unknown, err)
	}
	return nil
}
