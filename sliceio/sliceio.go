// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sliceio provides sequential page I/O for spilled and spooled
// byte-record streams: the per-bucket spool files that kmv.Convert
// writes during its group-by-key pass, and the per-run spill files
// sortio merges. (The kv package's own container spill file uses
// direct random-access seeks by page offset instead of this package,
// since it must support out-of-order RequestPage(i) reads; see
// kv/spill.go.)
package sliceio

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
)

// EOF is the error returned by Reader.ReadPage when no more pages are
// available. It is a sentinel distinct from io.EOF so that "reader
// exhausted" is never confused with an underlying file's io.EOF
// appearing somewhere else in a call chain.
var EOF = errors.New("EOF")

// pageHeaderSize is the size of the (n, size) header this package
// writes before each page's raw bytes.
const pageHeaderSize = 8

// A Writer writes a sequential stream of pages, each carrying the
// number of records it holds and its raw (already record-aligned)
// bytes.
type Writer interface {
	// WritePage writes one page to the stream.
	WritePage(ctx context.Context, n int, data []byte) error
}

// A Reader reads a sequential stream of pages written by a Writer.
type Reader interface {
	// ReadPage reads the next page into buf, which must be at least as
	// large as the largest page written to this stream. It returns the
	// number of records in the page and the number of bytes decoded
	// into buf. ReadPage returns EOF (with n == 0) once the stream is
	// exhausted.
	ReadPage(ctx context.Context, buf []byte) (n, size int, err error)
}

// fileWriter writes pages to an io.Writer as a sequence of
// (n uint32, size uint32, data[size]) records.
type fileWriter struct {
	w io.Writer
}

// NewWriter returns a Writer that appends pages to w.
func NewWriter(w io.Writer) Writer {
	return &fileWriter{w: w}
}

func (f *fileWriter) WritePage(ctx context.Context, n int, data []byte) error {
	var hdr [pageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(n))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return errors.E(errors.Unknown, err)
	}
	if _, err := f.w.Write(data); err != nil {
		return errors.E(errors.Unknown, err)
	}
	return nil
}

// fileReader reads pages written by fileWriter from an io.Reader.
type fileReader struct {
	r io.Reader
}

// NewReader returns a Reader that reads pages sequentially from r.
func NewReader(r io.Reader) Reader {
	return &fileReader{r: r}
}

func (f *fileReader) ReadPage(ctx context.Context, buf []byte) (n, size int, err error) {
	var hdr [pageHeaderSize]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, 0, EOF
		}
		return 0, 0, errors.E(errors.Unknown, err)
	}
	n = int(binary.LittleEndian.Uint32(hdr[0:4]))
	size = int(binary.LittleEndian.Uint32(hdr[4:8]))
	if size > len(buf) {
		return 0, 0, errors.E(errors.Invalid, "sliceio: page too large for supplied buffer")
	}
	if _, err := io.ReadFull(f.r, buf[:size]); err != nil {
		return 0, 0, errors.E(errors.Unknown, err)
	}
	return n, size, nil
}

// ClosingReader closes the underlying io.Closer the first time
// ReadPage returns any error, including EOF.
type ClosingReader struct {
	Reader
	io.Closer
}

func (c *ClosingReader) ReadPage(ctx context.Context, buf []byte) (int, int, error) {
	n, size, err := c.Reader.ReadPage(ctx, buf)
	if err != nil && c.Closer != nil {
		c.Closer.Close()
		c.Closer = nil
	}
	return n, size, err
}

// MultiReader concatenates readers in order, returning EOF only once
// every underlying reader is exhausted.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

type multiReader struct {
	q   []Reader
	err error
}

func (m *multiReader) ReadPage(ctx context.Context, buf []byte) (int, int, error) {
	if m.err != nil {
		return 0, 0, m.err
	}
	for len(m.q) > 0 {
		n, size, err := m.q[0].ReadPage(ctx, buf)
		switch {
		case err == EOF:
			m.q = m.q[1:]
		case err != nil:
			m.err = err
			return 0, 0, err
		default:
			return n, size, nil
		}
	}
	return 0, 0, EOF
}
