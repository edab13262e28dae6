// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/kv"
)

// MapFiles runs fn once per file in files, collecting the records it
// writes into a fresh KV (spec.md §4.8 map(files, fn), the whole-file
// overload with one task per file). Task-to-rank assignment follows
// cfg.MapStyle, exactly as Map does. MapFiles itself neither stats
// nor opens the files: fn receives each path on whichever rank runs
// that task, and rank 0 broadcasts nothing, since transport.Group
// exposes no broadcast primitive beyond the collectives
// Aggregate/Gather already use.
func (e *Engine) MapFiles(ctx context.Context, files []string, fn MapFileFunc) (uint64, error) {
	if err := e.requireEmpty("map(files)"); err != nil {
		return 0, err
	}
	start, err := e.beginOp(ctx, "map(files)")
	if err != nil {
		return 0, err
	}
	dst := kv.New(e.kvConfig(), e.newPage())
	err = e.runTasks(ctx, len(files), func(ctx context.Context, i int) error {
		return fn(ctx, i, files[i], dst)
	})
	if err != nil {
		dst.Close()
		return 0, err
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	e.logf("map(files): nfiles=%d nkv=%d", len(files), nkv)
	return e.finish(ctx, "map(files)", start, nkv)
}

// Separator identifies the record delimiter MapFileChunks uses to
// avoid splitting a delimited record across two chunks (spec.md §4.10
// map(files, sepchar|sepstr, delta, fn)). Str takes precedence when
// non-empty; otherwise Char is used as a single-byte separator.
type Separator struct {
	Char byte
	Str  string
}

func (s Separator) index(b []byte) int {
	if s.Str != "" {
		return bytes.Index(b, []byte(s.Str))
	}
	return bytes.IndexByte(b, s.Char)
}

func (s Separator) width() int {
	if s.Str != "" {
		return len(s.Str)
	}
	return 1
}

// MapFileChunks splits files into nmap byte chunks, trimmed so that
// no separator-delimited record straddles two chunks, and runs fn
// once per chunk (spec.md §4.10's map(files, sepchar|sepstr, delta,
// fn); original_source/new/mapreduce.cpp's MapReduce::map_file /
// map_file_wrapper). Each chunk read covers chunk_size+delta bytes so
// the trim search always has delta bytes of lookahead/lookbehind
// across a chunk boundary. Chunks are assigned to tasks proportional
// to file size, then to ranks by cfg.MapStyle exactly as Map does.
func (e *Engine) MapFileChunks(ctx context.Context, files []string, nmap int, sep Separator, delta int, fn MapChunkFunc) (uint64, error) {
	if err := e.requireEmpty("map(files, delta)"); err != nil {
		return 0, err
	}
	if nmap < len(files) {
		return 0, errors.E(errors.Precondition, "bigmr: map(files, delta) requires at least as many tasks as files")
	}
	start, err := e.beginOp(ctx, "map(files, delta)")
	if err != nil {
		return 0, err
	}
	plan, err := newFileChunkPlan(files, nmap, delta)
	if err != nil {
		return 0, err
	}
	if plan.nmap != nmap {
		e.logf("map(files, delta): file(s) too small for delta=%d, decreased map tasks to %d", delta, plan.nmap)
	}

	dst := kv.New(e.kvConfig(), e.newPage())
	runErr := e.runTasks(ctx, plan.nmap, func(ctx context.Context, i int) error {
		chunk, err := plan.readChunk(i, sep)
		if err != nil {
			return err
		}
		return fn(ctx, i, chunk, dst)
	})
	if runErr != nil {
		dst.Close()
		return 0, runErr
	}
	if err := dst.Complete(); err != nil {
		dst.Close()
		return 0, err
	}
	e.kv = dst
	nkv, _, _, _ := dst.Totals()
	e.logf("map(files, delta): ntasks=%d nkv=%d", plan.nmap, nkv)
	return e.finish(ctx, "map(files, delta)", start, nkv)
}

// fileChunkPlan precomputes, for every task index, which file it
// reads and where within that file's task range it falls, mirroring
// original_source's FileMap struct (filesize/tasksperfile/whichfile/
// whichtask).
type fileChunkPlan struct {
	files        []string
	sizes        []int64
	tasksPerFile []int
	whichFile    []int
	whichTask    []int
	delta        int
	nmap         int
}

func newFileChunkPlan(files []string, nmap, delta int) (*fileChunkPlan, error) {
	sizes := make([]int64, len(files))
	var total int64
	for i, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errors.E(errors.Unknown, err)
		}
		sizes[i] = fi.Size()
		total += sizes[i]
	}

	tasksPerFile := make([]int, len(files))
	ideal := total / int64(nmap)
	if ideal < 1 {
		ideal = 1
	}
	ntasks := 0
	for i, sz := range sizes {
		t := int(sz / ideal)
		if t < 1 {
			t = 1
		}
		tasksPerFile[i] = t
		ntasks += t
	}
	for ntasks < nmap {
		progressed := false
		for i, sz := range sizes {
			if sz > ideal {
				tasksPerFile[i]++
				ntasks++
				progressed = true
				if ntasks == nmap {
					break
				}
			}
		}
		if !progressed {
			// No file has room to grow further; give the remainder to
			// the largest file regardless of the ideal-size heuristic.
			tasksPerFile[largestFile(sizes)] += nmap - ntasks
			ntasks = nmap
		}
	}
	for ntasks > nmap {
		progressed := false
		for i := range tasksPerFile {
			if tasksPerFile[i] > 1 {
				tasksPerFile[i]--
				ntasks--
				progressed = true
				if ntasks == nmap {
					break
				}
			}
		}
		if !progressed {
			break
		}
	}

	// A chunk too small to hold delta bytes of separator lookahead
	// cannot be trimmed safely; shrink that file's task count until it
	// can, per spec.md §7's non-fatal "chunk reduced" warning.
	for i, sz := range sizes {
		for tasksPerFile[i] > 1 && sz/int64(tasksPerFile[i]) <= int64(delta) {
			tasksPerFile[i]--
			ntasks--
		}
	}

	whichFile := make([]int, 0, ntasks)
	whichTask := make([]int, 0, ntasks)
	for i, t := range tasksPerFile {
		for j := 0; j < t; j++ {
			whichFile = append(whichFile, i)
			whichTask = append(whichTask, j)
		}
	}

	return &fileChunkPlan{
		files:        files,
		sizes:        sizes,
		tasksPerFile: tasksPerFile,
		whichFile:    whichFile,
		whichTask:    whichTask,
		delta:        delta,
		nmap:         ntasks,
	}, nil
}

func largestFile(sizes []int64) int {
	best := 0
	for i, sz := range sizes {
		if sz > sizes[best] {
			best = i
		}
	}
	return best
}

// readChunk reads task i's byte range (plus delta bytes of trailing
// lookahead) from its file and trims it so the returned slice starts
// and ends on separator boundaries, unless it is the first/last task
// of that file (spec.md §4.10).
func (p *fileChunkPlan) readChunk(i int, sep Separator) ([]byte, error) {
	fi := p.whichFile[i]
	itask := p.whichTask[i]
	ntask := p.tasksPerFile[fi]
	filesize := p.sizes[fi]

	readStart := int64(itask) * filesize / int64(ntask)
	readNext := int64(itask+1) * filesize / int64(ntask)
	readSize := readNext - readStart + int64(p.delta)
	if readSize > filesize-readStart {
		readSize = filesize - readStart
	}

	f, err := os.Open(p.files[fi])
	if err != nil {
		return nil, errors.E(errors.Unknown, err)
	}
	defer f.Close()
	buf := make([]byte, readSize)
	if _, err := f.ReadAt(buf, readStart); err != nil {
		return nil, errors.E(errors.Unknown, err)
	}

	start := 0
	if itask > 0 {
		off := sep.index(buf)
		if off < 0 || off > p.delta {
			return nil, errors.E(errors.Fatal,
				fmt.Sprintf("bigmr: map(files, delta): could not find separator within delta in task %d", i))
		}
		start = off + sep.width()
	}

	stop := len(buf)
	if itask < ntask-1 {
		boundary := int(readNext - readStart)
		off := sep.index(buf[boundary:])
		if off < 0 {
			return nil, errors.E(errors.Fatal,
				fmt.Sprintf("bigmr: map(files, delta): could not find separator within delta in task %d", i))
		}
		stop = boundary + off + sep.width()
	}
	return buf[start:stop], nil
}
