// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmr

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grailbio/base/errors"
)

// runTasks invokes run once for every task index this rank owns out
// of [0, nmap), per cfg.MapStyle (spec.md §6.3 mapstyle; SPEC_FULL.md
// supplemented feature 4; the three branches mirror
// original_source/new/mapreduce.cpp's MapReduce::map mapstyle
// switch). With a single rank, every task runs locally regardless of
// style, matching the original's "nprocs == 1" fast path.
func (e *Engine) runTasks(ctx context.Context, nmap int, run func(ctx context.Context, taskIndex int) error) error {
	n := e.N()
	if n == 1 {
		for i := 0; i < nmap; i++ {
			if err := run(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	switch e.cfg.MapStyle {
	case MapStyleChunk:
		rank := e.Rank()
		lo := rank * nmap / n
		hi := (rank + 1) * nmap / n
		for i := lo; i < hi; i++ {
			if err := run(ctx, i); err != nil {
				return err
			}
		}
		return nil
	case MapStyleStride:
		for i := e.Rank(); i < nmap; i += n {
			if err := run(ctx, i); err != nil {
				return err
			}
		}
		return nil
	case MapStyleMasterWorker:
		return e.runTasksMasterWorker(ctx, nmap, run)
	default:
		return errors.E(errors.Precondition, fmt.Sprintf("bigmr: invalid mapstyle %d", e.cfg.MapStyle))
	}
}

// runTasksMasterWorker implements mapstyle 2: rank 0 hands out task
// indices on demand as workers finish, rather than assigning ranges
// up front (original_source's me==0 dispatch loop). Rank 0's
// per-worker goroutines (golang.org/x/sync/errgroup, the same
// fan-out idiom kmv.Convert and exec/bigmachine.go use) each
// point-to-point Send/Recv with one worker, so a worker that finishes
// early is handed its next task sooner without requiring a
// receive-from-any-source primitive on transport.Group. Rank 0 never
// runs a task itself, matching the original.
func (e *Engine) runTasksMasterWorker(ctx context.Context, nmap int, run func(ctx context.Context, taskIndex int) error) error {
	if e.Rank() == 0 {
		var mu sync.Mutex
		next := 0
		g, gctx := errgroup.WithContext(ctx)
		for worker := 1; worker < e.N(); worker++ {
			worker := worker
			g.Go(func() error {
				for {
					mu.Lock()
					task := next
					if task < nmap {
						next++
					}
					mu.Unlock()
					if task >= nmap {
						return e.group.Send(gctx, worker, nil)
					}
					if err := e.group.Send(gctx, worker, encodeUint64(uint64(task))); err != nil {
						return err
					}
					if _, err := e.group.Recv(gctx, worker); err != nil {
						return err
					}
				}
			})
		}
		return g.Wait()
	}
	for {
		data, err := e.group.Recv(ctx, 0)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		idx := int(decodeUint64(data))
		if err := run(ctx, idx); err != nil {
			return err
		}
		if err := e.group.Send(ctx, 0, []byte{0}); err != nil {
			return err
		}
	}
}
