// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigmr implements an out-of-core, distributed MapReduce
// engine: one Engine instance runs per rank, holding at most one
// container — a KeyValue multiset (kv.KV) or a KeyMultiValue grouped
// container (kmv.KMV) — at a time, and transitioning between
// ∅/KV/KMV states as its operators are called (spec.md §3.4, §4.8).
// Every rank in a Group runs the identical sequence of operator
// calls; collectives (Group.Barrier/SumUint64/Alltoall) are the only
// synchronization points (spec.md §5).
package bigmr

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/grailbio/bigmr/internal/rankhash"
	"github.com/grailbio/bigmr/internal/stats"
	"github.com/grailbio/bigmr/kmv"
	"github.com/grailbio/bigmr/kv"
	"github.com/grailbio/bigmr/pagebuf"
	"github.com/grailbio/bigmr/transport"
)

// File-Map task assignment styles (spec.md §6.3 mapstyle,
// SPEC_FULL.md supplemented feature 4).
const (
	MapStyleChunk = iota
	MapStyleStride
	MapStyleMasterWorker
)

// Config bundles an Engine's tunables, all drawn from spec.md §6.3.
// The zero value is not directly usable; start from NewConfig.
type Config struct {
	// MemSizeMiB sizes the per-rank memory slab (two working pages
	// plus scratch). Must be positive.
	MemSizeMiB int
	// KeyAlign and ValueAlign are the byte alignments applied to keys
	// and values respectively; each must be a power of two.
	KeyAlign, ValueAlign int
	// MapStyle selects file-Map's task assignment discipline.
	MapStyle int
	// Verbosity gates diagnostic output: 0 silent, 1 operator totals,
	// 2 per-rank histograms.
	Verbosity int
	// Timer selects per-operator wall-clock diagnostics: 0 disables it,
	// 1 barriers at the start of each operator and logs rank 0's
	// elapsed wall time, 2 skips the barrier and logs a cross-rank
	// histogram of every rank's (unsynchronized) elapsed time.
	Timer int
	// ScratchDir is the directory spill files are created under. With
	// the empty string, KV/KMV spill files go in the process's working
	// directory, while convert's bucket directory and sort's run
	// directory are created under the OS temp directory.
	ScratchDir string
}

// NewConfig returns a Config populated with spec.md §6.3's defaults.
func NewConfig() Config {
	return Config{
		MemSizeMiB: 64,
		KeyAlign:   pagebuf.DefaultAlign,
		ValueAlign: pagebuf.DefaultAlign,
		MapStyle:   MapStyleChunk,
		Verbosity:  0,
		Timer:      0,
		ScratchDir: "",
	}
}

// An Option configures an Engine at construction time. Grounded on
// bigslice's Session Option pattern (session.go): a small set of
// named values select the transport, everything else flows through
// Config.
type Option func(*engineOptions)

type engineOptions struct {
	group      transport.Group
	instanceID uint64
	hash       rankhash.Func
}

// WithGroup configures the Group an Engine runs its collectives and
// point-to-point operations over. Required.
func WithGroup(group transport.Group) Option {
	return func(o *engineOptions) { o.group = group }
}

// WithInstanceID sets the identifier mixed into this Engine's
// containers' spill filenames (spec.md §6.4), distinguishing two
// Engines that happen to share a rank and scratch directory (e.g. two
// instances driven from the same test process). Defaults to 0.
func WithInstanceID(id uint64) Option {
	return func(o *engineOptions) { o.instanceID = id }
}

// WithHash overrides the default murmur3-based rank hash (spec.md
// §6.1 hash_fn) that Aggregate uses when passed a nil hash. Convert's
// local bucket hash is not affected.
func WithHash(fn rankhash.Func) Option {
	return func(o *engineOptions) { o.hash = fn }
}

// Engine is one rank's view of a bigmr run: it owns a memory slab
// split into two working pages and a scratch region, holds at most
// one live container, and exposes the operator surface of spec.md
// §4.8.
type Engine struct {
	cfg       Config
	alignment pagebuf.Alignment
	slab      *pagebuf.Slab
	group     transport.Group
	instance  uint64
	hash      rankhash.Func

	stats  *stats.Map
	status *status.Task

	// activeQuarter is the slab quarter occupied by the live
	// container, so the next newPage() picks the other one (spec.md
	// §5's "source and destination never share memory"). It has no
	// meaning while the engine holds no container.
	activeQuarter int

	kv  *kv.KV
	kmv *kmv.KMV
}

// New constructs an Engine in state ∅. cfg.MemSizeMiB, KeyAlign,
// ValueAlign, and MapStyle are all validated; invalid values are a
// Precondition error (spec.md §7).
func New(cfg Config, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.group == nil {
		return nil, errors.E(errors.Precondition, "bigmr: New requires WithGroup")
	}
	if cfg.MapStyle < MapStyleChunk || cfg.MapStyle > MapStyleMasterWorker {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("bigmr: invalid mapstyle %d", cfg.MapStyle))
	}
	a, err := pagebuf.NewAlignment(cfg.KeyAlign, cfg.ValueAlign)
	if err != nil {
		return nil, err
	}
	slab, err := pagebuf.NewSlab(cfg.MemSizeMiB)
	if err != nil {
		return nil, err
	}
	hash := o.hash
	if hash == nil {
		hash = rankhash.Default
	}
	return &Engine{
		cfg:           cfg,
		alignment:     a,
		slab:          slab,
		group:         o.group,
		instance:      o.instanceID,
		hash:          hash,
		stats:         stats.NewMap(),
		activeQuarter: 1,
	}, nil
}

// SetStatus attaches a status.Task that operator diagnostics (at
// verbosity >= 1) are also printed to, mirroring exec/task.go's
// Status.Printf usage.
func (e *Engine) SetStatus(t *status.Task) { e.status = t }

// Stats returns the engine's counters (spec.md §6.3 verbosity output).
func (e *Engine) Stats() *stats.Map { return e.stats }

// Rank returns this engine's rank within its group.
func (e *Engine) Rank() int { return e.group.Rank() }

// N returns the number of ranks in this engine's group.
func (e *Engine) N() int { return e.group.N() }

// Close releases the engine's current container, if any.
func (e *Engine) Close() error {
	if e.kv != nil {
		err := e.kv.Close()
		e.kv = nil
		return err
	}
	if e.kmv != nil {
		err := e.kmv.Close()
		e.kmv = nil
		return err
	}
	return nil
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.cfg.Verbosity < 1 {
		return
	}
	log.Printf("rank %d: "+format, append([]interface{}{e.Rank()}, args...)...)
	if e.status != nil {
		e.status.Printf(format, args...)
	}
}

func (e *Engine) requireEmpty(op string) error {
	if e.kv != nil || e.kmv != nil {
		return errors.E(errors.Precondition, fmt.Sprintf("bigmr: %s requires state ∅", op))
	}
	return nil
}

func (e *Engine) requireKV(op string) error {
	if e.kv == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("bigmr: %s requires a live KV", op))
	}
	return nil
}

func (e *Engine) requireKMV(op string) error {
	if e.kmv == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("bigmr: %s requires a live KMV", op))
	}
	return nil
}

// newPage hands out the slab quarter not currently occupied by the
// live container, and records it as the new active quarter.
func (e *Engine) newPage() []byte {
	q := 1 - e.activeQuarter
	e.activeQuarter = q
	return e.slab.Quarter(q)
}

func (e *Engine) kvConfig() kv.Config {
	return kv.Config{Alignment: e.alignment, ScratchDir: e.cfg.ScratchDir, InstanceID: e.instance, Rank: e.Rank()}
}

func (e *Engine) kmvConfig() kmv.Config {
	return kmv.Config{Alignment: e.alignment, ScratchDir: e.cfg.ScratchDir, InstanceID: e.instance, Rank: e.Rank()}
}

// beginOp marks an operator's start for Timer accounting. Grounded on
// MapReduce::start_timer: the pre-operator barrier only happens for
// timer==1 (barrier-and-wall mode), never for timer==2 (histogram
// mode), since the latter wants each rank's *unsynchronized* elapsed
// time to build the cross-rank distribution.
func (e *Engine) beginOp(ctx context.Context, op string) (time.Time, error) {
	if e.cfg.Timer == 1 {
		if err := e.group.Barrier(ctx); err != nil {
			return time.Time{}, err
		}
	}
	return time.Now(), nil
}

// finish performs the collective sum every operator uses to compute
// its "records across the group after this call" return value
// (spec.md §6.2), then emits whatever diagnostics Verbosity and Timer
// call for, grounded on MapReduce::stats: Verbosity==2 reports a
// per-rank histogram of op's local record count; Timer==1 reports
// rank 0's barrier-synchronized wall time, Timer==2 reports a
// cross-rank histogram of each rank's unsynchronized wall time.
func (e *Engine) finish(ctx context.Context, op string, start time.Time, local uint64) (uint64, error) {
	total, err := e.group.SumUint64(ctx, local)
	if err != nil {
		return 0, err
	}
	if e.cfg.Verbosity >= 2 {
		perRank, err := e.allGatherInt64(ctx, int64(local))
		if err != nil {
			return 0, err
		}
		e.report(stats.Histogram(op, perRank))
	}
	if e.cfg.Timer != 0 {
		elapsed := time.Since(start)
		if e.cfg.Timer == 1 {
			if e.Rank() == 0 {
				e.report(fmt.Sprintf("%s time (secs) = %g", op, elapsed.Seconds()))
			}
		} else {
			perRankNS, err := e.allGatherInt64(ctx, elapsed.Nanoseconds())
			if err != nil {
				return 0, err
			}
			if e.Rank() == 0 {
				e.report(stats.Histogram(op+" time (ns)", perRankNS))
			}
		}
	}
	return total, nil
}

// report prints a pre-formatted diagnostic line unconditionally on
// the calling rank, independent of logf's Verbosity<1 gate: Timer
// output is meant to appear whenever Timer is nonzero, matching
// MapReduce::stats printing timer output ahead of its own verbosity
// check.
func (e *Engine) report(msg string) {
	log.Printf("%s", msg)
	if e.status != nil {
		e.status.Printf("%s", msg)
	}
}

// allGatherInt64 collects every rank's local value, indexed by rank,
// using Alltoall as an all-gather: each rank sends the same payload to
// every destination, so recv[j] is rank j's value. transport.Group has
// no dedicated gather or broadcast primitive (spec.md §5), so this is
// the only collective available to assemble a per-rank diagnostic.
func (e *Engine) allGatherInt64(ctx context.Context, local int64) ([]int64, error) {
	n := e.N()
	buf := encodeUint64(uint64(local))
	payload := make([][]byte, n)
	for i := range payload {
		payload[i] = buf
	}
	recv, err := e.group.Alltoall(ctx, payload)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(recv))
	for i, b := range recv {
		out[i] = int64(decodeUint64(b))
	}
	return out, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
