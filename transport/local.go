// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/ctxsync"
)

// round is a reusable single-shot collective rendezvous for exactly
// n participants: every rank calls enter with its own contribution,
// blocks until every rank has arrived, and receives back its own
// per-rank slot of whatever compute produced from the full
// contribution set. Once every rank has also picked up its result,
// the round resets so the same object can serve the next call to the
// same collective (engine operators are totally ordered per rank and
// every rank runs the identical program, so collectives of the same
// kind are always entered in the same relative order across ranks;
// spec.md §5).
type round struct {
	mu       sync.Mutex
	cond     *ctxsync.Cond
	n        int
	arrived  int
	departed int
	data     []interface{}
	results  []interface{}
	ready    bool
}

func newRound(n int) *round {
	r := &round{n: n, data: make([]interface{}, n)}
	r.cond = ctxsync.NewCond(&r.mu)
	return r
}

func (r *round) enter(ctx context.Context, rank int, val interface{}, compute func([]interface{}) []interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A rank that comes back before every peer has picked up the
	// previous result waits for the round to reset.
	for r.ready {
		if err := r.cond.Wait(ctx); err != nil {
			return nil, errors.E(errors.Net, err)
		}
	}
	r.data[rank] = val
	r.arrived++
	if r.arrived == r.n {
		r.results = compute(r.data)
		r.ready = true
		r.cond.Broadcast()
	} else {
		for !r.ready {
			if err := r.cond.Wait(ctx); err != nil {
				return nil, errors.E(errors.Net, err)
			}
		}
	}
	res := r.results[rank]
	r.departed++
	if r.departed == r.n {
		r.arrived, r.departed, r.ready = 0, 0, false
		r.data = make([]interface{}, r.n)
		r.results = nil
		r.cond.Broadcast()
	}
	return res, nil
}

// localShared is the state every rank's *localGroup handle shares:
// one round per collective kind, plus the point-to-point mailbox
// matrix used by Send/Recv.
type localShared struct {
	n int

	barrier *round
	sum     *round
	max     *round
	all2all *round

	mailboxMu sync.Mutex
	mailbox   map[[2]int]chan []byte
}

// NewLocal returns n Group handles, one per rank, sharing an
// in-process channel-based rendezvous. This is the default transport
// for tests and single-machine runs (spec.md §6.3's implicit
// single-process default).
func NewLocal(n int) []Group {
	if n <= 0 {
		panic("transport: NewLocal requires a positive rank count")
	}
	s := &localShared{
		n:       n,
		barrier: newRound(n),
		sum:     newRound(n),
		max:     newRound(n),
		all2all: newRound(n),
		mailbox: make(map[[2]int]chan []byte),
	}
	groups := make([]Group, n)
	for r := 0; r < n; r++ {
		groups[r] = &localGroup{rank: r, s: s}
	}
	return groups
}

type localGroup struct {
	rank int
	s    *localShared
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) N() int    { return g.s.n }

func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.s.barrier.enter(ctx, g.rank, struct{}{}, func(data []interface{}) []interface{} {
		out := make([]interface{}, len(data))
		return out
	})
	return err
}

func (g *localGroup) SumUint64(ctx context.Context, v uint64) (uint64, error) {
	res, err := g.s.sum.enter(ctx, g.rank, v, func(data []interface{}) []interface{} {
		var total uint64
		for _, d := range data {
			total += d.(uint64)
		}
		out := make([]interface{}, len(data))
		for i := range out {
			out[i] = total
		}
		return out
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (g *localGroup) MaxUint64(ctx context.Context, v uint64) (uint64, error) {
	res, err := g.s.max.enter(ctx, g.rank, v, func(data []interface{}) []interface{} {
		var max uint64
		for _, d := range data {
			if u := d.(uint64); u > max {
				max = u
			}
		}
		out := make([]interface{}, len(data))
		for i := range out {
			out[i] = max
		}
		return out
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (g *localGroup) Alltoall(ctx context.Context, payload [][]byte) ([][]byte, error) {
	if len(payload) != g.s.n {
		return nil, errors.E(errors.Fatal,
			fmt.Sprintf("transport: Alltoall payload has %d entries, want %d", len(payload), g.s.n))
	}
	res, err := g.s.all2all.enter(ctx, g.rank, payload, func(data []interface{}) []interface{} {
		n := len(data)
		out := make([]interface{}, n)
		for dest := 0; dest < n; dest++ {
			recv := make([][]byte, n)
			for src := 0; src < n; src++ {
				recv[src] = data[src].([][]byte)[dest]
			}
			out[dest] = recv
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

func (g *localGroup) mailboxKey(src, dest int) [2]int { return [2]int{src, dest} }

func (g *localGroup) mailboxChan(src, dest int) chan []byte {
	key := g.mailboxKey(src, dest)
	g.s.mailboxMu.Lock()
	defer g.s.mailboxMu.Unlock()
	ch, ok := g.s.mailbox[key]
	if !ok {
		ch = make(chan []byte, 1)
		g.s.mailbox[key] = ch
	}
	return ch
}

func (g *localGroup) Send(ctx context.Context, dest int, data []byte) error {
	ch := g.mailboxChan(g.rank, dest)
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return errors.E(errors.Net, ctx.Err())
	}
}

func (g *localGroup) Recv(ctx context.Context, src int) ([]byte, error) {
	ch := g.mailboxChan(src, g.rank)
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, errors.E(errors.Net, ctx.Err())
	}
}
