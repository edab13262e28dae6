// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(configureRequest{})
	gob.Register(exchangeRequest{})
	gob.Register(collectiveRequest{})
	gob.Register(sendRequest{})
}

// Bigmachine is both the Group implementation an engine rank uses to
// talk to its peers, and the bigmachine RPC service ("Worker") every
// peer registers to receive those calls — the same duality
// exec/bigmachine.go's worker has (it is simultaneously the thing
// Machine.Call targets and, via its own fields, the thing that issues
// calls to other machines for e.g. combiner commits). StartBigmachine
// boots a cluster of n machines, installs one Bigmachine per machine as
// its "Worker" service, then has each one dial every peer so it holds
// direct *bigmachine.Machine handles — grounded on
// exec/slicemachine.go's startMachines (bigmachine.Services{"Worker":
// ...} + b.Start(ctx, n, params...)).
type Bigmachine struct {
	b    *bigmachine.B
	rank int
	n    int

	mu    sync.Mutex
	peers []*bigmachine.Machine // nil at index rank (self; Send/Recv to self never crosses the wire)

	barrier *round
	sum     *round
	max     *round

	alltoallMu    sync.Mutex
	alltoallRound int
	alltoallBox   map[[2]int]chan []byte // key: {round, src}

	ptMu  sync.Mutex
	ptBox map[int]chan []byte // key: src rank, for Send/Recv
}

// StartBigmachine boots n bigmachine machines under system, wires each
// one up with direct handles to every peer, and returns one Bigmachine
// Group per rank. The returned Groups are only meaningful when driven
// from code running inside each respective machine's own process (the
// usual bigmachine pattern: the driver calls StartBigmachine and then
// dispatches a "run the engine as rank r" RPC to machine r, rather than
// running Group methods itself from the driver's own process).
func StartBigmachine(ctx context.Context, system bigmachine.System, n int) ([]*Bigmachine, error) {
	b := bigmachine.Start(system)
	workers := make([]*Bigmachine, n)
	for r := 0; r < n; r++ {
		workers[r] = &Bigmachine{
			n:           n,
			barrier:     newRound(n),
			sum:         newRound(n),
			max:         newRound(n),
			alltoallBox: make(map[[2]int]chan []byte),
			ptBox:       make(map[int]chan []byte),
		}
	}
	services := make([]bigmachine.Param, n)
	for r := range workers {
		services[r] = bigmachine.Services{"Worker": workers[r]}
	}
	machines, err := b.Start(ctx, n, services...)
	if err != nil {
		return nil, errors.E(errors.Net, err)
	}
	for r, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return nil, errors.E(errors.Net, fmt.Errorf("machine %s failed to start: %v", m.Addr, err))
		}
		workers[r].b = b
		workers[r].rank = r
	}
	for r, w := range workers {
		w.mu.Lock()
		w.peers = make([]*bigmachine.Machine, n)
		for j, m := range machines {
			if j != r {
				w.peers[j] = m
			}
		}
		w.mu.Unlock()
	}
	return workers, nil
}

func (g *Bigmachine) Rank() int { return g.rank }
func (g *Bigmachine) N() int    { return g.n }

func (g *Bigmachine) peer(rank int) *bigmachine.Machine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peers[rank]
}

func (g *Bigmachine) call(ctx context.Context, rank int, method string, req, reply interface{}) error {
	m := g.peer(rank)
	if m == nil {
		return errors.E(errors.Fatal, fmt.Sprintf("transport: no peer handle for rank %d", rank))
	}
	if err := m.RetryCall(ctx, "Worker."+method, req, reply); err != nil {
		if errors.Is(errors.Net, err) || errors.IsTemporary(err) {
			return errors.E(errors.Net, err)
		}
		return errors.E(errors.Fatal, err)
	}
	return nil
}

// configureRequest is unused once peer dialing happens in
// StartBigmachine directly (the driver already holds every machine's
// handle from b.Start); kept so the RPC type set mirrors a cluster
// where peers are discovered dynamically (gob.Register needs a
// concrete type either way).
type configureRequest struct{}

// --- Worker RPC surface (invoked by peers' Bigmachine.call) ---

type collectiveRequest struct {
	Kind  string // "barrier", "sum", "max"
	Rank  int
	Value uint64
}

// Collective serves a peer's Barrier/SumUint64/MaxUint64 call. It is
// only meaningful when invoked against rank 0's machine, which plays
// collective coordinator (star topology, per spec.md §5's "blocks
// until every peer reaches it" requirement, not any particular tree
// shape).
func (g *Bigmachine) Collective(ctx context.Context, req collectiveRequest, reply *uint64) error {
	var r *round
	switch req.Kind {
	case "barrier":
		r = g.barrier
	case "sum":
		r = g.sum
	case "max":
		r = g.max
	default:
		return errors.E(errors.Fatal, "transport: unknown collective kind "+req.Kind)
	}
	var compute func([]interface{}) []interface{}
	switch req.Kind {
	case "barrier":
		compute = func(data []interface{}) []interface{} { return make([]interface{}, len(data)) }
	case "sum":
		compute = func(data []interface{}) []interface{} {
			var total uint64
			for _, d := range data {
				total += d.(uint64)
			}
			out := make([]interface{}, len(data))
			for i := range out {
				out[i] = total
			}
			return out
		}
	case "max":
		compute = func(data []interface{}) []interface{} {
			var m uint64
			for _, d := range data {
				if v := d.(uint64); v > m {
					m = v
				}
			}
			out := make([]interface{}, len(data))
			for i := range out {
				out[i] = m
			}
			return out
		}
	}
	res, err := r.enter(ctx, req.Rank, req.Value, compute)
	if err != nil {
		return err
	}
	if v, ok := res.(uint64); ok {
		*reply = v
	}
	return nil
}

func (g *Bigmachine) Barrier(ctx context.Context) error {
	var reply uint64
	return g.call(ctx, 0, "Collective", collectiveRequest{Kind: "barrier", Rank: g.rank}, &reply)
}

func (g *Bigmachine) SumUint64(ctx context.Context, v uint64) (uint64, error) {
	var reply uint64
	err := g.call(ctx, 0, "Collective", collectiveRequest{Kind: "sum", Rank: g.rank, Value: v}, &reply)
	return reply, err
}

func (g *Bigmachine) MaxUint64(ctx context.Context, v uint64) (uint64, error) {
	var reply uint64
	err := g.call(ctx, 0, "Collective", collectiveRequest{Kind: "max", Rank: g.rank, Value: v}, &reply)
	return reply, err
}

// exchangeRequest carries this rank's payload for one Alltoall round
// to a single destination.
type exchangeRequest struct {
	Round int
	Rank  int
	Data  []byte
}

// Exchange serves one peer's delivery of its payload for this rank,
// depositing it into the round-keyed mailbox that this rank's own
// Alltoall call drains.
func (g *Bigmachine) Exchange(ctx context.Context, req exchangeRequest, reply *struct{}) error {
	g.alltoallMu.Lock()
	ch, ok := g.alltoallBox[[2]int{req.Round, req.Rank}]
	if !ok {
		ch = make(chan []byte, 1)
		g.alltoallBox[[2]int{req.Round, req.Rank}] = ch
	}
	g.alltoallMu.Unlock()
	ch <- req.Data
	return nil
}

// Alltoall implements spec.md §4.7's payload-exchange stage: post one
// Exchange RPC per destination concurrently (mirroring
// exec/bigmachine.go's errgroup-style fan-out of per-machine calls),
// then drain the mailbox every peer's Exchange call deposits into.
func (g *Bigmachine) Alltoall(ctx context.Context, payload [][]byte) ([][]byte, error) {
	if len(payload) != g.n {
		return nil, errors.E(errors.Fatal,
			fmt.Sprintf("transport: Alltoall payload has %d entries, want %d", len(payload), g.n))
	}
	g.alltoallMu.Lock()
	round := g.alltoallRound
	g.alltoallRound++
	g.alltoallMu.Unlock()

	errc := make(chan error, g.n)
	for dest := 0; dest < g.n; dest++ {
		dest := dest
		go func() {
			if dest == g.rank {
				errc <- nil
				return
			}
			var reply struct{}
			errc <- g.call(ctx, dest, "Exchange", exchangeRequest{Round: round, Rank: g.rank, Data: payload[dest]}, &reply)
		}()
	}
	for i := 0; i < g.n; i++ {
		if err := <-errc; err != nil {
			return nil, err
		}
	}

	recv := make([][]byte, g.n)
	recv[g.rank] = payload[g.rank]
	for src := 0; src < g.n; src++ {
		if src == g.rank {
			continue
		}
		g.alltoallMu.Lock()
		ch, ok := g.alltoallBox[[2]int{round, src}]
		if !ok {
			ch = make(chan []byte, 1)
			g.alltoallBox[[2]int{round, src}] = ch
		}
		g.alltoallMu.Unlock()
		select {
		case data := <-ch:
			recv[src] = data
		case <-ctx.Done():
			return nil, errors.E(errors.Net, ctx.Err())
		}
		g.alltoallMu.Lock()
		delete(g.alltoallBox, [2]int{round, src})
		g.alltoallMu.Unlock()
	}
	return recv, nil
}

type sendRequest struct {
	Src  int
	Data []byte
}

// Send delivers data to rank dest's mailbox, which dest's
// Recv(ctx, Rank()) drains: through dest's Deliver RPC, or directly
// when dest is this rank. Used by Gather/Scrunch's rebasing sends and
// master/worker file-Map dispatch.
func (g *Bigmachine) Send(ctx context.Context, dest int, data []byte) error {
	if dest == g.rank {
		g.deliver(g.rank, data)
		return nil
	}
	var reply struct{}
	return g.call(ctx, dest, "Deliver", sendRequest{Src: g.rank, Data: data}, &reply)
}

// Deliver is the worker-side RPC handler for a peer's Send; it can't
// share the client-facing Send method's name since bigmachine's RPC
// dispatch and the Group interface have incompatible signatures here.
func (g *Bigmachine) Deliver(ctx context.Context, req sendRequest, reply *struct{}) error {
	g.deliver(req.Src, req.Data)
	return nil
}

func (g *Bigmachine) deliver(src int, data []byte) {
	g.ptMu.Lock()
	ch, ok := g.ptBox[src]
	if !ok {
		ch = make(chan []byte, 1)
		g.ptBox[src] = ch
	}
	g.ptMu.Unlock()
	ch <- data
}

func (g *Bigmachine) Recv(ctx context.Context, src int) ([]byte, error) {
	g.ptMu.Lock()
	ch, ok := g.ptBox[src]
	if !ok {
		ch = make(chan []byte, 1)
		g.ptBox[src] = ch
	}
	g.ptMu.Unlock()
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, errors.E(errors.Net, ctx.Err())
	}
}
