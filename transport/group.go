// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport provides the message-passing fabric a bigmr
// engine runs its collective and point-to-point operations over
// (spec.md §5): the irregular all-to-all behind Aggregate, the
// collective sum behind the "total records after this operator"
// return value of every operator (spec.md §6.2), and the
// point-to-point sends behind Gather/Scrunch and master/worker
// file-Map (SPEC_FULL.md supplemented feature 4).
//
// Two implementations are provided: Local, an in-process
// channel-based rendezvous for tests and single-machine runs, and
// Bigmachine, which runs the same Group contract over a real
// bigmachine cluster (grounded on exec/bigmachine.go).
package transport

import "context"

// A Group is the fixed set of peer ranks a bigmr engine instance runs
// over. Every method is a suspension point (spec.md §5): it blocks the
// calling rank until every peer has made the matching call, except
// Send/Recv, which are point-to-point.
type Group interface {
	// Rank returns this handle's rank, in [0, N()).
	Rank() int
	// N returns the number of ranks in the group.
	N() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// SumUint64 is a collective sum: every rank contributes v and
	// receives back the sum of every rank's v. Used for operator
	// return-value totals (spec.md §6.2).
	SumUint64(ctx context.Context, v uint64) (uint64, error)

	// MaxUint64 is a collective max, used to compute the trailing-page
	// loop bound for Aggregate (max pages across ranks) without
	// assuming every rank has the same page count.
	MaxUint64(ctx context.Context, v uint64) (uint64, error)

	// Alltoall performs one round of a personalized exchange: payload[j]
	// is the bytes this rank sends to rank j (payload[Rank()] is a local
	// loopback, not sent over the wire). It returns recv, where recv[j]
	// is the bytes received from rank j. Every rank must call Alltoall
	// the same number of times in a run (spec.md §9 resolved in
	// SPEC_FULL.md); a short-circuiting rank deadlocks its peers.
	Alltoall(ctx context.Context, payload [][]byte) (recv [][]byte, err error)

	// Send delivers data to rank dest's next matching Recv(ctx, Rank()).
	// Used by Gather's point-to-point re-basing and master/worker
	// file-Map dispatch (SPEC_FULL.md supplemented features 2 and 4).
	Send(ctx context.Context, dest int, data []byte) error

	// Recv blocks until rank src calls Send(ctx, Rank(), data) and
	// returns data.
	Recv(ctx context.Context, src int) ([]byte, error)
}
