// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package alltoall is the planning layer behind Aggregate's irregular
// all-to-all (spec.md §4.7): it turns "records plus a per-record
// destination rank" into the counts-then-payload exchange the
// original's Irregular::pattern/size/exchange performs, delegating the
// actual cross-rank movement to transport.Group.Alltoall.
//
// Unlike the original, bigmr's per-record byte layout (pagebuf.Encode)
// is self-delimiting — a receiver can recover every record's key/value
// lengths by scanning the payload with pagebuf.Decode — so the
// original's separate "size exchange" phase (sending a per-record
// length array ahead of the payload) collapses into sending each
// destination's total record count alongside its payload, which
// callers need anyway to drive kv.KV.AddRaw(n, buf).
package alltoall

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmr/transport"
)

// Exchanger performs one irregular personalized exchange over a
// transport.Group.
type Exchanger struct{}

// Exchange sends payloads[d] (the pre-encoded, concatenated records
// destined for rank d, counts[d] of them) to every rank d and returns
// what this rank received from every source: recvCounts[s] records
// packed in recvPayloads[s]. Both counts and payloads must be sized to
// group.N(). Delivery is complete before Exchange returns (spec.md
// §4.7's guarantee); per-source ordering is preserved, cross-source
// ordering is not specified.
func (Exchanger) Exchange(ctx context.Context, group transport.Group, counts []int, payloads [][]byte) (recvCounts []int, recvPayloads [][]byte, err error) {
	n := group.N()
	if len(counts) != n || len(payloads) != n {
		return nil, nil, errors.E(errors.Fatal, "alltoall: counts/payloads must be sized to the group")
	}

	// Plan + size: exchange per-destination record counts so every
	// rank learns how many records (not just how many bytes) it is
	// about to receive from each source.
	countBytes := make([][]byte, n)
	for d, c := range counts {
		countBytes[d] = encodeCount(c)
	}
	recvCountBytes, err := group.Alltoall(ctx, countBytes)
	if err != nil {
		return nil, nil, err
	}
	recvCounts = make([]int, n)
	for s, b := range recvCountBytes {
		recvCounts[s] = decodeCount(b)
	}

	// Payload: the actual packed records.
	recvPayloads, err = group.Alltoall(ctx, payloads)
	if err != nil {
		return nil, nil, err
	}
	return recvCounts, recvPayloads, nil
}

func encodeCount(n int) []byte {
	var b [8]byte
	v := uint64(n)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b[:]
}

func decodeCount(b []byte) int {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return int(v)
}
