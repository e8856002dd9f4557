// Package pstransport declares the parameter-server transport collaborator:
// the push/pull RPC to PS shards and the peer send/recv used by P2P tasks.
// Which physical server a key routes to is decided upstream by package
// keyenc; Transport only needs the resulting server/rank index.
package pstransport

import (
	"context"

	"github.com/bytegrid/commfabric/errs"
)

// Transport is the network collaborator. A single Transport instance is
// shared by every PUSH/PULL/SEND/RECV stage worker in the process.
type Transport interface {
	// Push ships data to server's shard of key, returning once the server
	// has applied it (PUSH stage).
	Push(ctx context.Context, server int, key uint64, data []byte) errs.Status
	// Pull fetches the current value of key from server into dst, which
	// must be sized to the expected length (PULL stage).
	Pull(ctx context.Context, server int, key uint64, dst []byte) errs.Status

	// Send transmits data to receiverRank under key (SEND stage of a P2P task).
	Send(ctx context.Context, receiverRank int, key uint64, data []byte) errs.Status
	// Recv blocks until a Send from senderRank under key has arrived,
	// copying it into dst (RECV stage).
	Recv(ctx context.Context, senderRank int, key uint64, dst []byte) errs.Status

	// Barrier blocks until every rank in the job has called Barrier with the
	// same epoch, used for the barrier-on-first-declared-tensor rendezvous.
	Barrier(ctx context.Context, epoch int) errs.Status

	// Rank reports this process's rank within the job.
	Rank() int
}
