package pstransport

import (
	"context"
	"sync"

	"github.com/bytegrid/commfabric/errs"
)

type mailboxKey struct {
	receiver int
	sender   int
	key      uint64
}

// Hub is the shared in-process broker backing every InMemoryTransport in a
// simulated job. It stands in for the real PS/RPC fabric in tests and in
// single-machine "joint" deployments (rtconfig.RoleJoint) where workers and
// servers share one process.
type Hub struct {
	numRanks int

	mu        sync.Mutex
	cond      *sync.Cond
	shards    map[int]map[uint64][]byte
	mailboxes map[mailboxKey][][]byte

	barrierEpoch   int
	barrierArrived int
}

// NewHub constructs a Hub for a job of numRanks ranks.
func NewHub(numRanks int) *Hub {
	h := &Hub{
		numRanks:  numRanks,
		shards:    make(map[int]map[uint64][]byte),
		mailboxes: make(map[mailboxKey][][]byte),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// InMemoryTransport is the reference Transport implementation, backed by a
// shared Hub. Construct one per rank via Hub.NewTransport.
type InMemoryTransport struct {
	hub  *Hub
	rank int
}

// NewTransport returns a Transport for rank, sharing h's state with every
// other rank's transport.
func (h *Hub) NewTransport(rank int) *InMemoryTransport {
	return &InMemoryTransport{hub: h, rank: rank}
}

func (t *InMemoryTransport) Rank() int { return t.rank }

func (t *InMemoryTransport) Push(ctx context.Context, server int, key uint64, data []byte) errs.Status {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	shard, ok := h.shards[server]
	if !ok {
		shard = make(map[uint64][]byte)
		h.shards[server] = shard
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	shard[key] = buf
	return errs.StatusOK
}

func (t *InMemoryTransport) Pull(ctx context.Context, server int, key uint64, dst []byte) errs.Status {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	shard, ok := h.shards[server]
	if !ok {
		return errs.New(errs.PreconditionError, "pstransport: server %d has no shard", server)
	}
	val, ok := shard[key]
	if !ok {
		return errs.New(errs.PreconditionError, "pstransport: server %d has no value for key %d", server, key)
	}
	copy(dst, val)
	return errs.StatusOK
}

func (t *InMemoryTransport) Send(ctx context.Context, receiverRank int, key uint64, data []byte) errs.Status {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	mk := mailboxKey{receiver: receiverRank, sender: t.rank, key: key}
	buf := make([]byte, len(data))
	copy(buf, data)
	h.mailboxes[mk] = append(h.mailboxes[mk], buf)
	h.cond.Broadcast()
	return errs.StatusOK
}

func (t *InMemoryTransport) Recv(ctx context.Context, senderRank int, key uint64, dst []byte) errs.Status {
	h := t.hub
	mk := mailboxKey{receiver: t.rank, sender: senderRank, key: key}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.mailboxes[mk]) == 0 {
		if ctx.Err() != nil {
			return errs.New(errs.Aborted, "pstransport: recv cancelled: %v", ctx.Err())
		}
		h.cond.Wait()
	}
	queue := h.mailboxes[mk]
	msg := queue[0]
	h.mailboxes[mk] = queue[1:]
	copy(dst, msg)
	return errs.StatusOK
}

func (t *InMemoryTransport) Barrier(ctx context.Context, epoch int) errs.Status {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.barrierEpoch < epoch {
		if ctx.Err() != nil {
			return errs.New(errs.Aborted, "pstransport: barrier cancelled: %v", ctx.Err())
		}
		h.cond.Wait()
	}

	h.barrierArrived++
	if h.barrierArrived == h.numRanks {
		h.barrierArrived = 0
		h.barrierEpoch++
		h.cond.Broadcast()
		return errs.StatusOK
	}

	for h.barrierEpoch == epoch {
		if ctx.Err() != nil {
			return errs.New(errs.Aborted, "pstransport: barrier cancelled: %v", ctx.Err())
		}
		h.cond.Wait()
	}
	return errs.StatusOK
}
