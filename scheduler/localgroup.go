package scheduler

import (
	"sync"

	"github.com/bytegrid/commfabric/device"
)

// LocalGroup rendezvous the fixed-size set of local peers that share one
// device.Runtime around a single derived routing key, carrying each peer's
// device pointer to whichever one of them (the local root) runs the actual
// Device.Reduce/Device.Broadcast call.
//
// ready.Table's Wait only lets one caller per round past the quorum, which
// matches this Runtime's single-task-per-key reference model everywhere
// else, but is the wrong shape here: every one of size peers must proceed
// together, and the peer doing the real device work must finish it before
// ANY of them -- including itself -- is released, or a non-root could
// observe a half-written buffer. LocalGroup keeps the same quorum-counter
// shape as ready.Table (a mutex-guarded map keyed by routing key) but adds a
// payload slot per peer and a single before-release hook.
type LocalGroup struct {
	mu     sync.Mutex
	size   int
	rounds map[uint64]*localRound
}

type localRound struct {
	ptrs     []device.Pointer
	joined   int
	onQuorum func([]device.Pointer) error
	err      error
	done     chan struct{}
}

// NewLocalGroup constructs a LocalGroup for size local peers. size<=1 still
// works correctly: the lone Join call is immediately the last joiner and
// returns without blocking.
func NewLocalGroup(size int) *LocalGroup {
	if size <= 0 {
		size = 1
	}
	return &LocalGroup{size: size, rounds: make(map[uint64]*localRound)}
}

// Join records localRank's device pointer for key. onQuorum, if non-nil, is
// registered to run exactly once -- on whichever goroutine happens to be the
// last of size peers to join -- after every peer has joined and strictly
// before any of them is released. Every caller blocks until that point and
// returns the same slate of peer pointers ordered by local rank, plus
// whatever error onQuorum returned. The round is removed as soon as the last
// joiner arrives, so the same key can be reused by a later round (e.g. a
// repeated push-pull on the same tensor) without colliding with this one.
func (g *LocalGroup) Join(key uint64, localRank int, ptr device.Pointer, onQuorum func([]device.Pointer) error) ([]device.Pointer, error) {
	g.mu.Lock()
	r, ok := g.rounds[key]
	if !ok {
		r = &localRound{ptrs: make([]device.Pointer, g.size), done: make(chan struct{})}
		g.rounds[key] = r
	}
	r.ptrs[localRank] = ptr
	if onQuorum != nil {
		r.onQuorum = onQuorum
	}
	r.joined++
	last := r.joined == g.size
	if last {
		delete(g.rounds, key)
	}
	g.mu.Unlock()

	if last {
		if r.onQuorum != nil {
			r.err = r.onQuorum(r.ptrs)
		}
		close(r.done)
	}
	<-r.done
	return r.ptrs, r.err
}
