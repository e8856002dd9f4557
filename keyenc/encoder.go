package keyenc

import (
	"fmt"
	"sync"
)

// Topology carries the cluster facts the encoder needs beyond the key itself:
// how many servers exist, which of them are colocated with a worker process
// on the same host, how many physical nodes exist (for djb2-colocate), and
// the fixed server-local-root offset used by the colocate-aware hashes.
type Topology struct {
	NumServers          int
	ColocatedServers    []int
	NonColocatedServers []int
	NumPhysicalNodes    int
	ServerLocalRoot     int
	NumWorkers          int
	MixedModeBound      int64
}

// Encoder assigns routing keys to parameter-server shards and memoizes the
// assignment for the process lifetime, per spec.md §4.2 ("a routing key maps
// to exactly one server"). It also accumulates per-server assigned byte
// lengths for load observability.
type Encoder struct {
	topo    Topology
	hashFn  string
	hash    HashFn

	mu          sync.Mutex
	memo        map[uint64]int
	serverBytes []int64
}

// New constructs an Encoder configured with the named hash function
// (spec.md §6 KEY_HASH_FN) over the given topology.
func New(hashFnName string, topo Topology) (*Encoder, error) {
	if topo.NumServers <= 0 {
		return nil, fmt.Errorf("keyenc: topology requires at least one server")
	}
	fn, err := hashByName(hashFnName)
	if err != nil {
		return nil, err
	}
	if hashFnName == "mixed" {
		if topo.MixedModeBound != 0 && topo.MixedModeBound < int64(topo.NumServers) {
			return nil, fmt.Errorf("keyenc: mixed mode bound %d must be >= num_servers %d", topo.MixedModeBound, topo.NumServers)
		}
		if len(topo.ColocatedServers)+len(topo.NonColocatedServers) != topo.NumServers {
			return nil, fmt.Errorf("keyenc: mixed mode requires colocated+non-colocated servers to cover NumServers")
		}
	}
	return &Encoder{
		topo:        topo,
		hashFn:      hashFnName,
		hash:        fn,
		memo:        make(map[uint64]int),
		serverBytes: make([]int64, topo.NumServers),
	}, nil
}

// EncodeDefaultKey maps key to a server index using the configured hash
// function, memoizing the result and accruing len bytes to that server's
// observed load. Repeated calls with the same key return the same server for
// the process lifetime.
func (e *Encoder) EncodeDefaultKey(key uint64, length int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if server, ok := e.memo[key]; ok {
		e.serverBytes[server] += int64(length)
		return server
	}

	var server int
	switch e.hashFn {
	case "djb2-colocate":
		server = e.colocateServer(key)
	case "mixed":
		server = e.mixedServer(key)
	default:
		server = int(e.hash(key) % uint64(e.topo.NumServers))
	}

	e.memo[key] = server
	e.serverBytes[server] += int64(length)
	return server
}

func (e *Encoder) colocateServer(key uint64) int {
	nodes := e.topo.NumPhysicalNodes
	if nodes <= 0 {
		nodes = e.topo.NumServers
	}
	node := int(DJB2(key) % uint64(nodes))
	server := node + e.topo.ServerLocalRoot
	if server >= e.topo.NumServers {
		server %= e.topo.NumServers
	}
	return server
}

// mixedRatio is "derived from worker count": the fraction of traffic that
// should prefer the non-colocated server group, approximated as the inverse
// of the worker count (more workers sharing fewer colocated servers pushes
// more traffic to the non-colocated group).
func (e *Encoder) mixedRatio() float64 {
	if e.topo.NumWorkers <= 0 {
		return 0.5
	}
	return 1.0 / float64(e.topo.NumWorkers)
}

func (e *Encoder) mixedServer(key uint64) int {
	bound := e.topo.MixedModeBound
	if bound <= 0 {
		bound = int64(e.topo.NumServers)
	}
	threshold := int64(e.mixedRatio() * float64(bound))
	bucket := int64(DJB2(key) % uint64(bound))

	if bucket < threshold && len(e.topo.NonColocatedServers) > 0 {
		group := e.topo.NonColocatedServers
		return group[SDBM(key)%uint64(len(group))]
	}
	if len(e.topo.ColocatedServers) > 0 {
		group := e.topo.ColocatedServers
		return group[SDBM(key)%uint64(len(group))]
	}
	return int(e.hash(key) % uint64(e.topo.NumServers))
}

// EncodeP2PKey routes directly to the receiver's server shard, bypassing
// hashing entirely, matching spec.md §4.2.
func (e *Encoder) EncodeP2PKey(key uint64, length int, receiver int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo[key] = receiver
	if receiver >= 0 && receiver < len(e.serverBytes) {
		e.serverBytes[receiver] += int64(length)
	}
	return receiver
}

// ServerBytes returns a snapshot of accumulated assigned byte-lengths per server.
func (e *Encoder) ServerBytes() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.serverBytes))
	copy(out, e.serverBytes)
	return out
}

// Lookup returns the memoized server assignment for key, if any.
func (e *Encoder) Lookup(key uint64) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	server, ok := e.memo[key]
	return server, ok
}
