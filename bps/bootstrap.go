package bps

import (
	"github.com/bytegrid/commfabric/device"
	"github.com/bytegrid/commfabric/keyenc"
	"github.com/bytegrid/commfabric/pstransport"
	"github.com/bytegrid/commfabric/rtconfig"
	"github.com/bytegrid/commfabric/scheduler"
	"github.com/bytegrid/commfabric/shm"
	"github.com/bytegrid/commfabric/telemetry"
)

// NewSimulatedJob constructs numRanks scheduler.Runtimes sharing one
// in-process pstransport.Hub, one keyenc.Topology split deterministically
// across colocated/non-colocated server groups, and one SimRuntime device
// plus one pair of scheduler.LocalGroup rendezvous points per host of
// Config.LocalSize consecutive ranks — a single-machine stand-in for a real
// multi-host deployment, used by tests and by joint-role
// (rtconfig.RoleJoint) processes that run worker and server logic together.
func NewSimulatedJob(cfg rtconfig.Config, numRanks int, logger telemetry.Logger, metrics telemetry.MetricHook, tracer telemetry.Tracer) ([]*scheduler.Runtime, error) {
	topo := keyenc.Topology{
		NumServers:       cfg.NumServer,
		NumPhysicalNodes: numRanks,
		ServerLocalRoot:  cfg.ServerLocalRoot,
		NumWorkers:       cfg.NumWorker,
		MixedModeBound:   cfg.MixedModeBound,
	}
	half := cfg.NumServer / 2
	for i := 0; i < cfg.NumServer; i++ {
		if i < half {
			topo.ColocatedServers = append(topo.ColocatedServers, i)
		} else {
			topo.NonColocatedServers = append(topo.NonColocatedServers, i)
		}
	}

	localSize := cfg.LocalSize
	if localSize <= 0 {
		localSize = 1
	}

	hub := pstransport.NewHub(numRanks)
	runtimes := make([]*scheduler.Runtime, numRanks)

	type hostShared struct {
		device         device.Runtime
		reduceGroup    *scheduler.LocalGroup
		broadcastGroup *scheduler.LocalGroup
	}
	hosts := make(map[int]hostShared)

	for rank := 0; rank < numRanks; rank++ {
		encoder, err := keyenc.New(string(cfg.KeyHashFn), topo)
		if err != nil {
			return nil, err
		}

		rankTracer := tracer
		if rankTracer == nil && cfg.TraceOn && cfg.TraceDir != "" {
			rankTracer = telemetry.NewChromeTraceWriter(cfg.TraceDir, rank, cfg.StartStep, cfg.EndStep, nil)
		}

		rt := scheduler.New(cfg, logger, metrics, rankTracer)
		rt.Encoder = encoder
		rt.Transport = hub.NewTransport(rank)

		host := rank / localSize
		shared, ok := hosts[host]
		if !ok {
			shared = hostShared{
				device:         device.NewSimRuntime(0),
				reduceGroup:    scheduler.NewLocalGroup(localSize),
				broadcastGroup: scheduler.NewLocalGroup(localSize),
			}
			hosts[host] = shared
		}
		rt.Device = shared.device
		rt.ReduceGroup = shared.reduceGroup
		rt.BroadcastGroup = shared.broadcastGroup

		rt.Shm = shm.NewInMemoryAllocator()
		runtimes[rank] = rt
	}
	return runtimes, nil
}
