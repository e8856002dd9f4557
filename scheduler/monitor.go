package scheduler

import (
	"context"
	"time"
)

// monitorLoop periodically logs each stage's queue depth, flagging a stage
// whose queue is non-empty and has not shrunk since the previous tick as a
// likely straggler — the supplemented
// BytePS "Monitor" thread (common/global.cc's PrintQueueStat) reimplemented
// as a goroutine with no mutable global state.
func (rt *Runtime) monitorLoop(ctx context.Context) {
	defer rt.wg.Done()

	interval := rt.monitorInterval
	if rt.Config.MonitorInterval > 0 {
		interval = time.Duration(rt.Config.MonitorInterval) * time.Second
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.stopCh:
			return
		case <-ticker.C:
			rt.reportQueueDepths(last)
		}
	}
}

func (rt *Runtime) reportQueueDepths(last map[string]int) {
	for name, q := range rt.queues {
		depth := q.Len()
		if rt.Metrics != nil {
			rt.Metrics.QueueDepthObserved(string(name), depth)
		}
		prev := last[string(name)]
		if depth > 0 && depth >= prev && rt.Logger != nil {
			rt.Logger.Debugf("scheduler monitor: stage %s queue depth %d (was %d) — possible straggler", name, depth, prev)
		}
		last[string(name)] = depth
	}
}
