package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	metrics.DispatcherStarted("PUSH")
	metrics.DispatcherStopped("PUSH")
	metrics.QueueDepthObserved("PUSH", 3)

	attrs := map[string]string{LabelOpType: "push-pull"}
	metrics.StageStarted("PUSH", attrs)
	metrics.StageCompleted("PUSH", attrs)
	metrics.StageFailed("PUSH", errors.New("boom"), attrs)
	metrics.ReadyQuorumReached("local_reduce", nil)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"commfabric_dispatcher_started_total":    1,
		"commfabric_dispatcher_stopped_total":    1,
		"commfabric_stage_started_total":         1,
		"commfabric_stage_completed_total":       1,
		"commfabric_stage_failed_total":          1,
		"commfabric_ready_quorum_reached_total":  1,
		"commfabric_queue_depth":                 3,
	}

	for name, want := range cases {
		if got := findMetricValue(mfs, name); got != want {
			t.Fatalf("unexpected metric %s: got %v want %v", name, got, want)
		}
	}
}

func findMetricValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return -1
}
