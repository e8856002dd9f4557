package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus collectors.
type PrometheusMetrics struct {
	queueDepth       *prometheus.GaugeVec
	dispatcherStart  *prometheus.CounterVec
	dispatcherStop   *prometheus.CounterVec
	stageStarted     *prometheus.CounterVec
	stageCompleted   *prometheus.CounterVec
	stageFailed      *prometheus.CounterVec
	readyQuorumHit   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_queue_depth",
			Help:        "Number of tasks currently queued per stage",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage}),
		dispatcherStart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_dispatcher_started_total",
			Help:        "Number of times a stage worker loop started",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage}),
		dispatcherStop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_dispatcher_stopped_total",
			Help:        "Number of times a stage worker loop stopped",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage}),
		stageStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_stage_started_total",
			Help:        "Number of tasks that began executing a stage",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage, LabelOpType}),
		stageCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_stage_completed_total",
			Help:        "Number of tasks that completed a stage successfully",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage, LabelOpType}),
		stageFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_stage_failed_total",
			Help:        "Number of tasks that errored during a stage",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelStage, LabelOpType}),
		readyQuorumHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "commfabric_ready_quorum_reached_total",
			Help:        "Number of times a Ready Table reached its configured quorum",
			ConstLabels: opts.ConstLabels,
		}, []string{LabelTableName}),
	}

	collectors := []prometheus.Collector{
		p.queueDepth, p.dispatcherStart, p.dispatcherStop,
		p.stageStarted, p.stageCompleted, p.stageFailed, p.readyQuorumHit,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMetrics) QueueDepthObserved(stage string, depth int) {
	p.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

func (p *PrometheusMetrics) DispatcherStarted(stage string) {
	p.dispatcherStart.WithLabelValues(stage).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(stage string) {
	p.dispatcherStop.WithLabelValues(stage).Inc()
}

func (p *PrometheusMetrics) StageStarted(stage string, attrs map[string]string) {
	p.stageStarted.WithLabelValues(stage, attrs[LabelOpType]).Inc()
}

func (p *PrometheusMetrics) StageCompleted(stage string, attrs map[string]string) {
	p.stageCompleted.WithLabelValues(stage, attrs[LabelOpType]).Inc()
}

func (p *PrometheusMetrics) StageFailed(stage string, _ error, attrs map[string]string) {
	p.stageFailed.WithLabelValues(stage, attrs[LabelOpType]).Inc()
}

func (p *PrometheusMetrics) ReadyQuorumReached(name string, _ map[string]string) {
	p.readyQuorumHit.WithLabelValues(name).Inc()
}
