package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	queueDepth      metric.Int64Gauge
	dispatcherStart metric.Int64Counter
	dispatcherStop  metric.Int64Counter
	stageStarted    metric.Int64Counter
	stageCompleted  metric.Int64Counter
	stageFailed     metric.Int64Counter
	readyQuorumHit  metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/bytegrid/commfabric/telemetry"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	queueDepth, err := meter.Int64Gauge("commfabric.queue.depth")
	if err != nil {
		return nil, err
	}
	dispatcherStart, err := meter.Int64Counter("commfabric.dispatcher.started")
	if err != nil {
		return nil, err
	}
	dispatcherStop, err := meter.Int64Counter("commfabric.dispatcher.stopped")
	if err != nil {
		return nil, err
	}
	stageStarted, err := meter.Int64Counter("commfabric.stage.started")
	if err != nil {
		return nil, err
	}
	stageCompleted, err := meter.Int64Counter("commfabric.stage.completed")
	if err != nil {
		return nil, err
	}
	stageFailed, err := meter.Int64Counter("commfabric.stage.failed")
	if err != nil {
		return nil, err
	}
	readyQuorumHit, err := meter.Int64Counter("commfabric.ready.quorum_reached")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		queueDepth:      queueDepth,
		dispatcherStart: dispatcherStart,
		dispatcherStop:  dispatcherStop,
		stageStarted:    stageStarted,
		stageCompleted:  stageCompleted,
		stageFailed:     stageFailed,
		readyQuorumHit:  readyQuorumHit,
	}, nil
}

func (o *OTelMetrics) QueueDepthObserved(stage string, depth int) {
	o.queueDepth.Record(context.Background(), int64(depth), metric.WithAttributes(attribute.String(LabelStage, stage)))
}

func (o *OTelMetrics) DispatcherStarted(stage string) {
	o.dispatcherStart.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelStage, stage)))
}

func (o *OTelMetrics) DispatcherStopped(stage string) {
	o.dispatcherStop.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelStage, stage)))
}

func (o *OTelMetrics) StageStarted(stage string, attrs map[string]string) {
	o.stageStarted.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelStage, stage), attribute.String(LabelOpType, attrs[LabelOpType])))
}

func (o *OTelMetrics) StageCompleted(stage string, attrs map[string]string) {
	o.stageCompleted.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelStage, stage), attribute.String(LabelOpType, attrs[LabelOpType])))
}

func (o *OTelMetrics) StageFailed(stage string, _ error, attrs map[string]string) {
	o.stageFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelStage, stage), attribute.String(LabelOpType, attrs[LabelOpType])))
}

func (o *OTelMetrics) ReadyQuorumReached(name string, _ map[string]string) {
	o.readyQuorumHit.Add(context.Background(), 1, metric.WithAttributes(attribute.String(LabelTableName, name)))
}
