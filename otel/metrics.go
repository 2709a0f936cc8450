package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lys5588/psylens/runtime"
)

// MetricsHandler translates Psylens runtime events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures, pauses,
// and run durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	runPauses      metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording Psylens runtime metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("psylens.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("psylens.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	runPauses, err := meter.Int64Counter("psylens.run.pauses",
		metric.WithDescription("Number of run pauses, by reason"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("psylens.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("psylens.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		runPauses:      runPauses,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventInferenceCompleted:
		h.handleNodeCompleted(e)
	case runtime.EventInferenceFailed:
		h.handleNodeFailed(e)
	case runtime.EventRunPaused:
		h.handleRunPaused(e)
	case runtime.EventRunCompleted, runtime.EventRunFailed, runtime.EventExecutionStopped:
		h.handleRunEnded(e)
	}
}

// handleNodeCompleted increments the execution counter and records duration.
func (h *MetricsHandler) handleNodeCompleted(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node", e.Node),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleNodeFailed increments the failure counter.
func (h *MetricsHandler) handleNodeFailed(e runtime.Event) {
	h.nodeFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node", e.Node),
	))
}

// handleRunPaused counts pauses by reason.
func (h *MetricsHandler) handleRunPaused(e runtime.Event) {
	reason := ""
	if r, ok := e.Payload["reason"].(string); ok {
		reason = r
	}
	h.runPauses.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// handleRunEnded records the run duration with its outcome.
func (h *MetricsHandler) handleRunEnded(e runtime.Event) {
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("outcome", string(e.Kind)),
	))
}
