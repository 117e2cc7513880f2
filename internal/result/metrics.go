package result

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type recorderMetrics struct {
	scores   metric.Int64Counter
	rejected metric.Int64Counter
}

func newRecorderMetrics(logger pslog.Logger) *recorderMetrics {
	meter := otel.Meter("pkt.systems/dataserver/result")
	m := &recorderMetrics{}
	var err error

	m.scores, err = meter.Int64Counter(
		"dataserver.result.scores",
		metric.WithDescription("Scores accepted from clients"),
	)
	logMetricInitError(logger, "dataserver.result.scores", err)

	m.rejected, err = meter.Int64Counter(
		"dataserver.result.rejected",
		metric.WithDescription("Scores rejected during reconciliation"),
	)
	logMetricInitError(logger, "dataserver.result.rejected", err)

	return m
}

func (m *recorderMetrics) recordScore(ctx context.Context) {
	if m == nil || m.scores == nil {
		return
	}
	m.scores.Add(ctx, 1)
}

func (m *recorderMetrics) recordRejected(ctx context.Context, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("dataserver.result.reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
