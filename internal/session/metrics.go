package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	active   metric.Int64UpDownCounter
	total    metric.Int64Counter
	duration metric.Float64Histogram
	pairs    metric.Int64Counter
	bytes    metric.Int64Counter
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/dataserver/session")
	m := &sessionMetrics{}
	var err error

	m.active, err = meter.Int64UpDownCounter(
		"dataserver.session.active",
		metric.WithDescription("Sessions currently being served"),
	)
	logMetricInitError(logger, "dataserver.session.active", err)

	m.total, err = meter.Int64Counter(
		"dataserver.session.total",
		metric.WithDescription("Finished sessions by outcome"),
	)
	logMetricInitError(logger, "dataserver.session.total", err)

	m.duration, err = meter.Float64Histogram(
		"dataserver.session.duration",
		metric.WithDescription("Session duration"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "dataserver.session.duration", err)

	m.pairs, err = meter.Int64Counter(
		"dataserver.session.pairs",
		metric.WithDescription("Revision pairs streamed per session"),
	)
	logMetricInitError(logger, "dataserver.session.pairs", err)

	m.bytes, err = meter.Int64Counter(
		"dataserver.session.bytes",
		metric.WithDescription("Bytes streamed to clients"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "dataserver.session.bytes", err)

	return m
}

func (m *sessionMetrics) begin(ctx context.Context) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *sessionMetrics) end(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("dataserver.session.outcome", outcome))
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	if m.total != nil {
		m.total.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *sessionMetrics) sent(ctx context.Context, pairs, bytes int64) {
	if m == nil {
		return
	}
	if m.pairs != nil {
		m.pairs.Add(ctx, pairs)
	}
	if m.bytes != nil {
		m.bytes.Add(ctx, bytes)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
