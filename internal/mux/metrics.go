package mux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type muxMetrics struct {
	pairs metric.Int64Counter
	bytes metric.Int64Counter
}

func newMuxMetrics(logger pslog.Logger) *muxMetrics {
	meter := otel.Meter("pkt.systems/dataserver/mux")
	m := &muxMetrics{}
	var err error

	m.pairs, err = meter.Int64Counter(
		"dataserver.mux.pairs",
		metric.WithDescription("Frame pairs sent to clients"),
	)
	logMetricInitError(logger, "dataserver.mux.pairs", err)

	m.bytes, err = meter.Int64Counter(
		"dataserver.mux.bytes",
		metric.WithDescription("Bytes sent to clients including frame headers"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "dataserver.mux.bytes", err)

	return m
}

func (m *muxMetrics) recordPair(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	if m.pairs != nil {
		m.pairs.Add(ctx, 1)
	}
	if m.bytes != nil {
		m.bytes.Add(ctx, n)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
