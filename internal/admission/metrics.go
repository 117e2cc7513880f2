package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type admissionMetrics struct {
	state       metric.Int64ObservableGauge
	sessions    metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newAdmissionMetrics(logger pslog.Logger, controller *Controller) *admissionMetrics {
	meter := otel.Meter("pkt.systems/dataserver/admission")
	m := &admissionMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"dataserver.admission.state",
		metric.WithDescription("Current admission posture"),
	)
	logMetricInitError(logger, "dataserver.admission.state", err)

	m.sessions, err = meter.Int64ObservableGauge(
		"dataserver.admission.sessions",
		metric.WithDescription("Admitted sessions still running"),
	)
	logMetricInitError(logger, "dataserver.admission.sessions", err)

	m.decisions, err = meter.Int64Counter(
		"dataserver.admission.decision",
		metric.WithDescription("Admission decisions"),
	)
	logMetricInitError(logger, "dataserver.admission.decision", err)

	m.transitions, err = meter.Int64Counter(
		"dataserver.admission.transition",
		metric.WithDescription("Admission posture transitions"),
	)
	logMetricInitError(logger, "dataserver.admission.transition", err)

	if m.state != nil && m.sessions != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if controller == nil {
				return nil
			}
			o.ObserveInt64(m.state, int64(controller.State()))
			o.ObserveInt64(m.sessions, controller.Sessions())
			return nil
		}, m.state, m.sessions); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "dataserver.admission.state", "error", err)
		}
	}
	return m
}

func (m *admissionMetrics) recordDecision(ctx context.Context, outcome string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("dataserver.admission.outcome", outcome)))
}

func (m *admissionMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("dataserver.admission.from", from.String()),
		attribute.String("dataserver.admission.to", to.String()),
		attribute.String("dataserver.admission.reason", reasonLabel(reason)),
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
