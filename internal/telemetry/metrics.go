package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kunihei/memocrm-docker/internal/telemetry/domain"
)

// Metrics counts auth events and transaction retries. It is also an EventEmitter.
type Metrics struct {
	events  metric.Int64Counter
	retries metric.Int64Counter
	revoked metric.Int64Counter
}

// NewMetrics registers the auth counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	events, err := meter.Int64Counter("memocrm.auth.events",
		metric.WithDescription("Auth lifecycle events by type"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("memocrm.auth.tx_retries",
		metric.WithDescription("Credential store transactions retried after contention"))
	if err != nil {
		return nil, err
	}
	revoked, err := meter.Int64Counter("memocrm.auth.tokens_revoked",
		metric.WithDescription("Refresh tokens revoked by logout or session policy"))
	if err != nil {
		return nil, err
	}
	return &Metrics{events: events, retries: retries, revoked: revoked}, nil
}

// Emit increments the event counter for event.Type.
func (m *Metrics) Emit(ctx context.Context, event *domain.AuthEvent) error {
	if m == nil || event == nil {
		return nil
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(event.Type))))
	switch event.Type {
	case domain.EventLogout, domain.EventLoginSucceeded:
		// Count on a successful login is what the single-session policy revoked.
		if event.Count > 0 {
			m.revoked.Add(ctx, event.Count, metric.WithAttributes(attribute.String("event_type", string(event.Type))))
		}
	}
	return nil
}

// RecordTxRetry counts one retried transaction for op (login, refresh, logout).
func (m *Metrics) RecordTxRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
