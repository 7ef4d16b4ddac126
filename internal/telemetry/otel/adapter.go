package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/kunihei/memocrm-docker/internal/telemetry"
	"github.com/kunihei/memocrm-docker/internal/telemetry/domain"
)

// RecordEmitter is the subset of otellog.Logger used by the event emitter.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that writes auth events as OTel log records.
// A nil provider yields a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName + "/auth"))
}

// NewEventEmitterWithLogger wraps any record sink.
func NewEventEmitterWithLogger(logger RecordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.AuthEvent) error { return nil }

type otelEmitter struct {
	logger RecordEmitter
}

func (e *otelEmitter) Emit(ctx context.Context, event *domain.AuthEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(string(event.Type)))
	rec.SetSeverity(severity(event.Type))
	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	if event.Source != "" {
		rec.AddAttributes(otellog.String("source", event.Source))
	}
	if event.UserID != 0 {
		rec.AddAttributes(otellog.Int64("user_id", event.UserID))
	}
	if event.DeviceName != "" {
		rec.AddAttributes(otellog.String("device_name", event.DeviceName))
	}
	if event.IPAddress != "" {
		rec.AddAttributes(otellog.String("ip_address", event.IPAddress))
	}
	if event.Reason != "" {
		rec.AddAttributes(otellog.String("reason", event.Reason))
	}
	if event.Fingerprint != "" {
		rec.AddAttributes(otellog.String("fingerprint", event.Fingerprint))
	}
	if event.Count != 0 {
		rec.AddAttributes(otellog.Int64("count", event.Count))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severity(t domain.EventType) otellog.Severity {
	switch t {
	case domain.EventRefreshReplay:
		return otellog.SeverityWarn
	case domain.EventLoginFailed, domain.EventRefreshFailed, domain.EventRateLimited:
		return otellog.SeverityInfo2
	default:
		return otellog.SeverityInfo
	}
}
