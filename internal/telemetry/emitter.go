package telemetry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kunihei/memocrm-docker/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the servers stop before shutting down exporters,
// so in-flight async emits have time to complete.
const ShutdownDrainDuration = emitTimeout

// EventEmitter emits auth events (OTel logs, Kafka, metrics). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.AuthEvent) error
}

// Multi fans an event out to every non-nil emitter and joins their errors.
type Multi []EventEmitter

// Emit sends event to each emitter in order.
func (m Multi) Emit(ctx context.Context, event *domain.AuthEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitAsync runs Emit in a goroutine bounded by emitTimeout so the request is not blocked.
// emitter and event may be nil. Request cancellation does not abort the emit.
func EmitAsync(emitter EventEmitter, event *domain.AuthEvent, logger *zap.Logger) {
	if emitter == nil || event == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, event); err != nil && logger != nil {
			logger.Warn("auth event emit failed", zap.String("event_type", string(event.Type)), zap.Error(err))
		}
	}()
}
