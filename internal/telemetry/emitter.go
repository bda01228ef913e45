package telemetry

import (
	"context"

	"auction-tracker/backend/internal/telemetry/domain"
)

// EventEmitter emits broker events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Telemetry) error
}

// MultiEmitter fans one event out to several emitters. The first error is returned after all ran.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event *domain.Telemetry) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
