package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// EventRecorder appends runtime events to the store on a best-effort basis.
// A failed write is logged and discarded; the execution path never sees it.
type EventRecorder struct {
	store  Store
	logger *slog.Logger
}

func NewEventRecorder(s Store, logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{store: s, logger: logger}
}

// Record appends one event. Detail values that fail to marshal are dropped
// rather than blocking the event.
func (r *EventRecorder) Record(ctx context.Context, executionID, nodeExecutionID, eventType string, level dsl.EventLevel, message string, detail map[string]any) {
	var raw json.RawMessage
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	ev := &RuntimeEvent{
		ExecutionID:     executionID,
		NodeExecutionID: nodeExecutionID,
		EventType:       eventType,
		Level:           level,
		Message:         message,
		Detail:          raw,
		OccurredAt:      time.Now().UTC(),
	}
	if err := r.store.AppendRuntimeEvent(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "runtime event write failed",
			"execution_id", executionID,
			"event_type", eventType,
			"error", err)
	}
}

// Info records an INFO-level execution event with no node association.
func (r *EventRecorder) Info(ctx context.Context, executionID, eventType, message string, detail map[string]any) {
	r.Record(ctx, executionID, "", eventType, dsl.LevelInfo, message, detail)
}

// Warn records a WARN-level execution event.
func (r *EventRecorder) Warn(ctx context.Context, executionID, eventType, message string, detail map[string]any) {
	r.Record(ctx, executionID, "", eventType, dsl.LevelWarn, message, detail)
}

// Error records an ERROR-level execution event.
func (r *EventRecorder) Error(ctx context.Context, executionID, eventType, message string, detail map[string]any) {
	r.Record(ctx, executionID, "", eventType, dsl.LevelError, message, detail)
}
