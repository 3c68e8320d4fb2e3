package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alexcelewicz/stepflow/internal/store"
)

// Event is one lifecycle notification delivered to listeners.
type Event struct {
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Listener receives lifecycle events from one executor instance.
// Listeners are injected per instance, never registered globally, so
// isolated engines (e.g. in tests) cannot cross-talk. A listener must
// not block; the executor delivers events synchronously on the
// execution path.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// emit delivers an event to every listener. A panicking listener is
// contained and logged; event delivery never takes down a run.
func (e *Executor) emit(ctx context.Context, event Event) {
	event.Timestamp = e.now()
	for _, l := range e.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.ErrorContext(ctx, "event listener panicked",
						slog.String("event_type", event.Type), slog.Any("panic", r))
				}
			}()
			l.OnEvent(ctx, event)
		}()
	}
}

// StoreListener persists every event into the audit store's event log.
type StoreListener struct {
	audit  store.AuditStore
	logger *slog.Logger
}

// NewStoreListener creates a listener that appends events to the audit store.
func NewStoreListener(audit store.AuditStore, logger *slog.Logger) *StoreListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreListener{audit: audit, logger: logger}
}

func (s *StoreListener) OnEvent(ctx context.Context, event Event) {
	var payload json.RawMessage
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			s.logger.WarnContext(ctx, "marshal event payload", slog.String("error", err.Error()))
		} else {
			payload = raw
		}
	}
	err := s.audit.AppendEvent(ctx, &store.RunEvent{
		RunID:      event.RunID,
		WorkflowID: event.WorkflowID,
		StepID:     event.StepID,
		Type:       event.Type,
		Payload:    payload,
		Timestamp:  event.Timestamp,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "append run event",
			slog.String("event_type", event.Type), slog.String("error", err.Error()))
	}
}

var _ Listener = (*StoreListener)(nil)
var _ Listener = (ListenerFunc)(nil)
