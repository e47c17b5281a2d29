package session

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventTurnCompleted  EventType = "turn_completed"
	EventStageError     EventType = "stage_error"
	EventSessionEnded   EventType = "session_ended"
)

// Event is one lifecycle event. It carries metadata only, never turn
// content.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time

	// Seq and Role are set on turn_completed.
	Seq  int
	Role string

	// Stage, Kind and Attempts are set on stage_error.
	Stage    string
	Kind     string
	Attempts int

	// Latency is the time from end of speech to the committed reply on an
	// assistant turn_completed, and the session lifetime on session_ended.
	Latency time.Duration

	// Reason explains a stage_error or session_ended.
	Reason string
}

// EventSink consumes lifecycle events. Emit must not block the session;
// sinks backed by slow stores buffer or drop.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// EventSinkFunc adapts a function to [EventSink].
type EventSinkFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// LogSink writes each event as one structured log line.
type LogSink struct {
	Logger *slog.Logger
}

var _ EventSink = LogSink{}

// Emit implements EventSink.
func (s LogSink) Emit(ctx context.Context, e Event) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("session_id", e.SessionID),
	}
	if e.Seq > 0 {
		attrs = append(attrs, slog.Int("seq", e.Seq), slog.String("role", e.Role))
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage), slog.String("kind", e.Kind), slog.Int("attempts", e.Attempts))
	}
	if e.Latency > 0 {
		attrs = append(attrs, slog.Duration("latency", e.Latency))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	level := slog.LevelInfo
	if e.Type == EventStageError {
		level = slog.LevelWarn
	}
	log.LogAttrs(ctx, level, "session event", attrs...)
}

// MultiSink fans every event out to each sink in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
