// Package pipeline implements the stages of one voice conversation turn:
// segmenting inbound audio into utterances, transcribing them, generating a
// reply and synthesising it onto the outbound bus.
//
// Every provider call runs under the session's [resilience.Retrier] and is
// reported as either success or a [*StageError]; there is no partial
// success. Stages are driven by a single turn-loop goroutine per session and
// are not safe for concurrent use unless stated otherwise.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider"
)

// Stage names a step of the pipeline. The value doubles as the metric and
// log label.
type Stage string

const (
	StageSTT      Stage = "stt"
	StageLLM      Stage = "llm"
	StageGreeting Stage = "greeting"
	StageTTS      Stage = "tts"
)

// ErrTooShort is returned by [Transcriber.Transcribe] for utterances below
// the minimum duration. It marks noise, not a failure.
var ErrTooShort = errors.New("pipeline: utterance too short")

// ErrNoSpeech is returned by [Transcriber.Transcribe] when the provider
// recognised no words.
var ErrNoSpeech = errors.New("pipeline: no speech recognised")

// StageError is the failure of one stage after the retry loop gave up.
type StageError struct {
	Stage Stage

	// Kind is the classification of the final attempt's error.
	Kind provider.Kind

	// Attempts is how many times the provider was called.
	Attempts int

	Err error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s failed (%s, %d attempt(s)): %v", e.Stage, e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.Err }

// Transient reports whether the final failure was transient.
func (e *StageError) Transient() bool { return e.Kind == provider.KindTransient }

func newStageError(stage Stage, attempts int, err error) *StageError {
	kind := provider.KindPermanent
	if provider.IsTransient(err) || errors.Is(err, resilience.ErrCircuitOpen) {
		kind = provider.KindTransient
	}
	return &StageError{Stage: stage, Kind: kind, Attempts: attempts, Err: err}
}

// runner executes provider calls for the stages of one session.
type runner struct {
	retrier *resilience.Retrier
	metrics *observe.Metrics
}

func newRunner(r *resilience.Retrier, m *observe.Metrics) runner {
	if r == nil {
		r = resilience.NewRetrier(resilience.RetryPolicy{MaxAttempts: 1})
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return runner{retrier: r, metrics: m}
}

// run calls op under the retrier inside a span named after stage and records
// the outcome. A failure is returned as a *StageError. A result arriving
// after ctx ended is dropped and ctx.Err() returned.
func (r runner) run(ctx context.Context, stage Stage, op func(ctx context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(stage),
		trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	start := time.Now()
	attempts, err := r.retrier.Do(ctx, string(stage), op)
	r.metrics.RecordStage(ctx, string(stage), time.Since(start), err)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return ctx.Err()
	}

	se := newStageError(stage, attempts, err)
	r.metrics.RecordProviderError(ctx, string(stage), se.Kind.String())
	span.RecordError(err)
	span.SetStatus(codes.Error, se.Kind.String())
	return se
}
