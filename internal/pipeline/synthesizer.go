package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizerConfig configures a [Synthesizer].
type SynthesizerConfig struct {
	// Provider produces speech. Required.
	Provider tts.Provider

	Voice tts.Voice

	// Out receives the reply frames. Required. It should use the
	// [audio.Block] overflow policy so no reply audio is dropped.
	Out *audio.Bus

	// Format is the PCM format frames are pushed in. Provider output is
	// converted to it.
	Format audio.Format

	// FrameDuration is the length of each pushed frame.
	FrameDuration time.Duration

	// Retrier wraps opening the synthesis stream. Nil means a single attempt.
	Retrier *resilience.Retrier

	// Metrics records stage outcomes. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Synthesizer turns reply text into fixed-duration frames on the outbound
// bus. It keeps a playhead so frame timestamps increase across replies.
type Synthesizer struct {
	cfg      SynthesizerConfig
	run      runner
	playhead time.Duration
}

// NewSynthesizer returns a Synthesizer for cfg.
func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	return &Synthesizer{cfg: cfg, run: newRunner(cfg.Retrier, cfg.Metrics)}
}

// Playhead returns the end timestamp of the last frame pushed.
func (s *Synthesizer) Playhead() time.Duration { return s.playhead }

// Synthesize speaks text. Only opening the stream is retried; audio already
// pushed cannot be taken back, so a failure mid-stream is returned as a
// permanent [*StageError]. Pushing blocks while the outbound bus is full. A
// closed bus is returned as an error matching [audio.ErrBusClosed].
func (s *Synthesizer) Synthesize(ctx context.Context, text string) error {
	return s.SynthesizeTurn(ctx, text, time.Time{})
}

// SynthesizeTurn is [Synthesizer.Synthesize] for a reply to user speech that
// ended at speechEnd. The delay until the first reply frame is queued is
// recorded as the turn latency. A zero speechEnd records nothing.
func (s *Synthesizer) SynthesizeTurn(ctx context.Context, text string, speechEnd time.Time) error {
	ctx, span := observe.StartSpan(ctx, "pipeline.tts")
	defer span.End()
	start := time.Now()

	var stream *tts.Stream
	attempts, release, err := s.run.retrier.DoOpen(ctx, string(StageTTS), func(ctx context.Context) error {
		var err error
		stream, err = s.cfg.Provider.Synthesize(ctx, text, s.cfg.Voice)
		return err
	})
	defer release()
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		s.run.metrics.RecordStage(ctx, string(StageTTS), time.Since(start), err)
		se := newStageError(StageTTS, attempts, err)
		s.run.metrics.RecordProviderError(ctx, string(StageTTS), se.Kind.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, se.Kind.String())
		return se
	}

	err = s.play(ctx, stream, speechEnd)
	s.run.metrics.RecordStage(ctx, string(StageTTS), time.Since(start), err)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var se *StageError
	if errors.As(err, &se) {
		s.run.metrics.RecordProviderError(ctx, string(StageTTS), se.Kind.String())
		span.SetStatus(codes.Error, se.Kind.String())
	}
	return err
}

// play reframes the stream onto the outbound bus.
func (s *Synthesizer) play(ctx context.Context, stream *tts.Stream, speechEnd time.Time) error {
	framer := audio.NewFramer(s.cfg.Format, s.cfg.FrameDuration, s.playhead)
	defer func() { s.playhead = framer.Next() }()

	first := true
	push := func(f audio.Frame) error {
		if err := s.cfg.Out.Push(ctx, f); err != nil {
			return fmt.Errorf("pipeline: tts: push frame: %w", err)
		}
		if first {
			first = false
			if !speechEnd.IsZero() {
				s.run.metrics.TurnDuration.Record(ctx, time.Since(speechEnd).Seconds())
			}
		}
		return nil
	}

	for chunk := range stream.Audio {
		pcm := audio.ConvertPCM(chunk, stream.Format, s.cfg.Format)
		for _, f := range framer.Write(pcm) {
			if err := push(f); err != nil {
				go audio.Drain(stream.Audio)
				return err
			}
		}
	}
	if f, ok := framer.Flush(); ok {
		if err := push(f); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return &StageError{Stage: StageTTS, Kind: provider.KindPermanent, Attempts: 1, Err: err}
	}
	return nil
}
