package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TranscriberConfig configures a [Transcriber].
type TranscriberConfig struct {
	// Provider performs speech recognition. Required.
	Provider stt.Provider

	// Context receives the user turns. Required.
	Context *conversation.Context

	// Retrier wraps every provider call. Nil means a single attempt.
	Retrier *resilience.Retrier

	// MinUtterance is the shortest utterance worth transcribing.
	MinUtterance time.Duration

	// Language and Prompt are forwarded as recognition hints.
	Language string
	Prompt   string

	// Metrics records stage outcomes. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Transcriber turns closed utterances into user turns.
type Transcriber struct {
	cfg TranscriberConfig
	run runner
}

// NewTranscriber returns a Transcriber for cfg.
func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	return &Transcriber{cfg: cfg, run: newRunner(cfg.Retrier, cfg.Metrics)}
}

// Transcribe recognises u and appends the text as a user turn.
//
// It returns [ErrTooShort] without calling the provider for utterances
// shorter than the configured minimum, [ErrNoSpeech] when the provider heard
// nothing, and a [*StageError] when recognition failed.
func (t *Transcriber) Transcribe(ctx context.Context, u Utterance) (conversation.Turn, error) {
	if u.Duration() < t.cfg.MinUtterance || len(u.Frames) == 0 {
		return conversation.Turn{}, ErrTooShort
	}

	pcm := u.PCM()
	format := u.Format()
	hints := stt.Hints{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   t.cfg.Language,
		Prompt:     t.cfg.Prompt,
	}

	var text string
	err := t.run.run(ctx, StageSTT, func(ctx context.Context) error {
		var err error
		text, err = t.cfg.Provider.Transcribe(ctx, pcm, hints)
		return err
	})
	if err != nil {
		return conversation.Turn{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Turn{}, ErrNoSpeech
	}
	return t.cfg.Context.Append(conversation.RoleUser, text)
}
