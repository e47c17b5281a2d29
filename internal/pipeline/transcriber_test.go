package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/pkg/provider"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

func newTestTranscriber(p *sttmock.Provider, conv *conversation.Context, attempts int) *Transcriber {
	return NewTranscriber(TranscriberConfig{
		Provider:     p,
		Context:      conv,
		Retrier:      fastRetrier(attempts),
		MinUtterance: 200 * time.Millisecond,
		Language:     "en",
	})
}

func TestTranscriber_Success(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Text: "  what's the weather like  "}
	conv := conversation.New()
	tr := newTestTranscriber(p, conv, 3)

	turn, err := tr.Transcribe(context.Background(), testUtterance(1200*time.Millisecond))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if turn.Role != conversation.RoleUser || turn.Content != "what's the weather like" || turn.Seq != 1 {
		t.Errorf("turn = %+v", turn)
	}

	if p.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", p.CallCount())
	}
	call := p.Calls[0]
	if want := testFormat.FrameBytes(1200 * time.Millisecond); len(call.PCM) != want {
		t.Errorf("pcm bytes = %d, want %d", len(call.PCM), want)
	}
	if call.Hints.SampleRate != testRate || call.Hints.Channels != 1 || call.Hints.Language != "en" {
		t.Errorf("hints = %+v", call.Hints)
	}
}

func TestTranscriber_TooShortSkipsProvider(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Text: "uh"}
	conv := conversation.New()
	tr := newTestTranscriber(p, conv, 3)

	_, err := tr.Transcribe(context.Background(), testUtterance(100*time.Millisecond))
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
	if p.CallCount() != 0 {
		t.Errorf("calls = %d, want 0", p.CallCount())
	}
	if conv.Len() != 0 {
		t.Errorf("turns = %d, want 0", conv.Len())
	}
}

func TestTranscriber_NoSpeech(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Text: "   "}
	conv := conversation.New()
	tr := newTestTranscriber(p, conv, 3)

	_, err := tr.Transcribe(context.Background(), testUtterance(500*time.Millisecond))
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
	if conv.Len() != 0 {
		t.Errorf("turns = %d, want 0", conv.Len())
	}
}

func TestTranscriber_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{Script: []sttmock.Result{
		{Err: provider.Transient("mock-stt", errors.New("upstream timeout"))},
		{Text: "hello there"},
	}}
	conv := conversation.New()
	tr := newTestTranscriber(p, conv, 3)

	if _, err := tr.Transcribe(context.Background(), testUtterance(time.Second)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("calls = %d, want 2", p.CallCount())
	}
	turns := conv.Snapshot()
	if len(turns) != 1 || turns[0].Role != conversation.RoleUser || turns[0].Content != "hello there" {
		t.Errorf("turns = %+v, want one user turn", turns)
	}
}

func TestTranscriber_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		err          error
		wantKind     provider.Kind
		wantAttempts int
	}{
		{"permanent", provider.Permanent("mock-stt", errors.New("unsupported audio")), provider.KindPermanent, 1},
		{"transient exhausts budget", provider.Transient("mock-stt", errors.New("503")), provider.KindTransient, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &sttmock.Provider{Err: tt.err}
			conv := conversation.New()
			tr := newTestTranscriber(p, conv, 3)

			_, err := tr.Transcribe(context.Background(), testUtterance(time.Second))
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StageError", err)
			}
			if se.Stage != StageSTT || se.Kind != tt.wantKind || se.Attempts != tt.wantAttempts {
				t.Errorf("StageError = {%s %s %d}, want {stt %s %d}", se.Stage, se.Kind, se.Attempts, tt.wantKind, tt.wantAttempts)
			}
			if p.CallCount() != tt.wantAttempts {
				t.Errorf("calls = %d, want %d", p.CallCount(), tt.wantAttempts)
			}
			if conv.Len() != 0 {
				t.Errorf("turns = %d, want 0", conv.Len())
			}
		})
	}
}
