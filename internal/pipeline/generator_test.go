package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func newTestGenerator(p *llmmock.Provider, conv *conversation.Context, window int) *Generator {
	return NewGenerator(GeneratorConfig{
		Provider:            p,
		Context:             conv,
		Retrier:             fastRetrier(3),
		SystemPrompt:        "You are a helpful voice assistant.",
		GreetingInstruction: "Greet the user.",
		Window:              window,
		Temperature:         0.7,
	})
}

func TestGenerator_UsesTrailingWindow(t *testing.T) {
	t.Parallel()
	conv := conversation.New()
	for _, turn := range []struct {
		role conversation.Role
		text string
	}{
		{conversation.RoleAssistant, "Hi!"},
		{conversation.RoleUser, "one"},
		{conversation.RoleAssistant, "two"},
		{conversation.RoleUser, "three"},
	} {
		if _, err := conv.Append(turn.role, turn.text); err != nil {
			t.Fatal(err)
		}
	}
	p := &llmmock.Provider{Reply: "four"}
	g := newTestGenerator(p, conv, 2)

	turn, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if turn.Seq != 5 || turn.Role != conversation.RoleAssistant || turn.Content != "four" {
		t.Errorf("turn = %+v", turn)
	}

	req, ok := p.LastRequest()
	if !ok {
		t.Fatal("provider not called")
	}
	if req.SystemPrompt != "You are a helpful voice assistant." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	want := []llm.Message{
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d", len(req.Messages), len(want))
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("messages[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestGenerator_PermanentFailureSingleAttempt(t *testing.T) {
	t.Parallel()
	conv := conversation.New()
	if _, err := conv.Append(conversation.RoleUser, "say something rude"); err != nil {
		t.Fatal(err)
	}
	p := &llmmock.Provider{Err: provider.Permanent("mock-llm", errors.New("content policy"))}
	g := newTestGenerator(p, conv, 10)

	_, err := g.Generate(context.Background())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StageError", err)
	}
	if se.Stage != StageLLM || se.Transient() || se.Attempts != 1 {
		t.Errorf("StageError = {%s %s %d}, want {llm permanent 1}", se.Stage, se.Kind, se.Attempts)
	}
	if p.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", p.CallCount())
	}
	if conv.Len() != 1 {
		t.Errorf("turns = %d, want 1", conv.Len())
	}
}

func TestGenerator_TransientRetried(t *testing.T) {
	t.Parallel()
	conv := conversation.New()
	if _, err := conv.Append(conversation.RoleUser, "hello"); err != nil {
		t.Fatal(err)
	}
	p := &llmmock.Provider{Script: []llmmock.Result{
		{Err: provider.Transient("mock-llm", errors.New("429"))},
		{Err: provider.Transient("mock-llm", errors.New("429"))},
		{Text: "hi there"},
	}}
	g := newTestGenerator(p, conv, 10)

	turn, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if turn.Content != "hi there" {
		t.Errorf("Content = %q", turn.Content)
	}
	if p.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", p.CallCount())
	}
}

func TestGenerator_EmptyReplyIsPermanent(t *testing.T) {
	t.Parallel()
	conv := conversation.New()
	p := &llmmock.Provider{Reply: "   "}
	g := newTestGenerator(p, conv, 10)

	_, err := g.Generate(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Transient() {
		t.Fatalf("err = %v, want permanent StageError", err)
	}
	if conv.Len() != 0 {
		t.Errorf("turns = %d, want 0", conv.Len())
	}
}

func TestGenerator_CircuitOpenIsTransientAndNotRetried(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Err: provider.Transient("mock-llm", resilience.ErrCircuitOpen)}
	g := newTestGenerator(p, conversation.New(), 10)

	_, err := g.Generate(context.Background())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StageError", err)
	}
	if !se.Transient() || se.Attempts != 1 {
		t.Errorf("StageError = {%s %d}, want {transient 1}", se.Kind, se.Attempts)
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Error("error does not match ErrCircuitOpen")
	}
}

func TestGenerator_Greeting(t *testing.T) {
	t.Parallel()
	conv := conversation.New()
	p := &llmmock.Provider{Reply: "Hello! I'm your voice assistant."}
	g := newTestGenerator(p, conv, 10)

	turn, err := g.GenerateGreeting(context.Background())
	if err != nil {
		t.Fatalf("GenerateGreeting: %v", err)
	}
	if turn.Seq != 1 || turn.Role != conversation.RoleAssistant {
		t.Errorf("turn = %+v, want assistant turn 1", turn)
	}

	req, _ := p.LastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "Greet the user." {
		t.Errorf("messages = %+v, want the greeting instruction only", req.Messages)
	}
	if conv.Len() != 1 {
		t.Errorf("turns = %d, want 1 (instruction must not be committed)", conv.Len())
	}
}

func TestGenerator_GreetingFailureLabelsStage(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Err: provider.Permanent("mock-llm", errors.New("bad key"))}
	g := newTestGenerator(p, conversation.New(), 10)

	_, err := g.GenerateGreeting(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageGreeting {
		t.Fatalf("err = %v, want greeting StageError", err)
	}
}
