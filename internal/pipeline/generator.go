package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

var errEmptyReply = errors.New("empty reply")

// GeneratorConfig configures a [Generator].
type GeneratorConfig struct {
	// Provider produces replies. Required.
	Provider llm.Provider

	// Context is read for the window and receives assistant turns. Required.
	Context *conversation.Context

	// Retrier wraps every provider call. Nil means a single attempt.
	Retrier *resilience.Retrier

	SystemPrompt string

	// GreetingInstruction asks the model for the opening line.
	GreetingInstruction string

	// Window is how many trailing turns are sent to the model. Zero sends
	// all of them.
	Window int

	Temperature float64
	MaxTokens   int

	// Metrics records stage outcomes. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Generator produces assistant turns from the conversation so far.
type Generator struct {
	cfg GeneratorConfig
	run runner
}

// NewGenerator returns a Generator for cfg.
func NewGenerator(cfg GeneratorConfig) *Generator {
	return &Generator{cfg: cfg, run: newRunner(cfg.Retrier, cfg.Metrics)}
}

// Generate asks the model for a reply to the trailing conversation window
// and appends it as an assistant turn.
func (g *Generator) Generate(ctx context.Context) (conversation.Turn, error) {
	req := g.request(conversation.Messages(g.cfg.Context.Window(g.cfg.Window)))
	text, err := g.call(ctx, StageLLM, req)
	if err != nil {
		return conversation.Turn{}, err
	}
	return g.cfg.Context.Append(conversation.RoleAssistant, text)
}

// GenerateGreeting asks the model for the opening line and appends it as an
// assistant turn. No user turn precedes it; the greeting instruction is sent
// in its place and is not committed.
func (g *Generator) GenerateGreeting(ctx context.Context) (conversation.Turn, error) {
	req := g.request([]llm.Message{{Role: llm.RoleUser, Content: g.cfg.GreetingInstruction}})
	text, err := g.call(ctx, StageGreeting, req)
	if err != nil {
		return conversation.Turn{}, err
	}
	return g.cfg.Context.Append(conversation.RoleAssistant, text)
}

func (g *Generator) request(msgs []llm.Message) llm.Request {
	return llm.Request{
		SystemPrompt: g.cfg.SystemPrompt,
		Messages:     msgs,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}
}

func (g *Generator) call(ctx context.Context, stage Stage, req llm.Request) (string, error) {
	var text string
	err := g.run.run(ctx, stage, func(ctx context.Context) error {
		reply, err := g.cfg.Provider.Generate(ctx, req)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(reply)
		if text == "" {
			return provider.Permanent(string(stage), errEmptyReply)
		}
		return nil
	})
	return text, err
}
