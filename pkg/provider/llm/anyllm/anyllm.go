// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving one implementation for the hosted and local model servers that
// library speaks to.
//
//	p, err := anyllm.New("ollama", "llama3.2:3b")
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap erases the concrete provider type returned by a backend package.
func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return f(opts...)
	}
}

var constructors = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Backends returns the backend names [New] accepts, sorted.
func Backends() []string { return slices.Sorted(maps.Keys(constructors)) }

// Provider is an [llm.Provider] over one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New connects to backend (case-insensitive, one of [Backends]) for model.
// Without anyllmlib.WithAPIKey the backend reads its usual environment
// variable, e.g. ANTHROPIC_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, errors.New("anyllm: backend must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	key := strings.ToLower(backend)
	build, ok := constructors[key]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backend, strings.Join(Backends(), ", "))
	}
	b, err := build(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", key, err)
	}
	return &Provider{backend: b, name: "anyllm-" + key, model: model}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (string, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return "", classify(p.name, fmt.Errorf("completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", provider.Transient(p.name, errors.New("no choices returned"))
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if reply == "" {
		return "", provider.Permanent(p.name, errors.New("empty reply"))
	}
	return reply, nil
}

func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: string(m.Role), Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}

// retryable lists fragments of vendor error text that mark a retryable
// condition. any-llm-go reports vendor failures as text only.
var retryable = []string{
	"429", "500", "502", "503", "504", "529",
	"rate limit", "rate_limit", "overloaded", "timeout", "timed out",
	"temporarily unavailable", "connection refused", "connection reset",
}

func classify(name string, err error) error {
	switch {
	case provider.IsTransient(err):
		return provider.Transient(name, err)
	case errors.Is(err, context.Canceled):
		return provider.Permanent(name, err)
	}
	msg := strings.ToLower(err.Error())
	if slices.ContainsFunc(retryable, func(s string) bool { return strings.Contains(msg, s) }) {
		return provider.Transient(name, err)
	}
	return provider.Permanent(name, err)
}
