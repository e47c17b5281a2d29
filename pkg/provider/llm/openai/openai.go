// Package openai is an [llm.Provider] on the official OpenAI Go SDK
// (github.com/openai/openai-go). Any chat-completions server works through
// [WithBaseURL], which covers Ollama's /v1 endpoint, vLLM and LM Studio.
//
//	p, err := openai.New(key, "gpt-4o-mini")
//	p, err := openai.New("ollama", "llama3.2:3b", openai.WithBaseURL("http://localhost:11434/v1"))
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

const providerName = "openai-llm"

// Option customises the SDK client built by [New].
type Option func(*[]option.RequestOption)

func with(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at another chat-completions server.
func WithBaseURL(url string) Option { return with(option.WithBaseURL(url)) }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return with(option.WithOrganization(org)) }

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return with(option.WithHTTPClient(&http.Client{Timeout: d}))
}

// WithHTTPClient replaces the HTTP client. It overrides an earlier
// [WithTimeout].
func WithHTTPClient(hc *http.Client) Option { return with(option.WithHTTPClient(hc)) }

// Provider is an [llm.Provider] backed by chat completions.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// New builds a Provider for model. Local servers that ignore authentication
// still need some non-empty apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	// Retries happen in the pipeline, not the SDK.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (string, error) {
	params, err := p.params(req)
	if err != nil {
		return "", provider.Permanent(providerName, err)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", ClassifyError(providerName, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", provider.Transient(providerName, errors.New("no choices returned"))
	}

	c := resp.Choices[0]
	reply := strings.TrimSpace(c.Message.Content)
	switch {
	case c.FinishReason == "content_filter":
		return "", provider.Permanent(providerName, errors.New("reply blocked by content filter"))
	case reply == "" && c.Message.Refusal != "":
		return "", provider.Permanent(providerName, fmt.Errorf("model refused: %s", c.Message.Refusal))
	case reply == "":
		return "", provider.Permanent(providerName, errors.New("empty reply"))
	}
	return reply, nil
}

func (p *Provider) params(req llm.Request) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported message role %q", m.Role)
}

// ClassifyError turns an SDK error into a provider error: API errors by
// HTTP status, anything else through [provider.Classify]. The STT and TTS
// adapters on the same SDK use it too.
func ClassifyError(name string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(name, apiErr.StatusCode, err)
	}
	return provider.Classify(name, err)
}
