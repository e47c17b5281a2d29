// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// pre-recorded REST API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	providerName      = "deepgram"
	defaultEndpoint   = "https://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code for recognition (e.g., "en", "de").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the listen endpoint. Used for self-hosted Deepgram
// and in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	client   *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: defaultEndpoint,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe posts raw linear16 PCM to Deepgram and returns the top transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, hints stt.Hints) (string, error) {
	if len(pcm) == 0 {
		return "", provider.Permanent(providerName, errors.New("empty audio"))
	}
	reqURL, err := p.buildURL(hints)
	if err != nil {
		return "", provider.Permanent(providerName, fmt.Errorf("build URL: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(pcm))
	if err != nil {
		return "", provider.Permanent(providerName, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", provider.Classify(providerName, fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", provider.Transient(providerName, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.FromStatus(providerName, resp.StatusCode,
			fmt.Errorf("listen: %s", strings.TrimSpace(string(body))))
	}

	text, err := parseResponse(body)
	if err != nil {
		return "", provider.Permanent(providerName, err)
	}
	return text, nil
}

// buildURL constructs the listen endpoint URL for the given hints.
func (p *Provider) buildURL(hints stt.Hints) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := hints.Language
	if lang == "" {
		lang = p.language
	}
	sr := hints.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := hints.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	if hints.Prompt != "" {
		for _, kw := range strings.Fields(hints.Prompt) {
			q.Add("keyterm", kw)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the subset of the pre-recorded response we consume.
type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseResponse extracts the first alternative of the first channel.
// A response without alternatives is treated as silence.
func parseResponse(data []byte) (string, error) {
	var r listenResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(r.Results.Channels) == 0 || len(r.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(r.Results.Channels[0].Alternatives[0].Transcript), nil
}
