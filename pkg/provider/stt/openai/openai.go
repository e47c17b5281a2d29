// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint (POST /audio/transcriptions).
//
// The same protocol is served by Speaches (faster-whisper), so a local
// whisper deployment is reached by pointing [WithBaseURL] at it.
//
// Usage:
//
//	p, err := openai.New("sk-...", openai.WithModel("gpt-4o-mini-transcribe"))
//	p, err := openai.New("local", openai.WithBaseURL("http://speaches:8000/v1"),
//	    openai.WithModel("Systran/faster-distil-whisper-small.en"))
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	defaultModel      = oai.AudioModelWhisper1
	defaultSampleRate = 16000
)

// Option is a functional option for [New].
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "whisper-1",
// "Systran/faster-distil-whisper-small.en").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithLanguage sets the default ISO-639-1 language hint. Per-call
// [stt.Hints] take precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithName overrides the provider name reported in errors (e.g., "speaches").
func WithName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client     oai.Client
	name       string
	model      string
	baseURL    string
	language   string
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a transcription Provider. apiKey must be non-empty; Speaches
// accepts any placeholder.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	p := &Provider{
		name:  "openai-stt",
		model: defaultModel,
	}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Transcribe wraps pcm in a WAV container and uploads it for transcription.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, hints stt.Hints) (string, error) {
	if len(pcm) == 0 {
		return "", provider.Permanent(p.name, errors.New("empty audio"))
	}

	f := audio.Format{SampleRate: hints.SampleRate, Channels: hints.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	wav := audio.EncodeWAV(pcm, f)

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	lang := hints.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if hints.Prompt != "" {
		params.Prompt = oai.String(hints.Prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", llmopenai.ClassifyError(p.name, fmt.Errorf("transcribe: %w", err))
	}
	return strings.TrimSpace(resp.Text), nil
}
