// Package openai provides a TTS provider backed by the OpenAI speech endpoint
// (POST /audio/speech) with raw PCM output.
//
// Speaches serves the same protocol for local Kokoro and Piper models. Voice
// identifiers are forwarded verbatim, so non-OpenAI voices such as "af_heart"
// work when [WithBaseURL] points at such a server.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelTTS1

	// defaultSampleRate is the rate of the "pcm" response format: 24 kHz,
	// 16-bit, mono.
	defaultSampleRate = 24000

	readChunk = 4096
)

// Option is a functional option for [New].
type Option func(*Provider)

// WithModel sets the speech model (e.g., "tts-1", "speaches-ai/Kokoro-82M-v1.0-ONNX").
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

// WithSampleRate declares the PCM rate the server returns. Only needed for
// servers that deviate from 24 kHz.
func WithSampleRate(hz int) Option {
	return func(p *Provider) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithInstructions sets voice style instructions (gpt-4o-mini-tts only).
func WithInstructions(s string) Option {
	return func(p *Provider) {
		p.instructions = s
	}
}

// WithName overrides the provider name reported in errors.
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

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	name         string
	model        string
	baseURL      string
	instructions string
	sampleRate   int
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a speech Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{
		name:       "openai-tts",
		model:      defaultModel,
		sampleRate: defaultSampleRate,
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

// Synthesize requests PCM speech for text and streams the response body.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	if text == "" {
		return nil, provider.Permanent(p.name, errors.New("empty text"))
	}
	if voice.ID == "" {
		return nil, provider.Permanent(p.name, errors.New("voice ID must not be empty"))
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = oai.Float(voice.Speed)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, llmopenai.ClassifyError(p.name, fmt.Errorf("speech: %w", err))
	}

	ch := make(chan []byte, 16)
	stream := tts.NewStream(ch, audio.Format{SampleRate: p.sampleRate, Channels: 1})
	go p.pump(ctx, resp.Body, ch, stream)
	return stream, nil
}

// pump copies the response body onto ch in fixed-size reads. Sample pairs
// split across reads are carried over so every chunk holds whole samples.
func (p *Provider) pump(ctx context.Context, body io.ReadCloser, ch chan<- []byte, stream *tts.Stream) {
	defer close(ch)
	defer body.Close()

	var carry []byte
	buf := make([]byte, readChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			chunk := make([]byte, even)
			copy(chunk, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(chunk) > 0 {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				stream.SetErr(ctx.Err())
				return
			}
			stream.SetErr(provider.Transient(p.name, fmt.Errorf("read audio: %w", err)))
			return
		}
	}
}
