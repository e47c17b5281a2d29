// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	providerName     = "elevenlabs"
	defaultEndpoint  = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format. Only "pcm_<rate>" formats
// are accepted (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	sampleRate   int
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	p.sampleRate = rate
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends text as a single input
// followed by the end-of-input marker, and streams the decoded PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, provider.Permanent(providerName, errors.New("voice ID must not be empty"))
	}
	if strings.TrimSpace(text) == "" {
		return nil, provider.Permanent(providerName, errors.New("empty text"))
	}

	conn, resp, err := websocket.Dial(ctx, p.buildURL(voice.ID), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			return nil, provider.FromStatus(providerName, resp.StatusCode, fmt.Errorf("dial: %w", err))
		}
		return nil, provider.Classify(providerName, fmt.Errorf("dial: %w", err))
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.Speed}
	msgs := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey, OutputFormat: p.outputFormat},
		textMessage{Text: ensureTrailingSpace(text), TryTriggerGeneration: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			conn.Close(websocket.StatusInternalError, "failed to send input")
			return nil, provider.Transient(providerName, fmt.Errorf("send input: %w", err))
		}
	}

	ch := make(chan []byte, 64)
	stream := tts.NewStream(ch, audio.Format{SampleRate: p.sampleRate, Channels: 1})
	go p.read(ctx, conn, ch, stream)
	return stream, nil
}

// read decodes audio messages until the final marker arrives.
func (p *Provider) read(ctx context.Context, conn *websocket.Conn, ch chan<- []byte, stream *tts.Stream) {
	defer close(ch)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stream.SetErr(ctx.Err())
				return
			}
			// Server closing normally after the final chunk also ends here.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			stream.SetErr(provider.Transient(providerName, fmt.Errorf("read: %w", err)))
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			stream.SetErr(provider.Permanent(providerName, fmt.Errorf("server: %s: %s", resp.Error, resp.Message)))
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				stream.SetErr(provider.Permanent(providerName, fmt.Errorf("decode audio: %w", err)))
				return
			}
			select {
			case ch <- pcm:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURL constructs the WebSocket URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	return fmt.Sprintf("%s/%s/stream-input?model_id=%s",
		strings.TrimRight(p.endpoint, "/"), url.PathEscape(voiceID), url.QueryEscape(p.model))
}

// parseOutputFormat extracts the sample rate from a "pcm_<rate>" format.
func parseOutputFormat(format string) (int, error) {
	rateStr, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("output format %q has no valid sample rate", format)
	}
	return rate, nil
}

// ensureTrailingSpace appends the space ElevenLabs uses as a word boundary
// marker at the end of an input chunk.
func ensureTrailingSpace(s string) string {
	if strings.HasSuffix(s, " ") {
		return s
	}
	return s + " "
}
