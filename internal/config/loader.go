package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "speaches", "deepgram"},
	"tts": {"openai", "speaches", "elevenlabs"},
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr          = ":8080"
	DefaultSystemPrompt        = "You are a helpful voice assistant. Provide clear, concise responses."
	DefaultGreetingInstruction = "Start by greeting the user warmly and introducing yourself as a voice assistant."
	DefaultFallbackGreeting    = "Hello! I'm your voice assistant. How can I help you today?"
	DefaultFallbackReply       = "Sorry, I ran into a problem just now. Could you say that again?"
	DefaultWebSocketPath       = "/ws"
	DefaultOfferPath           = "/api/offer"
	DefaultMetricsPath         = "/metrics"
	DefaultServiceName         = "parley"
)

// DefaultSession returns the session bundle used when the config file leaves
// the session section empty.
func DefaultSession() Session {
	return Session{
		MaxConcurrentSessions: 16,
		ContextWindowTurns:    20,
		RetryMaxAttempts:      3,
		RetryBaseDelayMs:      250,
		RetryMaxDelayMs:       4000,
		VADEnterThreshold:     0.5,
		VADExitThreshold:      0.3,
		VADMinSpeechMs:        60,
		VADMinSilenceMs:       500,
		MinUtteranceMs:        300,
		SampleRate:            16000,
		FrameMs:               20,
		InboundBufferFrames:   100,
		OutboundBufferFrames:  50,
		UtteranceQueue:        4,
		StageTimeoutMs:        30000,
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the process environment, fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), lookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lookupEnv resolves a variable reference. Unset variables expand to their
// ${NAME} form so a missing secret shows up verbatim instead of vanishing.
func lookupEnv(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return "${" + name + "}"
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Agent.GreetingInstruction == "" {
		cfg.Agent.GreetingInstruction = DefaultGreetingInstruction
	}
	if cfg.Agent.FallbackGreeting == "" {
		cfg.Agent.FallbackGreeting = DefaultFallbackGreeting
	}
	if cfg.Agent.FallbackReply == "" {
		cfg.Agent.FallbackReply = DefaultFallbackReply
	}

	d := DefaultSession()
	s := &cfg.Session
	setInt(&s.MaxConcurrentSessions, d.MaxConcurrentSessions)
	setInt(&s.ContextWindowTurns, d.ContextWindowTurns)
	setInt(&s.RetryMaxAttempts, d.RetryMaxAttempts)
	setInt(&s.RetryBaseDelayMs, d.RetryBaseDelayMs)
	setInt(&s.RetryMaxDelayMs, d.RetryMaxDelayMs)
	setInt(&s.VADMinSpeechMs, d.VADMinSpeechMs)
	setInt(&s.VADMinSilenceMs, d.VADMinSilenceMs)
	setInt(&s.MinUtteranceMs, d.MinUtteranceMs)
	setInt(&s.SampleRate, d.SampleRate)
	setInt(&s.FrameMs, d.FrameMs)
	setInt(&s.InboundBufferFrames, d.InboundBufferFrames)
	setInt(&s.OutboundBufferFrames, d.OutboundBufferFrames)
	setInt(&s.UtteranceQueue, d.UtteranceQueue)
	setInt(&s.StageTimeoutMs, d.StageTimeoutMs)
	if s.VADEnterThreshold == 0 {
		s.VADEnterThreshold = d.VADEnterThreshold
	}
	if s.VADExitThreshold == 0 {
		s.VADExitThreshold = d.VADExitThreshold
	}

	if !cfg.Transport.WebSocket.Enabled && !cfg.Transport.WebRTC.Enabled {
		cfg.Transport.WebSocket.Enabled = true
	}
	if cfg.Transport.WebSocket.Path == "" {
		cfg.Transport.WebSocket.Path = DefaultWebSocketPath
	}
	if cfg.Transport.WebRTC.OfferPath == "" {
		cfg.Transport.WebRTC.OfferPath = DefaultOfferPath
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = DefaultServiceName
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = DefaultMetricsPath
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
		for i, fb := range p.entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", p.kind, i))
				continue
			}
			validateProviderName(p.kind, fb.Name)
		}
	}

	// Agent
	if sp := cfg.Agent.Voice.Speed; sp != 0 && (sp < 0.25 || sp > 4.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed %.2f is out of range [0.25, 4.0]", sp))
	}
	if t := cfg.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}

	if err := ValidateSession(cfg.Session); err != nil {
		errs = append(errs, err)
	}

	// Transport
	if ws := cfg.Transport.WebSocket; ws.Enabled && !strings.HasPrefix(ws.Path, "/") {
		errs = append(errs, fmt.Errorf("transport.websocket.path %q must start with /", ws.Path))
	}
	if rtc := cfg.Transport.WebRTC; rtc.Enabled && !strings.HasPrefix(rtc.OfferPath, "/") {
		errs = append(errs, fmt.Errorf("transport.webrtc.offer_path %q must start with /", rtc.OfferPath))
	}

	if cfg.Events.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("events.buffer_size %d must not be negative", cfg.Events.BufferSize))
	}
	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// ValidateSession checks a session bundle in isolation. Sessions call it
// at creation time so a bundle built in code gets the same checks as one
// loaded from YAML.
func ValidateSession(s Session) error {
	var errs []error

	if s.MaxConcurrentSessions < 1 {
		errs = append(errs, fmt.Errorf("session.max_concurrent_sessions %d must be at least 1", s.MaxConcurrentSessions))
	}
	if s.ContextWindowTurns < 1 {
		errs = append(errs, fmt.Errorf("session.context_window_turns %d must be at least 1", s.ContextWindowTurns))
	}
	if s.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("session.retry_max_attempts %d must be at least 1", s.RetryMaxAttempts))
	}
	if s.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("session.retry_base_delay_ms %d must not be negative", s.RetryBaseDelayMs))
	}
	if s.RetryMaxDelayMs != 0 && s.RetryMaxDelayMs < s.RetryBaseDelayMs {
		errs = append(errs, fmt.Errorf("session.retry_max_delay_ms %d is below retry_base_delay_ms %d", s.RetryMaxDelayMs, s.RetryBaseDelayMs))
	}
	if !inUnit(s.VADEnterThreshold) {
		errs = append(errs, fmt.Errorf("session.vad_enter_threshold %.3f is out of range (0, 1]", s.VADEnterThreshold))
	}
	if !inUnit(s.VADExitThreshold) {
		errs = append(errs, fmt.Errorf("session.vad_exit_threshold %.3f is out of range (0, 1]", s.VADExitThreshold))
	}
	if s.VADExitThreshold >= s.VADEnterThreshold {
		errs = append(errs, fmt.Errorf("session.vad_exit_threshold %.3f must be below vad_enter_threshold %.3f", s.VADExitThreshold, s.VADEnterThreshold))
	}
	if s.VADMinSpeechMs < 0 || s.VADMinSilenceMs < 0 {
		errs = append(errs, errors.New("session.vad_min_speech_ms and vad_min_silence_ms must not be negative"))
	}
	if s.MinUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("session.min_utterance_ms %d must not be negative", s.MinUtteranceMs))
	}
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must be positive", s.SampleRate))
	}
	if s.FrameMs < 10 || s.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("session.frame_ms %d is out of range [10, 100]", s.FrameMs))
	} else if s.SampleRate > 0 && s.SampleRate*s.FrameMs%1000 != 0 {
		errs = append(errs, fmt.Errorf("session.frame_ms %d does not divide sample_rate %d into whole samples", s.FrameMs, s.SampleRate))
	}
	if s.InboundBufferFrames < 1 || s.OutboundBufferFrames < 1 {
		errs = append(errs, errors.New("session.inbound_buffer_frames and outbound_buffer_frames must be at least 1"))
	}
	if s.UtteranceQueue < 1 {
		errs = append(errs, fmt.Errorf("session.utterance_queue %d must be at least 1", s.UtteranceQueue))
	}
	if s.StageTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("session.stage_timeout_ms %d must not be negative", s.StageTimeoutMs))
	}

	return errors.Join(errs...)
}

func inUnit(v float64) bool { return v > 0 && v <= 1 }

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
