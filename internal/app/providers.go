package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/parley/pkg/provider/stt/openai"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/parley/pkg/provider/tts/openai"
)

// Providers holds the provider for each pipeline stage.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// placeholderKey is sent to OpenAI-compatible servers that ignore
// authentication (Speaches, Ollama /v1, vLLM).
const placeholderKey = "sk-no-key"

// RegisterBuiltinProviders wires every built-in provider factory into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptionString("organization", ""); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(keyOrPlaceholder(e), e.Model, opts...)
	})

	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	for _, name := range []string{"openai", "speaches"} {
		reg.RegisterSTT(name, func(e config.ProviderEntry) (stt.Provider, error) {
			opts := []sttopenai.Option{
				sttopenai.WithModel(e.Model),
				sttopenai.WithName(name + "-stt"),
			}
			if e.BaseURL != "" {
				opts = append(opts, sttopenai.WithBaseURL(e.BaseURL))
			}
			if lang := e.OptionString("language", ""); lang != "" {
				opts = append(opts, sttopenai.WithLanguage(lang))
			}
			return sttopenai.New(keyOrPlaceholder(e), opts...)
		})
	}

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if lang := e.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	for _, name := range []string{"openai", "speaches"} {
		reg.RegisterTTS(name, func(e config.ProviderEntry) (tts.Provider, error) {
			opts := []ttsopenai.Option{
				ttsopenai.WithModel(e.Model),
				ttsopenai.WithName(name + "-tts"),
			}
			if e.BaseURL != "" {
				opts = append(opts, ttsopenai.WithBaseURL(e.BaseURL))
			}
			if s := e.OptionString("instructions", ""); s != "" {
				opts = append(opts, ttsopenai.WithInstructions(s))
			}
			if hz := int(e.OptionFloat("sample_rate", 0)); hz > 0 {
				opts = append(opts, ttsopenai.WithSampleRate(hz))
			}
			return ttsopenai.New(keyOrPlaceholder(e), opts...)
		})
	}

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// keyOrPlaceholder returns the entry's API key, or a placeholder when a
// custom base URL points at a server that needs none.
func keyOrPlaceholder(e config.ProviderEntry) string {
	if e.APIKey == "" && e.BaseURL != "" {
		return placeholderKey
	}
	return e.APIKey
}

// BuildProviders instantiates the configured providers. Every stage is
// wrapped in a fallback group so each backend gets its own circuit breaker,
// with breaker transitions reported to m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	fb := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}

	sttGroup, sttErr := buildGroup("stt", cfg.Providers.STT, reg.CreateSTT, fb)
	llmGroup, llmErr := buildGroup("llm", cfg.Providers.LLM, reg.CreateLLM, fb)
	ttsGroup, ttsErr := buildGroup("tts", cfg.Providers.TTS, reg.CreateTTS, fb)
	if err := errors.Join(sttErr, llmErr, ttsErr); err != nil {
		return nil, err
	}
	return &Providers{
		STT: resilience.STTFallback{FallbackGroup: sttGroup},
		LLM: resilience.LLMFallback{FallbackGroup: llmGroup},
		TTS: resilience.TTSFallback{FallbackGroup: ttsGroup},
	}, nil
}

// buildGroup creates the primary backend for one stage and its fallbacks
// in configured order.
func buildGroup[P any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (P, error), fb resilience.FallbackConfig) (*resilience.FallbackGroup[P], error) {
	primary, err := create(entry)
	if err != nil {
		return nil, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	group := resilience.NewFallbackGroup(primary, entry.Name, fb)
	var errs []error
	for i, e := range entry.Fallbacks {
		p, err := create(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s fallback %q: %w", kind, e.Name, err))
			continue
		}
		group.AddFallback(fallbackName(e, i), p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model, "chain", group.Names())
	return group, nil
}

// fallbackName keeps breaker names unique when the same backend appears
// twice in a chain.
func fallbackName(e config.ProviderEntry, i int) string {
	return fmt.Sprintf("%s#%d", e.Name, i+1)
}

// readinessProbes returns one HTTP probe per OpenAI-compatible backend with
// a custom base URL. Hosted APIs are not probed.
func readinessProbes(cfg *config.Config, client *http.Client) []health.Checker {
	var checks []health.Checker
	add := func(kind string, e config.ProviderEntry) {
		if e.BaseURL == "" || e.Name == "deepgram" || e.Name == "elevenlabs" {
			return
		}
		base := strings.TrimRight(e.BaseURL, "/")
		url := base + "/models"
		if kind == "llm" && e.Name == "ollama" {
			url = strings.TrimSuffix(base, "/v1") + "/api/tags"
		}
		var header http.Header
		if e.APIKey != "" {
			header = http.Header{"Authorization": {"Bearer " + e.APIKey}}
		}
		checks = append(checks, health.HTTPProbe(kind, url, header, client))
	}
	add("llm", cfg.Providers.LLM)
	add("stt", cfg.Providers.STT)
	add("tts", cfg.Providers.TTS)
	return checks
}

// breakerChecks reports a stage unready while every backend behind it has
// an open circuit.
func breakerChecks(ps *Providers) []health.Checker {
	type checker interface{ Check(context.Context) error }
	var out []health.Checker
	for _, stage := range []struct {
		kind string
		p    any
	}{{"stt", ps.STT}, {"llm", ps.LLM}, {"tts", ps.TTS}} {
		if c, ok := stage.p.(checker); ok {
			out = append(out, health.Checker{Name: stage.kind + "_circuit", Check: c.Check})
		}
	}
	return out
}
