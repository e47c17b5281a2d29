package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when the entry
// names a provider nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is one stage's name-to-constructor table.
type factories[P any] map[string]Factory[P]

func (f factories[P]) create(kind string, entry ProviderEntry) (P, error) {
	build, ok := f[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return build(entry)
}

// Registry resolves the provider names used in configuration to
// constructors, one table per pipeline stage. Registering a name again
// replaces the earlier factory. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt factories[stt.Provider]
	llm factories[llm.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: factories[stt.Provider]{},
		llm: factories[llm.Provider]{},
		tts: factories[tts.Provider]{},
	}
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	r.stt[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	r.tts[name] = f
	r.mu.Unlock()
}

// CreateSTT builds the speech-to-text provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create("stt", entry)
}

// CreateLLM builds the language model named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create("llm", entry)
}

// CreateTTS builds the speech synthesiser named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create("tts", entry)
}

// Names lists the registered names for kind ("stt", "llm" or "tts") in
// sorted order. Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "stt":
		return slices.Sorted(maps.Keys(r.stt))
	case "llm":
		return slices.Sorted(maps.Keys(r.llm))
	case "tts":
		return slices.Sorted(maps.Keys(r.tts))
	}
	return nil
}
