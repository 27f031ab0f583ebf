package avatar

import (
	"fmt"
	"strings"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/adapters/recognition"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/relay"
)

type SynthesisFactoryBuilder func(cfg Config) (synthesis.Factory, error)
type RecognitionFactoryBuilder func(cfg Config) (recognition.Factory, error)
type BackendBuilder func(cfg Config) (backend.Backend, error)
type RelayBuilder func(cfg Config) (relay.Source, error)

type ProviderRegistry struct {
	synthesis   map[string]SynthesisFactoryBuilder
	recognition map[string]RecognitionFactoryBuilder
	backend     map[string]BackendBuilder
	relay       map[string]RelayBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		synthesis:   make(map[string]SynthesisFactoryBuilder),
		recognition: make(map[string]RecognitionFactoryBuilder),
		backend:     make(map[string]BackendBuilder),
		relay:       make(map[string]RelayBuilder),
	}
}

func (r *ProviderRegistry) RegisterSynthesis(name string, fn SynthesisFactoryBuilder) {
	r.synthesis[providerKey(name)] = fn
}

func (r *ProviderRegistry) RegisterRecognition(name string, fn RecognitionFactoryBuilder) {
	r.recognition[providerKey(name)] = fn
}

func (r *ProviderRegistry) RegisterBackend(name string, fn BackendBuilder) {
	r.backend[providerKey(name)] = fn
}

func (r *ProviderRegistry) RegisterRelay(name string, fn RelayBuilder) {
	r.relay[providerKey(name)] = fn
}

func (r *ProviderRegistry) BuildSynthesis(cfg Config) (synthesis.Factory, error) {
	fn := r.synthesis[providerKey(cfg.Vendors.Synthesis.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("synthesis provider not registered: %s", cfg.Vendors.Synthesis.Provider)
	}
	return fn(cfg)
}

// BuildRecognition returns nil without error when no recognizer is
// configured; the session then runs text-only.
func (r *ProviderRegistry) BuildRecognition(cfg Config) (recognition.Factory, error) {
	name := providerKey(cfg.Vendors.Recognition.Provider)
	if name == "" || name == "none" {
		return nil, nil
	}
	fn := r.recognition[name]
	if fn == nil {
		return nil, fmt.Errorf("recognition provider not registered: %s", cfg.Vendors.Recognition.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildBackend(cfg Config) (backend.Backend, error) {
	fn := r.backend[providerKey(cfg.Vendors.Backend.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("backend provider not registered: %s", cfg.Vendors.Backend.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildRelay(cfg Config) (relay.Source, error) {
	name := providerKey(cfg.Vendors.Relay.Provider)
	if name == "" {
		name = "static"
	}
	fn := r.relay[name]
	if fn == nil {
		return nil, fmt.Errorf("relay provider not registered: %s", cfg.Vendors.Relay.Provider)
	}
	return fn(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
