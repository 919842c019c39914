package llms

import (
	"fmt"
	"strings"
	"sync"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// ExecutionMode selects how a model call is carried out. Sync and async
// share the same HTTP clients here (context handles blocking semantics);
// remote routes through a companion server.
type ExecutionMode string

const (
	ModeSync   ExecutionMode = "sync"
	ModeAsync  ExecutionMode = "async"
	ModeRemote ExecutionMode = "remote"
)

// Capability describes what a model can do. The catalog is read-only after
// process start.
type Capability struct {
	Provider          config.Provider
	ContextWindow     int
	SupportsVision    bool
	SupportsAudio     bool
	SupportsReasoning bool
}

const defaultContextWindow = 128000

// defaultCatalog seeds the store. Entries cover the models the runtime is
// commonly pointed at; unknown models fall back to provider prefix rules.
var defaultCatalog = map[string]Capability{
	"gpt-4o":               {Provider: config.ProviderOpenAI, ContextWindow: 128000, SupportsVision: true, SupportsAudio: true},
	"gpt-4o-mini":          {Provider: config.ProviderOpenAI, ContextWindow: 128000, SupportsVision: true, SupportsAudio: true},
	"gpt-4.1":              {Provider: config.ProviderOpenAI, ContextWindow: 1047576, SupportsVision: true},
	"gpt-4.1-mini":         {Provider: config.ProviderOpenAI, ContextWindow: 1047576, SupportsVision: true},
	"o1":                   {Provider: config.ProviderOpenAI, ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"o3":                   {Provider: config.ProviderOpenAI, ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"o4-mini":              {Provider: config.ProviderOpenAI, ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"claude-opus-4-1":      {Provider: config.ProviderAnthropic, ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"claude-sonnet-4-0":    {Provider: config.ProviderAnthropic, ContextWindow: 200000, SupportsVision: true, SupportsReasoning: true},
	"claude-3-5-haiku":     {Provider: config.ProviderAnthropic, ContextWindow: 200000, SupportsVision: true},
	"gemini-2.0-flash":     {Provider: config.ProviderGoogle, ContextWindow: 1048576, SupportsVision: true, SupportsAudio: true},
	"gemini-2.5-pro":       {Provider: config.ProviderGoogle, ContextWindow: 1048576, SupportsVision: true, SupportsAudio: true, SupportsReasoning: true},
	"gemini-2.5-flash":     {Provider: config.ProviderGoogle, ContextWindow: 1048576, SupportsVision: true, SupportsAudio: true, SupportsReasoning: true},
	"sonar":                {Provider: config.ProviderPerplexity, ContextWindow: 128000},
	"sonar-pro":            {Provider: config.ProviderPerplexity, ContextWindow: 200000},
	"sonar-reasoning":      {Provider: config.ProviderPerplexity, ContextWindow: 128000, SupportsReasoning: true},
	"llama3.1":             {Provider: config.ProviderOllama, ContextWindow: 131072},
	"llama3.2-vision":      {Provider: config.ProviderOllama, ContextWindow: 131072, SupportsVision: true},
	"mistral":              {Provider: config.ProviderOllama, ContextWindow: 32768},
	"qwen3":                {Provider: config.ProviderOllama, ContextWindow: 40960, SupportsReasoning: true},
	"deepseek-r1":          {Provider: config.ProviderOllama, ContextWindow: 65536, SupportsReasoning: true},
}

// providerPrefixes identify a provider from a model name when the catalog
// has no entry. Longest match wins.
var providerPrefixes = []struct {
	prefix   string
	provider config.Provider
}{
	{"gpt-", config.ProviderOpenAI},
	{"chatgpt", config.ProviderOpenAI},
	{"o1", config.ProviderOpenAI},
	{"o3", config.ProviderOpenAI},
	{"o4", config.ProviderOpenAI},
	{"dall-e", config.ProviderOpenAI},
	{"whisper", config.ProviderOpenAI},
	{"tts-", config.ProviderOpenAI},
	{"claude", config.ProviderAnthropic},
	{"gemini", config.ProviderGoogle},
	{"sonar", config.ProviderPerplexity},
	{"pplx", config.ProviderPerplexity},
	{"llama", config.ProviderOllama},
	{"mistral", config.ProviderOllama},
	{"mixtral", config.ProviderOllama},
	{"qwen", config.ProviderOllama},
	{"gemma", config.ProviderOllama},
	{"phi", config.ProviderOllama},
	{"deepseek", config.ProviderOllama},
}

type clientKey struct {
	model string
	mode  ExecutionMode
}

// ModelStore resolves model names to clients and capabilities. Clients are
// created lazily and cached per (model, mode). The catalog is immutable
// after construction.
type ModelStore struct {
	catalog map[string]Capability
	configs map[string]*config.ProviderConfig
	remote  *config.ProviderConfig

	mu      sync.Mutex
	clients map[clientKey]Client
}

// NewModelStore builds a store from per-model provider configs. A config
// whose Type is remote becomes the remote-mode target for every model.
func NewModelStore(modelConfigs map[string]config.ProviderConfig) *ModelStore {
	store := &ModelStore{
		catalog: make(map[string]Capability, len(defaultCatalog)),
		configs: make(map[string]*config.ProviderConfig, len(modelConfigs)),
		clients: make(map[clientKey]Client),
	}
	for name, capability := range defaultCatalog {
		store.catalog[name] = capability
	}
	for name, cfg := range modelConfigs {
		c := cfg
		if c.Type == config.ProviderRemote {
			store.remote = &c
			continue
		}
		store.configs[name] = &c
	}
	return store
}

// IdentifyProvider resolves the provider serving a model name.
func (s *ModelStore) IdentifyProvider(model string) (config.Provider, error) {
	if cfg, ok := s.configs[model]; ok {
		return cfg.Type, nil
	}
	if capability, ok := s.lookupCatalog(model); ok {
		return capability.Provider, nil
	}

	modelLower := strings.ToLower(model)
	best := ""
	var provider config.Provider
	for _, rule := range providerPrefixes {
		if strings.HasPrefix(modelLower, rule.prefix) && len(rule.prefix) > len(best) {
			best = rule.prefix
			provider = rule.provider
		}
	}
	if best == "" {
		return "", protocol.NewClientError(protocol.CodeUnknownModel,
			fmt.Sprintf("cannot identify provider for model %q", model))
	}
	return provider, nil
}

// GetContextWindow returns the model's context size, falling back to the
// Ollama prefix table for local models and a provider-neutral default
// otherwise.
func (s *ModelStore) GetContextWindow(model string) int {
	if capability, ok := s.lookupCatalog(model); ok {
		return capability.ContextWindow
	}
	if provider, err := s.IdentifyProvider(model); err == nil && provider == config.ProviderOllama {
		return OllamaContextWindow(model)
	}
	return defaultContextWindow
}

// Capability returns the catalog record for a model.
func (s *ModelStore) Capability(model string) (Capability, bool) {
	return s.lookupCatalog(model)
}

func (s *ModelStore) lookupCatalog(model string) (Capability, bool) {
	if capability, ok := s.catalog[model]; ok {
		return capability, true
	}
	// Versioned names like claude-sonnet-4-0-20250514 match their base entry.
	best := ""
	var found Capability
	for name, capability := range s.catalog {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
			found = capability
		}
	}
	return found, best != ""
}

// GetClient returns the cached client for (model, mode), creating it on
// first use.
func (s *ModelStore) GetClient(model string, mode ExecutionMode) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientKey{model: model, mode: mode}
	if client, ok := s.clients[key]; ok {
		return client, nil
	}

	client, err := s.newClient(model, mode)
	if err != nil {
		return nil, err
	}
	s.clients[key] = client
	return client, nil
}

func (s *ModelStore) newClient(model string, mode ExecutionMode) (Client, error) {
	if mode == ModeRemote {
		if s.remote == nil {
			return nil, protocol.NewClientError(protocol.CodeValidationError,
				"remote execution requested but no remote provider is configured")
		}
		cfg := *s.remote
		cfg.Model = model
		return NewRemoteClient(&cfg)
	}

	var cfg config.ProviderConfig
	if configured, ok := s.configs[model]; ok {
		cfg = *configured
	} else {
		provider, err := s.IdentifyProvider(model)
		if err != nil {
			return nil, err
		}
		cfg = config.ProviderConfig{Type: provider}
	}
	cfg.Model = model

	switch cfg.Type {
	case config.ProviderAnthropic:
		return NewAnthropicClient(&cfg)
	case config.ProviderOllama:
		return NewOllamaClient(&cfg)
	case config.ProviderOpenAI, config.ProviderGoogle, config.ProviderPerplexity:
		return NewOpenAIClient(&cfg)
	default:
		return nil, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("unsupported provider type: %s", cfg.Type))
	}
}

// Close shuts down every cached client.
func (s *ModelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, client := range s.clients {
		client.Close()
		delete(s.clients, key)
	}
	return nil
}
