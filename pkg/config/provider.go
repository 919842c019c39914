package config

import (
	"fmt"
	"os"

	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Provider identifies an LLM provider backend.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderPerplexity Provider = "perplexity"
	ProviderOllama     Provider = "ollama"
	ProviderRemote     Provider = "remote"
)

// Default API hosts. Google and Perplexity are reached through their
// OpenAI-compatible chat endpoints.
const (
	DefaultOpenAIHost     = "https://api.openai.com/v1"
	DefaultAnthropicHost  = "https://api.anthropic.com/v1"
	DefaultGoogleHost     = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultPerplexityHost = "https://api.perplexity.ai"
	DefaultOllamaHost     = "http://localhost:11434"
)

// apiKeyEnvVars maps each hosted provider to its credential variable.
var apiKeyEnvVars = map[Provider]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
	ProviderGoogle:     "GOOGLE_API_KEY",
	ProviderPerplexity: "PERPLEXITY_API_KEY",
}

// ProviderConfig configures one provider client.
type ProviderConfig struct {
	Type   Provider `yaml:"type,omitempty" json:"type,omitempty"`
	Model  string   `yaml:"model,omitempty" json:"model,omitempty"`
	Host   string   `yaml:"host,omitempty" json:"host,omitempty"`
	APIKey string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// TimeoutSeconds bounds a single HTTP exchange.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// StreamTimeoutSeconds bounds streaming idle time.
	StreamTimeoutSeconds int `yaml:"stream_timeout_seconds,omitempty" json:"stream_timeout_seconds,omitempty"`

	MaxRetries        int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds,omitempty" json:"retry_delay_seconds,omitempty"`
}

// SetDefaults applies per-provider defaults and pulls the API key from the
// environment when unset.
func (c *ProviderConfig) SetDefaults() {
	if c.Host == "" {
		switch c.Type {
		case ProviderOpenAI:
			c.Host = DefaultOpenAIHost
		case ProviderAnthropic:
			c.Host = DefaultAnthropicHost
		case ProviderGoogle:
			c.Host = DefaultGoogleHost
		case ProviderPerplexity:
			c.Host = DefaultPerplexityHost
		case ProviderOllama:
			c.Host = DefaultOllamaHost
		}
	}
	if c.APIKey == "" {
		if envVar, ok := apiKeyEnvVars[c.Type]; ok {
			c.APIKey = os.Getenv(envVar)
		}
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.StreamTimeoutSeconds == 0 {
		c.StreamTimeoutSeconds = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds == 0 {
		c.RetryDelaySeconds = 2
	}
}

// Validate checks the provider configuration. Hosted providers without a
// credential fail with a typed missing_credentials error.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderPerplexity:
		if c.APIKey == "" {
			envVar := apiKeyEnvVars[c.Type]
			return protocol.NewClientError(protocol.CodeMissingCredentials,
				fmt.Sprintf("provider %s requires an API key (set %s)", c.Type, envVar))
		}
	case ProviderOllama, ProviderRemote:
		if c.Host == "" {
			return fmt.Errorf("provider %s requires a host", c.Type)
		}
	default:
		return fmt.Errorf("unsupported provider type: %s", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
