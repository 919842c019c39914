// Package config holds the value objects that describe what to generate and
// how to run it, plus the file/env loading machinery around them.
package config

import (
	"fmt"
)

// OutputType selects the generation modality.
type OutputType string

const (
	OutputText          OutputType = "text"
	OutputImage         OutputType = "image"
	OutputAudio         OutputType = "audio"
	OutputTranscription OutputType = "transcription"
)

// GenerationParams carries "what to generate". It travels inside every
// request and participates in the cache key, so optional fields are pointers
// and omitted from JSON when unset.
type GenerationParams struct {
	// Model is the provider model identifier (e.g. "gpt-4o-mini").
	Model string `json:"model" yaml:"model"`

	// System is the system prompt for this run.
	System string `json:"system,omitempty" yaml:"system,omitempty"`

	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Stream requests incremental delivery.
	Stream bool `json:"stream,omitempty" yaml:"stream,omitempty"`

	// ResponseModel, when set, instructs the provider to emit JSON matching
	// the value's schema. The cache key uses the derived JSON schema, never
	// the Go type identity.
	ResponseModel interface{} `json:"-" yaml:"-"`

	// ClientParams are passed through to the provider verbatim.
	ClientParams map[string]interface{} `json:"client_params,omitempty" yaml:"client_params,omitempty"`

	OutputType OutputType `json:"output_type,omitempty" yaml:"output_type,omitempty"`

	// TimeoutSeconds bounds the provider call. Zero means the provider
	// default (30s non-streaming, 120s streaming idle).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// SetDefaults applies default values.
func (p *GenerationParams) SetDefaults() {
	if p.OutputType == "" {
		p.OutputType = OutputText
	}
	if p.Temperature == nil {
		temp := 0.7
		p.Temperature = &temp
	}
}

// Validate checks the generation parameters.
func (p *GenerationParams) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %v", *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return fmt.Errorf("top_p must be within [0, 1], got %v", *p.TopP)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	switch p.OutputType {
	case OutputText, OutputImage, OutputAudio, OutputTranscription:
	default:
		return fmt.Errorf("unknown output type: %s", p.OutputType)
	}
	return nil
}

// Clone returns a deep copy. ResponseModel is shared by reference; it is
// treated as immutable schema input.
func (p *GenerationParams) Clone() *GenerationParams {
	clone := *p
	if p.Temperature != nil {
		t := *p.Temperature
		clone.Temperature = &t
	}
	if p.TopP != nil {
		t := *p.TopP
		clone.TopP = &t
	}
	if p.ClientParams != nil {
		clone.ClientParams = make(map[string]interface{}, len(p.ClientParams))
		for k, v := range p.ClientParams {
			clone.ClientParams[k] = v
		}
	}
	return &clone
}
