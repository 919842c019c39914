// Package model binds a model name to a provider client and validates
// requests against the model's capabilities before they cross the adapter
// boundary.
package model

import (
	"context"
	"fmt"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Model is a named handle over a provider client. It owns request
// normalization and capability checks; the wire formats live in pkg/llms.
type Model struct {
	name   string
	client llms.Client
	store  *llms.ModelStore
}

// New resolves the client for name in the given execution mode.
func New(name string, store *llms.ModelStore, mode llms.ExecutionMode) (*Model, error) {
	client, err := store.GetClient(name, mode)
	if err != nil {
		return nil, err
	}
	return &Model{name: name, client: client, store: store}, nil
}

// NewWithClient wires an explicit client, bypassing store resolution.
func NewWithClient(name string, client llms.Client, store *llms.ModelStore) *Model {
	return &Model{name: name, client: client, store: store}
}

func (m *Model) Name() string { return m.name }

func (m *Model) Provider() config.Provider { return m.client.Provider() }

// ContextWindow reports the model's context window in tokens.
func (m *Model) ContextWindow() int {
	if m.store == nil {
		return 0
	}
	return m.store.GetContextWindow(m.name)
}

// PrepareRequest normalizes query input into a GenerationRequest. Input is
// either a plain string, which becomes a single user message, or a message
// list used as-is. Params are cloned and pinned to this model.
func (m *Model) PrepareRequest(input interface{}, params *config.GenerationParams, options *config.Options) (*llms.GenerationRequest, error) {
	var messages []*protocol.Message
	switch v := input.(type) {
	case string:
		messages = []*protocol.Message{protocol.NewUserMessage(v)}
	case []*protocol.Message:
		messages = v
	case *protocol.Message:
		messages = []*protocol.Message{v}
	default:
		return nil, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("query input must be a string or message list, got %T", input))
	}
	if len(messages) == 0 {
		return nil, protocol.NewClientError(protocol.CodeValidationError, "query input is empty")
	}

	if params == nil {
		params = &config.GenerationParams{}
	}
	params = params.Clone()
	if params.Model == "" {
		params.Model = m.name
	}
	if params.Model != m.name {
		return nil, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("params target model %q but request was prepared for %q", params.Model, m.name))
	}
	params.SetDefaults()
	if err := params.Validate(); err != nil {
		return nil, protocol.NewClientError(protocol.CodeValidationError, err.Error()).WithCause(err)
	}

	req := &llms.GenerationRequest{
		Messages: messages,
		Params:   params,
		Options:  options,
	}
	if err := m.validateCapabilities(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Pipe sends the request to the provider and returns the complete response.
// This is the innermost stage of the middleware chain.
func (m *Model) Pipe(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, error) {
	return m.client.Query(ctx, req)
}

// PipeStream sends the request and returns an incremental stream.
func (m *Model) PipeStream(ctx context.Context, req *llms.GenerationRequest) (*llms.Stream, error) {
	return m.client.QueryStream(ctx, req)
}

// Tokenize counts tokens for a string or message list using the client's
// tokenizer.
func (m *Model) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	return m.client.Tokenize(ctx, payload)
}

// validateCapabilities rejects modalities the model cannot serve before any
// network round trip. Models absent from the catalog are not restricted; the
// provider remains the authority for them.
func (m *Model) validateCapabilities(req *llms.GenerationRequest) error {
	if m.store == nil {
		return nil
	}
	capability, known := m.store.Capability(m.name)
	if !known {
		return nil
	}

	for _, msg := range req.Messages {
		for _, block := range msg.Blocks {
			switch block.Type {
			case protocol.ContentImage:
				if !capability.SupportsVision {
					return protocol.NewClientError(protocol.CodeUnsupportedModality,
						fmt.Sprintf("model %q does not accept image input", m.name))
				}
			case protocol.ContentAudio:
				if !capability.SupportsAudio {
					return protocol.NewClientError(protocol.CodeUnsupportedModality,
						fmt.Sprintf("model %q does not accept audio input", m.name))
				}
			}
		}
	}

	if req.Params != nil {
		switch req.Params.OutputType {
		case config.OutputAudio, config.OutputTranscription:
			if !capability.SupportsAudio {
				return protocol.NewClientError(protocol.CodeUnsupportedModality,
					fmt.Sprintf("model %q does not produce %s output", m.name, req.Params.OutputType))
			}
		}
	}
	return nil
}

// Close releases the underlying client.
func (m *Model) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
