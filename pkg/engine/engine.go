// Package engine drives the generate/execute loop over a conversation. The
// next action is always derived from the conversation's trailing messages;
// the engine itself keeps no state between steps.
package engine

import (
	"context"
	"fmt"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/middleware"
	"github.com/conduit-llm/conduit/pkg/model"
	"github.com/conduit-llm/conduit/pkg/protocol"
	"github.com/conduit-llm/conduit/pkg/tool"
)

// DefaultMaxSteps bounds the transitions of a single run. It exists to stop
// runaway tool loops, not to budget normal conversations.
const DefaultMaxSteps = 10

type Engine struct {
	model    *model.Model
	pipe     middleware.Pipe
	tools    *tool.Registry
	maxSteps int
}

type Option func(*Engine)

// WithChain routes generation through a middleware chain.
func WithChain(chain *middleware.Chain) Option {
	return func(e *Engine) {
		if chain != nil {
			e.pipe = chain.Wrap(e.pipe)
		}
	}
}

// WithTools exposes a registry to the model and executes its calls.
func WithTools(registry *tool.Registry) Option {
	return func(e *Engine) { e.tools = registry }
}

// WithMaxSteps overrides the step bound.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func New(m *model.Model, opts ...Option) *Engine {
	e := &Engine{
		model:    m,
		pipe:     m.Pipe,
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run advances the conversation until it terminates, fails, or exhausts the
// step bound. Exhaustion is not an error: the conversation is returned as-is
// with a warning logged. Generation failures are recorded on the trailing
// message and returned.
func (e *Engine) Run(ctx context.Context, conv *protocol.Conversation, params *config.GenerationParams, options *config.Options) (*protocol.Conversation, error) {
	for step := 0; step < e.maxSteps; step++ {
		switch conv.State() {
		case protocol.StateGenerate:
			if err := e.generate(ctx, conv, params, options); err != nil {
				return conv, err
			}

		case protocol.StateExecute:
			if err := e.execute(ctx, conv); err != nil {
				return conv, err
			}

		case protocol.StateTerminate:
			return conv, nil

		case protocol.StateIncomplete:
			err := protocol.NewClientError(protocol.CodeIncompleteConversation,
				"conversation history cannot be continued")
			if last := conv.Last(); last != nil {
				last.Error = err
			}
			return conv, err
		}
	}

	logger.GetLogger().Warn("run stopped at step limit",
		"max_steps", e.maxSteps,
		"conversation", conv.ID,
	)
	return conv, nil
}

func (e *Engine) generate(ctx context.Context, conv *protocol.Conversation, params *config.GenerationParams, options *config.Options) error {
	req, err := e.model.PrepareRequest(conv.Messages, params, options)
	if err != nil {
		return e.recordFailure(conv, err)
	}
	if e.tools != nil {
		req.Tools = e.tools.Definitions()
	}

	resp, err := e.pipe(ctx, req)
	if err != nil {
		return e.recordFailure(conv, err)
	}
	conv.Append(resp.Message)
	return nil
}

// execute answers every tool call of the trailing assistant turn, in the
// order the provider emitted them. A failing tool does not halt the run; the
// failure text becomes the tool result so the model can react to it.
func (e *Engine) execute(ctx context.Context, conv *protocol.Conversation) error {
	last := conv.Last()
	if e.tools == nil {
		return e.recordFailure(conv, protocol.NewClientError(protocol.CodeValidationError,
			"assistant requested tools but no registry is configured"))
	}

	for _, call := range last.ToolCalls {
		result, err := e.tools.Execute(ctx, call)
		if err != nil {
			result = fmt.Sprintf("tool execution failed: %v", err)
		}
		conv.Append(protocol.NewToolMessage(call.ID, result))
	}
	return nil
}

// recordFailure pins the error to the trailing message so a persisted
// conversation carries its failure cause.
func (e *Engine) recordFailure(conv *protocol.Conversation, err error) error {
	ce := protocol.AsConduitError(err)
	if last := conv.Last(); last != nil {
		last.Error = ce
	}
	return ce
}

// Model exposes the engine's model, used by callers that need tokenization
// or capability data.
func (e *Engine) Model() *model.Model { return e.model }
