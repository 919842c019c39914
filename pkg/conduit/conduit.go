// Package conduit is the top-level entry point: render a prompt, prepare the
// conversation, drive the engine, persist the result.
package conduit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/engine"
	"github.com/conduit-llm/conduit/pkg/odometer"
	"github.com/conduit-llm/conduit/pkg/protocol"
	"github.com/conduit-llm/conduit/pkg/session"
)

// ErrPersistence marks repository failures: the generation may have
// succeeded, but its conversation could not be loaded or saved.
var ErrPersistence = errors.New("persistence failure")

type Conduit struct {
	engine    *engine.Engine
	repo      *session.Repository
	telemetry *odometer.Registry
}

type Option func(*Conduit)

// WithRepository enables conversation persistence.
func WithRepository(repo *session.Repository) Option {
	return func(c *Conduit) { c.repo = repo }
}

// WithTelemetry attaches the odometer registry for batch flushes.
func WithTelemetry(registry *odometer.Registry) Option {
	return func(c *Conduit) { c.telemetry = registry }
}

func New(e *engine.Engine, opts ...Option) *Conduit {
	c := &Conduit{engine: e}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run renders the template with vars, appends the result as a user turn and
// drives the engine. With a repository configured the conversation is loaded
// beforehand and persisted afterwards; a failed run is never persisted.
func (c *Conduit) Run(ctx context.Context, promptTemplate string, vars map[string]interface{}, params *config.GenerationParams, options *config.Options) (*protocol.Conversation, error) {
	rendered, err := RenderPrompt(promptTemplate, vars)
	if err != nil {
		return nil, err
	}
	return c.RunString(ctx, rendered, params, options)
}

// RunString is Run without the template step.
func (c *Conduit) RunString(ctx context.Context, prompt string, params *config.GenerationParams, options *config.Options) (*protocol.Conversation, error) {
	options = normalizeOptions(options)
	if params == nil {
		params = &config.GenerationParams{}
	}

	conv, err := c.prepareConversation(ctx, params, options)
	if err != nil {
		return nil, err
	}
	conv.Append(protocol.NewUserMessage(prompt))

	result, runErr := c.engine.Run(ctx, conv, params, options)
	if runErr != nil {
		return result, runErr
	}

	if c.repo != nil {
		if err := c.repo.SaveSession(ctx, result, result.Session); err != nil {
			return result, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	return result, nil
}

// RunSync is the blocking façade over Run for callers without a context.
func (c *Conduit) RunSync(promptTemplate string, vars map[string]interface{}, params *config.GenerationParams, options *config.Options) (*protocol.Conversation, error) {
	return c.Run(context.Background(), promptTemplate, vars, params, options)
}

// prepareConversation loads or creates the conversation for this run and
// normalizes it: history pruning, system prompt sync, and crash recovery.
// A trailing user message means a previous run died before the assistant
// replied; it is dropped so re-submission stays idempotent.
func (c *Conduit) prepareConversation(ctx context.Context, params *config.GenerationParams, options *config.Options) (*protocol.Conversation, error) {
	var conv *protocol.Conversation

	if c.repo != nil && options.PersistenceMode == config.PersistenceResume {
		loaded, err := c.repo.Last(ctx, options.MaxHistory)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		conv = loaded
	}
	if conv == nil {
		conv = protocol.NewConversation(options.ProjectName)
	}

	if last := conv.Last(); last != nil && last.Role == protocol.RoleUser {
		conv.DropLast()
	}
	// An empty system prompt means "keep whatever the conversation has",
	// not "remove it". SetSystem("") would delete a resumed system message.
	if params.System != "" {
		conv.SetSystem(params.System)
	}
	return conv, nil
}

// Flush drains pending telemetry writes.
func (c *Conduit) Flush(ctx context.Context) error {
	if c.telemetry == nil {
		return nil
	}
	return c.telemetry.Flush(ctx)
}

// Engine exposes the underlying engine.
func (c *Conduit) Engine() *engine.Engine { return c.engine }

// RenderPrompt executes a text/template against vars. Missing keys and
// malformed templates are client errors.
func RenderPrompt(promptTemplate string, vars map[string]interface{}) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(promptTemplate)
	if err != nil {
		return "", protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("invalid prompt template: %v", err)).WithCause(err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("prompt template execution failed: %v", err)).WithCause(err)
	}
	return buf.String(), nil
}

func normalizeOptions(options *config.Options) *config.Options {
	if options == nil {
		options = &config.Options{}
	}
	options.SetDefaults()
	return options
}
