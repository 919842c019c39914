// Package tool holds the registry of callables exposed to the model and the
// XML wire codec for tool-call payloads.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Tool is a named callable the model may invoke. Parameters returns a JSON
// schema fragment describing the arguments.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	name        string
	description string
	parameters  map[string]interface{}
	fn          func(ctx context.Context, args map[string]interface{}) (string, error)
}

func NewFuncTool(name, description string, parameters map[string]interface{}, fn func(ctx context.Context, args map[string]interface{}) (string, error)) *FuncTool {
	return &FuncTool{name: name, description: description, parameters: parameters, fn: fn}
}

func (t *FuncTool) Name() string                       { return t.name }
func (t *FuncTool) Description() string                { return t.description }
func (t *FuncTool) Parameters() map[string]interface{} { return t.parameters }

func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.fn(ctx, args)
}

// Registry maps tool names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Definitions renders the registry as provider tool definitions.
func (r *Registry) Definitions() []llms.ToolDefinition {
	tools := r.List()
	if len(tools) == 0 {
		return nil
	}
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs one tool call. Unknown tools and execution failures are
// client errors; the engine records them as tool results rather than
// halting.
func (r *Registry) Execute(ctx context.Context, call *protocol.ToolCall) (string, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("conduit.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.Name),
		),
	)
	defer span.End()

	t, ok := r.Get(call.Name)
	if !ok {
		err := protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("tool %q is not registered", call.Name))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordToolExecution(ctx, call.Name, time.Since(startTime), err)
		}
		return "", err
	}

	result, err := t.Execute(ctx, call.Args)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, call.Name, duration, err)
	}
	span.SetAttributes(attribute.Int64("tool.duration_ms", duration.Milliseconds()))

	return result, err
}
