package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/model"
	"github.com/conduit-llm/conduit/pkg/protocol"
	"github.com/conduit-llm/conduit/pkg/tool"
)

// scriptedClient replays a fixed sequence of assistant turns.
type scriptedClient struct {
	turns []*protocol.Message
	errs  []error
	calls int
}

func (c *scriptedClient) Query(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, error) {
	idx := c.calls
	c.calls++
	if idx < len(c.errs) && c.errs[idx] != nil {
		return nil, c.errs[idx]
	}
	if idx >= len(c.turns) {
		return nil, fmt.Errorf("unexpected call %d", idx)
	}
	return &llms.GenerationResponse{
		Message:  c.turns[idx],
		Request:  req,
		Metadata: llms.ResponseMetadata{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (c *scriptedClient) QueryStream(ctx context.Context, req *llms.GenerationRequest) (*llms.Stream, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return llms.NewStream(ch, func() {}), nil
}

func (c *scriptedClient) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	return 0, nil
}
func (c *scriptedClient) Provider() config.Provider { return config.ProviderOpenAI }
func (c *scriptedClient) Close() error              { return nil }

func newEngine(client *scriptedClient, opts ...Option) *Engine {
	m := model.NewWithClient("gpt-4o-mini", client, llms.NewModelStore(nil))
	return New(m, opts...)
}

func userConversation(text string) *protocol.Conversation {
	conv := protocol.NewConversation("test")
	conv.Append(protocol.NewUserMessage(text))
	return conv
}

func params() *config.GenerationParams {
	return &config.GenerationParams{Model: "gpt-4o-mini"}
}

func TestEngine_GenerateThenTerminate(t *testing.T) {
	client := &scriptedClient{turns: []*protocol.Message{
		protocol.NewAssistantMessage("A fox."),
	}}
	e := newEngine(client)

	conv, err := e.Run(context.Background(), userConversation("Name one mammal."), params(), nil)
	require.NoError(t, err)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, protocol.RoleAssistant, conv.Last().Role)
	assert.Equal(t, protocol.StateTerminate, conv.State())
	assert.Equal(t, 1, client.calls)
}

func TestEngine_ToolLoop(t *testing.T) {
	call := &protocol.ToolCall{ID: "call_1", Name: "echo", Args: map[string]interface{}{"text": "hi"}}
	client := &scriptedClient{turns: []*protocol.Message{
		protocol.NewAssistantMessage("Let me check.", call),
		protocol.NewAssistantMessage("It said hi."),
	}}

	registry := tool.NewRegistry(tool.NewFuncTool("echo", "repeats input", nil,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		}))
	e := newEngine(client, WithTools(registry))

	conv, err := e.Run(context.Background(), userConversation("Ask the tool."), params(), nil)
	require.NoError(t, err)

	// user, assistant+call, tool result, assistant
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, protocol.RoleTool, conv.Messages[2].Role)
	assert.Equal(t, "call_1", conv.Messages[2].ToolCallID)
	assert.Equal(t, "hi", conv.Messages[2].Content)
	assert.Equal(t, "It said hi.", conv.Last().Content)
	assert.Equal(t, 2, client.calls)
}

func TestEngine_ToolCallsExecuteInOrder(t *testing.T) {
	calls := []*protocol.ToolCall{
		{ID: "call_a", Name: "echo", Args: map[string]interface{}{"text": "first"}},
		{ID: "call_b", Name: "echo", Args: map[string]interface{}{"text": "second"}},
	}
	client := &scriptedClient{turns: []*protocol.Message{
		protocol.NewAssistantMessage("", calls...),
		protocol.NewAssistantMessage("done"),
	}}

	var order []string
	registry := tool.NewRegistry(tool.NewFuncTool("echo", "", nil,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			text := args["text"].(string)
			order = append(order, text)
			return text, nil
		}))
	e := newEngine(client, WithTools(registry))

	conv, err := e.Run(context.Background(), userConversation("go"), params(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "call_a", conv.Messages[2].ToolCallID)
	assert.Equal(t, "call_b", conv.Messages[3].ToolCallID)
}

func TestEngine_ToolFailureFeedsBack(t *testing.T) {
	call := &protocol.ToolCall{ID: "call_1", Name: "flaky", Args: map[string]interface{}{}}
	client := &scriptedClient{turns: []*protocol.Message{
		protocol.NewAssistantMessage("", call),
		protocol.NewAssistantMessage("The tool failed, sorry."),
	}}

	registry := tool.NewRegistry(tool.NewFuncTool("flaky", "", nil,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("boom")
		}))
	e := newEngine(client, WithTools(registry))

	conv, err := e.Run(context.Background(), userConversation("go"), params(), nil)
	require.NoError(t, err)

	assert.Contains(t, conv.Messages[2].Content, "boom")
	assert.Equal(t, protocol.StateTerminate, conv.State())
}

func TestEngine_IncompleteConversation(t *testing.T) {
	conv := protocol.NewConversation("broken")
	conv.Append(protocol.NewAssistantMessage("orphan"))
	conv.Messages[0].Role = protocol.RoleTool
	conv.Messages[0].ToolCallID = "call_x"

	e := newEngine(&scriptedClient{})
	_, err := e.Run(context.Background(), conv, params(), nil)
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeIncompleteConversation, ce.Info.Code)
	assert.Equal(t, protocol.CategoryClient, ce.Info.Category)
}

func TestEngine_MaxStepsReturnsWithoutError(t *testing.T) {
	// Every turn requests another tool call, so the run can never terminate.
	loopTurn := func(i int) *protocol.Message {
		return protocol.NewAssistantMessage("", &protocol.ToolCall{
			ID: fmt.Sprintf("call_%d", i), Name: "echo", Args: map[string]interface{}{"text": "x"},
		})
	}
	client := &scriptedClient{turns: []*protocol.Message{
		loopTurn(0), loopTurn(1), loopTurn(2), loopTurn(3), loopTurn(4),
	}}
	registry := tool.NewRegistry(tool.NewFuncTool("echo", "", nil,
		func(ctx context.Context, args map[string]interface{}) (string, error) { return "x", nil }))

	e := newEngine(client, WithTools(registry), WithMaxSteps(4))
	conv, err := e.Run(context.Background(), userConversation("loop"), params(), nil)

	require.NoError(t, err)
	assert.NotEqual(t, protocol.StateTerminate, conv.State())
}

func TestEngine_PipeErrorRecordedOnLastTurn(t *testing.T) {
	wantErr := protocol.NewServerError(protocol.CodeProvider5xx, "upstream down")
	client := &scriptedClient{errs: []error{wantErr}}
	e := newEngine(client)

	conv, err := e.Run(context.Background(), userConversation("hello"), params(), nil)
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeProvider5xx, ce.Info.Code)

	// The failure is pinned to the user turn that triggered it.
	require.NotNil(t, conv.Last().Error)
	assert.Equal(t, protocol.CodeProvider5xx, conv.Last().Error.Info.Code)
}

func TestEngine_ToolsWithoutRegistryFails(t *testing.T) {
	call := &protocol.ToolCall{ID: "call_1", Name: "echo"}
	client := &scriptedClient{turns: []*protocol.Message{
		protocol.NewAssistantMessage("", call),
	}}
	e := newEngine(client)

	_, err := e.Run(context.Background(), userConversation("go"), params(), nil)
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CategoryClient, ce.Info.Category)
}
