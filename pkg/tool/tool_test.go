package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/protocol"
)

func echoTool() *FuncTool {
	return NewFuncTool("echo", "repeats its input",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
		},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		})
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(echoTool())

	result, err := r.Execute(context.Background(), &protocol.ToolCall{
		ID:   "call_1",
		Name: "echo",
		Args: map[string]interface{}{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry(echoTool())
	assert.Error(t, r.Register(echoTool()))
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), &protocol.ToolCall{Name: "missing"})
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CategoryClient, ce.Info.Category)
}

func TestRegistry_ExecutionErrorSurfaces(t *testing.T) {
	failing := NewFuncTool("fail", "always fails", nil,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("boom")
		})
	r := NewRegistry(failing)

	_, err := r.Execute(context.Background(), &protocol.ToolCall{Name: "fail"})
	assert.EqualError(t, err, "boom")
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(
		NewFuncTool("zeta", "last", nil, nil),
		NewFuncTool("alpha", "first", nil, nil),
	)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestParseFunctionCalls(t *testing.T) {
	payload := `<function_calls>
<invoke name="get_weather">
<parameters>
<parameter name="city">Paris</parameter>
<parameter name="days">3</parameter>
<parameter name="detailed">true</parameter>
</parameters>
</invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(payload)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	call := calls[0]
	assert.Equal(t, "get_weather", call.Name)
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, "Paris", call.Args["city"])
	assert.Equal(t, float64(3), call.Args["days"])
	assert.Equal(t, true, call.Args["detailed"])
}

func TestParseFunctionCalls_MultipleInvokes(t *testing.T) {
	payload := `<function_calls>
<invoke name="first"><parameters></parameters></invoke>
<invoke name="second"><parameters><parameter name="k">v</parameter></parameters></invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(payload)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
}

func TestParseFunctionCalls_JSONObjectArgument(t *testing.T) {
	payload := `<function_calls>
<invoke name="update">
<parameters>
<parameter name="patch">{"active": true, "tags": ["a", "b"]}</parameter>
</parameters>
</invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(payload)
	require.NoError(t, err)

	patch, ok := calls[0].Args["patch"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, patch["active"])
}

func TestParseFunctionCalls_Malformed(t *testing.T) {
	_, err := ParseFunctionCalls("<function_calls>no invokes here</function_calls>")
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CodeXMLParseError, ce.Info.Code)
	assert.Equal(t, protocol.CategoryParsing, ce.Info.Category)
}

func TestFunctionCalls_RoundTrip(t *testing.T) {
	original := []*protocol.ToolCall{{
		ID:   "call_x",
		Name: "search",
		Args: map[string]interface{}{
			"query":    "weather & <forecast>",
			"limit":    float64(5),
			"wildcard": "42", // string that looks numeric
			"filters":  map[string]interface{}{"lang": "en"},
		},
	}}

	parsed, err := ParseFunctionCalls(SerializeFunctionCalls(original))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	assert.Equal(t, original[0].Name, parsed[0].Name)
	assert.Equal(t, original[0].Args, parsed[0].Args)
}
