package llms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

func newOpenAITestClient(t *testing.T, serverURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(&config.ProviderConfig{
		Type:       config.ProviderOpenAI,
		Model:      "gpt-4o-mini",
		Host:       serverURL,
		APIKey:     "test-key",
		MaxRetries: 1,
	})
	require.NoError(t, err)
	return client
}

func TestOpenAIClient_Query(t *testing.T) {
	var capturedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &capturedBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "A dolphin."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	resp, err := client.Query(context.Background(), newTestRequest("gpt-4o-mini"))
	require.NoError(t, err)

	assert.Equal(t, "A dolphin.", resp.Message.Content)
	assert.Equal(t, protocol.RoleAssistant, resp.Message.Role)
	assert.Equal(t, 12, resp.Metadata.InputTokens)
	assert.Equal(t, 4, resp.Metadata.OutputTokens)
	assert.Equal(t, "stop", resp.Metadata.StopReason)

	assert.Equal(t, "gpt-4o-mini", capturedBody["model"])
	messages := capturedBody["messages"].([]interface{})
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
}

func TestOpenAIClient_QueryToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "ls", "arguments": "{\"path\": \"/tmp\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
		}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	resp, err := client.Query(context.Background(), newTestRequest("gpt-4o-mini"))
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 1)
	tc := resp.Message.ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "ls", tc.Name)
	assert.Equal(t, "/tmp", tc.Args["path"])
	assert.True(t, resp.Message.HasPendingToolCalls())
}

func TestOpenAIClient_QuerySearchResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Per recent reports..."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 12, "total_tokens": 22},
			"search_results": [{"title": "Example", "url": "https://example.com", "date": "2025-03-01"}]
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(&config.ProviderConfig{
		Type:   config.ProviderPerplexity,
		Model:  "sonar",
		Host:   server.URL,
		APIKey: "test-key",
	})
	require.NoError(t, err)

	resp, err := client.Query(context.Background(), newTestRequest("sonar"))
	require.NoError(t, err)
	require.Len(t, resp.Metadata.SearchResults, 1)
	assert.Equal(t, "https://example.com", resp.Metadata.SearchResults[0].URL)
}

func TestOpenAIClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantCode     string
		wantCategory protocol.ErrorCategory
	}{
		{"bad request", http.StatusBadRequest, protocol.CodeProvider4xx, protocol.CategoryServer},
		{"unauthorized", http.StatusUnauthorized, protocol.CodeProvider4xx, protocol.CategoryServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": {"message": "nope"}}`))
			}))
			defer server.Close()

			client := newOpenAITestClient(t, server.URL)
			_, err := client.Query(context.Background(), newTestRequest("gpt-4o-mini"))
			require.Error(t, err)

			var ce *protocol.ConduitError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.wantCode, ce.Info.Code)
			assert.Equal(t, tt.wantCategory, ce.Info.Category)
			require.NotNil(t, ce.Detail)
			assert.Contains(t, ce.Detail.RawResponse, "nope")
		})
	}
}

func TestOpenAIClient_ConnectionError(t *testing.T) {
	client := newOpenAITestClient(t, "http://127.0.0.1:1")

	_, err := client.Query(context.Background(), newTestRequest("gpt-4o-mini"))
	require.Error(t, err)

	var ce *protocol.ConduitError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, protocol.CategoryNetwork, ce.Info.Category)
	assert.True(t, ce.IsRetryable())
}

func TestOpenAIClient_QueryStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"choices": [{"delta": {"content": "A "}}]}`,
			`data: {"choices": [{"delta": {"content": "whale."}}]}`,
			`data: {"choices": [{"delta": {}, "finish_reason": "stop"}]}`,
			`data: {"choices": [], "usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}}`,
			`data: [DONE]`,
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
		}
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	req := newTestRequest("gpt-4o-mini")
	req.Params.Stream = true

	stream, err := client.QueryStream(context.Background(), req)
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var usage *TokenUsage
	for chunk := range stream.Chunks {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			usage = chunk.Usage
		case ChunkError:
			t.Fatalf("unexpected stream error: %v", chunk.Error)
		}
	}

	assert.Equal(t, "A whale.", text)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
}

func TestOpenAIClient_QueryStreamToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []string{
			`data: {"choices": [{"delta": {"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "ls", "arguments": ""}}]}}]}`,
			`data: {"choices": [{"delta": {"tool_calls": [{"function": {"arguments": "{\"path\":"}}]}}]}`,
			`data: {"choices": [{"delta": {"tool_calls": [{"function": {"arguments": " \"/tmp\"}"}}]}}]}`,
			`data: {"choices": [{"delta": {}, "finish_reason": "tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
		}
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	req := newTestRequest("gpt-4o-mini")
	req.Params.Stream = true

	stream, err := client.QueryStream(context.Background(), req)
	require.NoError(t, err)
	defer stream.Close()

	var calls []*protocol.ToolCall
	for chunk := range stream.Chunks {
		if chunk.Type == ChunkToolCall {
			calls = append(calls, chunk.ToolCall)
		}
	}

	require.Len(t, calls, 1)
	assert.Equal(t, "ls", calls[0].Name)
	assert.Equal(t, "/tmp", calls[0].Args["path"])
}

func TestOpenAIClient_ResponseFormatFromModel(t *testing.T) {
	var capturedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &capturedBody)
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "{\"name\":\"cat\",\"legs\":4}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 9, "total_tokens": 14}
		}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	req := newTestRequest("gpt-4o-mini")
	req.Params.ResponseModel = &animalReport{}

	_, err := client.Query(context.Background(), req)
	require.NoError(t, err)

	format := capturedBody["response_format"].(map[string]interface{})
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]interface{})
	schema := jsonSchema["schema"].(map[string]interface{})
	assert.Contains(t, schema["properties"], "name")
}

func TestOpenAIClient_ClientParamsPassthrough(t *testing.T) {
	var capturedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &capturedBody)
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(t, server.URL)
	req := newTestRequest("gpt-4o-mini")
	req.Params.ClientParams = map[string]interface{}{"seed": 42}

	_, err := client.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(42), capturedBody["seed"])
}
