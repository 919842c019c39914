// Package llms contains the provider clients: request/response contract,
// per-provider wire adaptation, streaming handles, tokenization, and the
// process-wide model store.
package llms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// ToolDefinition describes a callable exposed to the model. Parameters is a
// JSON schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GenerationRequest is the unit of work handed to a client. Messages are
// borrowed from the owning conversation; clients must not mutate them.
type GenerationRequest struct {
	Messages []*protocol.Message      `json:"messages"`
	Params   *config.GenerationParams `json:"params"`
	Options  *config.Options          `json:"-"`
	Tools    []ToolDefinition         `json:"tools,omitempty"`
}

// ResponseMetadata carries the accounting attached to every response.
type ResponseMetadata struct {
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	StopReason    string         `json:"stop_reason,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Timestamp     time.Time      `json:"timestamp"`
	CacheHit      bool           `json:"cache_hit,omitempty"`
	SearchResults []SearchResult `json:"search_results,omitempty"`
}

// SearchResult is a web citation returned by search-backed providers.
type SearchResult struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
	Date  string `json:"date,omitempty"`
}

// GenerationResponse is the outcome of a successful provider call.
type GenerationResponse struct {
	Message  *protocol.Message  `json:"message"`
	Request  *GenerationRequest `json:"request,omitempty"`
	Metadata ResponseMetadata   `json:"metadata"`
}

type StreamChunkType string

const (
	ChunkText     StreamChunkType = "text"
	ChunkToolCall StreamChunkType = "tool_call"
	ChunkDone     StreamChunkType = "done"
	ChunkError    StreamChunkType = "error"
)

// TokenUsage is the end-of-stream usage frame.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type StreamChunk struct {
	Type     StreamChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Usage    *TokenUsage
	Error    error
}

// Stream is a handle over an in-flight streaming generation. Closing it
// aborts the upstream connection; the chunk channel is always closed by the
// producer, so ranging over Chunks terminates.
type Stream struct {
	Chunks <-chan StreamChunk

	cancel    func()
	closeOnce sync.Once
}

func NewStream(chunks <-chan StreamChunk, cancel func()) *Stream {
	return &Stream{Chunks: chunks, cancel: cancel}
}

// Close aborts the stream. Safe to call multiple times and after the
// producer has finished.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// Client is the per-provider adapter. Query and QueryStream return
// *protocol.ConduitError values on failure.
type Client interface {
	Query(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
	QueryStream(ctx context.Context, req *GenerationRequest) (*Stream, error)

	// Tokenize counts tokens for a string or a []*protocol.Message. Message
	// lists include per-message overhead; plain strings do not.
	Tokenize(ctx context.Context, payload interface{}) (int, error)

	Provider() config.Provider
	Close() error
}

// CanonicalJSON renders the semantically relevant request fields as JSON
// with deterministic key order. Message and tool-call IDs are excluded so
// equal content yields equal bytes across processes.
func (r *GenerationRequest) CanonicalJSON() ([]byte, error) {
	payload := map[string]interface{}{
		"model":    r.Params.Model,
		"messages": canonicalMessages(r.Messages),
	}
	if r.Params.System != "" {
		payload["system"] = r.Params.System
	}
	if r.Params.Temperature != nil {
		payload["temperature"] = *r.Params.Temperature
	}
	if r.Params.MaxTokens > 0 {
		payload["max_tokens"] = r.Params.MaxTokens
	}
	if r.Params.ResponseModel != nil {
		schema, err := SchemaOf(r.Params.ResponseModel)
		if err != nil {
			return nil, err
		}
		payload["response_schema"] = schema
	}
	return json.Marshal(payload)
}

// CacheKey is the SHA-256 hex digest of the canonical JSON.
func (r *GenerationRequest) CacheKey() (string, error) {
	data, err := r.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalMessages(messages []*protocol.Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, msg := range messages {
		m := map[string]interface{}{
			"role": string(msg.Role),
		}
		if len(msg.Blocks) > 0 {
			blocks := make([]map[string]interface{}, 0, len(msg.Blocks))
			for _, b := range msg.Blocks {
				blocks = append(blocks, canonicalBlock(b))
			}
			m["blocks"] = blocks
		} else if msg.Content != "" {
			m["content"] = msg.Content
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]interface{}, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, map[string]interface{}{
					"name": tc.Name,
					"args": tc.Args,
				})
			}
			m["tool_calls"] = calls
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		out = append(out, m)
	}
	return out
}

func canonicalBlock(b protocol.ContentBlock) map[string]interface{} {
	m := map[string]interface{}{"type": string(b.Type)}
	switch b.Type {
	case protocol.ContentText:
		m["text"] = b.Text
	case protocol.ContentImage:
		m["url"] = b.URL
		m["detail"] = string(b.Detail)
	case protocol.ContentAudio:
		m["data"] = b.Data
		m["format"] = string(b.Format)
	case protocol.ContentToolCall:
		if b.ToolCall != nil {
			m["name"] = b.ToolCall.Name
			m["args"] = b.ToolCall.Args
		}
	case protocol.ContentToolResult:
		if b.ToolResult != nil {
			m["tool_call_id"] = b.ToolResult.ToolCallID
			m["content"] = b.ToolResult.Content
		}
	}
	return m
}

// SchemaOf derives the JSON schema for a response model value. The schema,
// not the Go type identity, represents the model in cache keys and provider
// requests.
func SchemaOf(model interface{}) (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(model)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response schema: %w", err)
	}
	return out, nil
}
