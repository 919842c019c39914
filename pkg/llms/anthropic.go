package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/httpclient"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens is used when params omit max_tokens; the
// Messages API requires the field.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient speaks the Messages API. System prompts move to the
// top-level system field, images travel as base64 source blocks, tool calls
// are embedded as tool_use content, and audio is rejected outright since the
// API has no audio modality.
type AnthropicClient struct {
	config       *config.ProviderConfig
	httpClient   *httpclient.Client
	streamClient *httpclient.Client
	tokenizer    *Tokenizer
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	Source    *anthropicImageSource   `json:"source,omitempty"`
	ID        string                  `json:"id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Input     *map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicClient(cfg *config.ProviderConfig) (*AnthropicClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokenizer, err := NewTokenizer(cfg.Model)
	if err != nil {
		return nil, err
	}

	return &AnthropicClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		streamClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		tokenizer: tokenizer,
	}, nil
}

func (c *AnthropicClient) Provider() config.Provider {
	return config.ProviderAnthropic
}

func (c *AnthropicClient) Close() error {
	return nil
}

func (c *AnthropicClient) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	return tokenizePayload(c.tokenizer, payload)
}

func (c *AnthropicClient) Query(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("conduit.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Params.Model),
			attribute.String(observability.AttrLLMProvider, "anthropic"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	wireReq, err := c.buildRequest(req, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	response, err := c.makeRequest(ctx, wireReq, req.Params.ClientParams)
	duration := time.Since(startTime)

	metrics := observability.GetGlobalMetrics()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics != nil {
			metrics.RecordLLMCall(ctx, "anthropic", req.Params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	if response.Error != nil {
		apiErr := protocol.NewServerError(protocol.CodeProvider4xx, response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		if metrics != nil {
			metrics.RecordLLMCall(ctx, "anthropic", req.Params.Model, duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	var text strings.Builder
	var toolCalls []*protocol.ToolCall
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			text.WriteString(content.Text)
		case "tool_use":
			args := map[string]interface{}{}
			if content.Input != nil {
				args = *content.Input
			}
			toolCalls = append(toolCalls, &protocol.ToolCall{
				ID:   content.ID,
				Name: content.Name,
				Args: args,
			})
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics != nil {
		metrics.RecordLLMCall(ctx, "anthropic", req.Params.Model, duration,
			response.Usage.InputTokens, response.Usage.OutputTokens, nil)
	}

	return &GenerationResponse{
		Message: protocol.NewAssistantMessage(text.String(), toolCalls...),
		Request: req,
		Metadata: ResponseMetadata{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
			StopReason:   response.StopReason,
			Duration:     duration,
			Timestamp:    time.Now().UTC(),
		},
	}, nil
}

func (c *AnthropicClient) QueryStream(ctx context.Context, req *GenerationRequest) (*Stream, error) {
	wireReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)
		defer cancel()

		if err := c.makeStreamingRequest(streamCtx, wireReq, req.Params.ClientParams, outputCh); err != nil {
			sendChunk(streamCtx, outputCh, StreamChunk{Type: ChunkError, Error: err})
		}
	}()

	return NewStream(outputCh, cancel), nil
}

func (c *AnthropicClient) buildRequest(req *GenerationRequest, stream bool) (anthropicRequest, error) {
	if req.Params.OutputType == config.OutputAudio || req.Params.OutputType == config.OutputTranscription {
		return anthropicRequest{}, protocol.NewClientError(protocol.CodeUnsupportedModality,
			fmt.Sprintf("anthropic does not support %s output", req.Params.OutputType))
	}

	var systemParts []string
	if req.Params.System != "" {
		systemParts = append(systemParts, req.Params.System)
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if msg.Content != "" && (len(systemParts) == 0 || systemParts[0] != msg.Content) {
				systemParts = append(systemParts, msg.Content)
			}

		case protocol.RoleUser:
			contents, err := anthropicUserContent(msg)
			if err != nil {
				return anthropicRequest{}, err
			}
			messages = append(messages, anthropicMessage{Role: "user", Content: contents})

		case protocol.RoleAssistant:
			contents := []anthropicContent{}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: contents})

		case protocol.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			return anthropicRequest{}, protocol.NewClientError(protocol.CodeValidationError,
				fmt.Sprintf("unsupported message role: %s", msg.Role))
		}
	}

	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	request := anthropicRequest{
		Model:       req.Params.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}

	if len(req.Tools) > 0 {
		request.Tools = make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}

	return request, nil
}

func anthropicUserContent(msg *protocol.Message) ([]anthropicContent, error) {
	if len(msg.Blocks) == 0 {
		return []anthropicContent{{Type: "text", Text: msg.Content}}, nil
	}

	contents := make([]anthropicContent, 0, len(msg.Blocks))
	for _, block := range msg.Blocks {
		switch block.Type {
		case protocol.ContentText:
			contents = append(contents, anthropicContent{Type: "text", Text: block.Text})
		case protocol.ContentImage:
			source, err := anthropicImageSourceFor(block.URL)
			if err != nil {
				return nil, err
			}
			contents = append(contents, anthropicContent{Type: "image", Source: source})
		case protocol.ContentAudio:
			return nil, protocol.NewClientError(protocol.CodeUnsupportedModality,
				"anthropic does not support audio input")
		default:
			return nil, protocol.NewClientError(protocol.CodeValidationError,
				fmt.Sprintf("unsupported content block type: %s", block.Type))
		}
	}
	return contents, nil
}

// anthropicImageSourceFor converts a data URI into a base64 source block and
// passes plain URLs through as url sources.
func anthropicImageSourceFor(url string) (*anthropicImageSource, error) {
	if !strings.HasPrefix(url, "data:") {
		return &anthropicImageSource{Type: "url", URL: url}, nil
	}

	rest := strings.TrimPrefix(url, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return nil, protocol.NewClientError(protocol.CodeValidationError,
			"image data URI must be base64 encoded")
	}
	return &anthropicImageSource{
		Type:      "base64",
		MediaType: rest[:sep],
		Data:      rest[sep+len(";base64,"):],
	}, nil
}

func (c *AnthropicClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (c *AnthropicClient) makeRequest(ctx context.Context, request anthropicRequest, clientParams map[string]interface{}) (*anthropicResponse, error) {
	body, err := encodeBody(request, clientParams)
	if err != nil {
		return nil, protocol.NewClientError(protocol.CodeValidationError, err.Error())
	}

	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, statusError(resp.StatusCode, respBody)
		}
	}
	if err != nil {
		return nil, transportError(err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewNetworkError(protocol.CodeStreamInterrupted, err.Error()).WithCause(err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, malformedError(err, respBody)
	}
	return &response, nil
}

func (c *AnthropicClient) makeStreamingRequest(ctx context.Context, request anthropicRequest, clientParams map[string]interface{}, outputCh chan<- StreamChunk) error {
	body, err := encodeBody(request, clientParams)
	if err != nil {
		return protocol.NewClientError(protocol.CodeValidationError, err.Error())
	}

	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return err
	}

	resp, err := c.streamClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return statusError(resp.StatusCode, respBody)
		}
	}
	if err != nil {
		return transportError(err)
	}

	toolCalls := make(map[int]*protocol.ToolCall)
	toolJSONBuffers := make(map[int]string)
	usage := &TokenUsage{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &streamResp); err != nil {
			continue
		}

		switch streamResp.Type {
		case "error":
			if streamResp.Error != nil {
				return protocol.NewServerError(protocol.CodeProvider5xx, streamResp.Error.Message)
			}

		case "message_start":
			if streamResp.Message != nil {
				usage.InputTokens = streamResp.Message.Usage.InputTokens
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &protocol.ToolCall{
					ID:   streamResp.ContentBlock.ID,
					Name: streamResp.ContentBlock.Name,
					Args: map[string]interface{}{},
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta == nil {
				continue
			}
			switch streamResp.Delta.Type {
			case "text_delta":
				if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkText, Text: streamResp.Delta.Text}) {
					return nil
				}
			case "input_json_delta":
				toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, ok := toolCalls[streamResp.Index]; ok {
				if buf := toolJSONBuffers[streamResp.Index]; buf != "" {
					var args map[string]interface{}
					if err := json.Unmarshal([]byte(buf), &args); err != nil {
						return protocol.NewParseError(protocol.CodeJSONParseError,
							fmt.Sprintf("failed to parse tool arguments: %v", err)).WithCause(err)
					}
					tc.Args = args
				}
				if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkToolCall, ToolCall: tc}) {
					return nil
				}
				delete(toolCalls, streamResp.Index)
				delete(toolJSONBuffers, streamResp.Index)
			}

		case "message_delta":
			if streamResp.Usage != nil {
				usage.OutputTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			sendChunk(ctx, outputCh, StreamChunk{Type: ChunkDone, Usage: usage})
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return protocol.NewNetworkError(protocol.CodeStreamInterrupted, err.Error()).WithCause(err)
	}

	sendChunk(ctx, outputCh, StreamChunk{Type: ChunkDone, Usage: usage})
	return nil
}
