package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/httpclient"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// OpenAIClient speaks the Chat Completions wire format. It serves OpenAI
// itself plus every OpenAI-compatible backend: Google's compatibility
// endpoint, Perplexity, and Ollama's /v1 surface. The Host distinguishes
// them; Perplexity additionally returns search_results which are surfaced
// as response metadata.
type OpenAIClient struct {
	config       *config.ProviderConfig
	httpClient   *httpclient.Client
	streamClient *httpclient.Client
	tokenizer    *Tokenizer
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	TopP           *float64              `json:"top_p,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions  `json:"stream_options,omitempty"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ToolChoice     string                `json:"tool_choice,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	ImageURL   *openAIImageURL   `json:"image_url,omitempty"`
	InputAudio *openAIInputAudio `json:"input_audio,omitempty"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string                 `json:"name"`
	Schema map[string]interface{} `json:"schema"`
	Strict bool                   `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices       []openAIChoice `json:"choices"`
	Usage         openAIUsage    `json:"usage"`
	SearchResults []SearchResult `json:"search_results,omitempty"`
	Error         *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func NewOpenAIClient(cfg *config.ProviderConfig) (*OpenAIClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokenizer, err := NewTokenizer(cfg.Model)
	if err != nil {
		return nil, err
	}

	return &OpenAIClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		streamClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		tokenizer: tokenizer,
	}, nil
}

func (c *OpenAIClient) Provider() config.Provider {
	return c.config.Type
}

func (c *OpenAIClient) Close() error {
	return nil
}

func (c *OpenAIClient) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	return tokenizePayload(c.tokenizer, payload)
}

func (c *OpenAIClient) Query(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("conduit.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Params.Model),
			attribute.String(observability.AttrLLMProvider, string(c.config.Type)),
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
			metrics.RecordLLMCall(ctx, string(c.config.Type), req.Params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	if response.Error != nil {
		apiErr := protocol.NewServerError(protocol.CodeProvider4xx, response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		if metrics != nil {
			metrics.RecordLLMCall(ctx, string(c.config.Type), req.Params.Model, duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := protocol.NewParseError(protocol.CodeMalformedResponse, "no response choices returned")
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		if metrics != nil {
			metrics.RecordLLMCall(ctx, string(c.config.Type), req.Params.Model, duration, 0, 0, noChoiceErr)
		}
		return nil, noChoiceErr
	}

	choice := response.Choices[0]

	text := ""
	if str, ok := choice.Message.Content.(string); ok {
		text = str
	}

	toolCalls, err := parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics != nil {
		metrics.RecordLLMCall(ctx, string(c.config.Type), req.Params.Model, duration,
			response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)
	}

	return &GenerationResponse{
		Message: protocol.NewAssistantMessage(text, toolCalls...),
		Request: req,
		Metadata: ResponseMetadata{
			InputTokens:   response.Usage.PromptTokens,
			OutputTokens:  response.Usage.CompletionTokens,
			StopReason:    choice.FinishReason,
			Duration:      duration,
			Timestamp:     time.Now().UTC(),
			SearchResults: response.SearchResults,
		},
	}, nil
}

func (c *OpenAIClient) QueryStream(ctx context.Context, req *GenerationRequest) (*Stream, error) {
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

func (c *OpenAIClient) buildRequest(req *GenerationRequest, stream bool) (openAIRequest, error) {
	messages := make([]openAIMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			messages = append(messages, openAIMessage{Role: "system", Content: msg.Content})

		case protocol.RoleUser:
			wireMsg := openAIMessage{Role: "user", Name: msg.Name}
			if len(msg.Blocks) > 0 {
				parts, err := openAIContentParts(msg.Blocks)
				if err != nil {
					return openAIRequest{}, err
				}
				wireMsg.Content = parts
			} else {
				wireMsg.Content = msg.Content
			}
			messages = append(messages, wireMsg)

		case protocol.RoleAssistant:
			wireMsg := openAIMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				wireMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					argsJSON, _ := json.Marshal(tc.Args)
					wireMsg.ToolCalls[i] = openAIToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openAIFunctionCall{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					}
				}
			}
			messages = append(messages, wireMsg)

		case protocol.RoleTool:
			messages = append(messages, openAIMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			return openAIRequest{}, protocol.NewClientError(protocol.CodeValidationError,
				fmt.Sprintf("unsupported message role: %s", msg.Role))
		}
	}

	request := openAIRequest{
		Model:       req.Params.Model,
		Messages:    messages,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stream:      stream,
	}
	if req.Params.MaxTokens > 0 {
		maxTokens := req.Params.MaxTokens
		request.MaxTokens = &maxTokens
	}
	if stream {
		request.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	if req.Params.ResponseModel != nil {
		schema, err := SchemaOf(req.Params.ResponseModel)
		if err != nil {
			return openAIRequest{}, protocol.NewClientError(protocol.CodeValidationError, err.Error())
		}
		request.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   "response",
				Schema: schema,
				Strict: true,
			},
		}
	}

	if len(req.Tools) > 0 {
		request.Tools = make([]openAITool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(tool),
			}
		}
		request.ToolChoice = "auto"
	}

	return request, nil
}

func openAIContentParts(blocks []protocol.ContentBlock) ([]openAIContentPart, error) {
	parts := make([]openAIContentPart, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case protocol.ContentText:
			parts = append(parts, openAIContentPart{Type: "text", Text: block.Text})
		case protocol.ContentImage:
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: block.URL, Detail: string(block.Detail)},
			})
		case protocol.ContentAudio:
			parts = append(parts, openAIContentPart{
				Type:       "input_audio",
				InputAudio: &openAIInputAudio{Data: block.Data, Format: string(block.Format)},
			})
		default:
			return nil, protocol.NewClientError(protocol.CodeValidationError,
				fmt.Sprintf("unsupported content block type: %s", block.Type))
		}
	}
	return parts, nil
}

func parseOpenAIToolCalls(wireCalls []openAIToolCall) ([]*protocol.ToolCall, error) {
	if len(wireCalls) == 0 {
		return nil, nil
	}
	result := make([]*protocol.ToolCall, len(wireCalls))
	for i, tc := range wireCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, protocol.NewParseError(protocol.CodeJSONParseError,
					fmt.Sprintf("failed to parse tool arguments: %v", err)).WithCause(err)
			}
		}
		result[i] = &protocol.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return result, nil
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

func (c *OpenAIClient) makeRequest(ctx context.Context, request openAIRequest, clientParams map[string]interface{}) (*openAIResponse, error) {
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

	var response openAIResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, malformedError(err, respBody)
	}
	return &response, nil
}

func (c *OpenAIClient) makeStreamingRequest(ctx context.Context, request openAIRequest, clientParams map[string]interface{}, outputCh chan<- StreamChunk) error {
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

	reader := bufio.NewReader(resp.Body)
	toolCallsAcc := []openAIToolCall{}
	var usage *TokenUsage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			return protocol.NewNetworkError(protocol.CodeStreamInterrupted, err.Error()).WithCause(err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return protocol.NewServerError(protocol.CodeProvider5xx, streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			usage = &TokenUsage{
				InputTokens:  streamResp.Usage.PromptTokens,
				OutputTokens: streamResp.Usage.CompletionTokens,
			}
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return nil
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsAcc = append(toolCallsAcc, deltaCall)
			} else if len(toolCallsAcc) > 0 {
				toolCallsAcc[len(toolCallsAcc)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			toolCalls, err := parseOpenAIToolCalls(toolCallsAcc)
			if err != nil {
				return err
			}
			for _, tc := range toolCalls {
				if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkToolCall, ToolCall: tc}) {
					return nil
				}
			}
			toolCallsAcc = nil
		}
	}

	sendChunk(ctx, outputCh, StreamChunk{Type: ChunkDone, Usage: usage})
	return nil
}
