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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/httpclient"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// defaultOllamaContextWindow applies to models missing from the context
// window table.
const defaultOllamaContextWindow = 32768

// ollamaContextWindows maps model-name prefixes to context sizes passed as
// num_ctx. Extend via config rather than editing this table.
var ollamaContextWindows = map[string]int{
	"llama3.1": 131072,
	"llama3":   8192,
	"llama2":   4096,
	"mistral":  32768,
	"mixtral":  32768,
	"qwen2.5":  32768,
	"qwen3":    40960,
	"gemma2":   8192,
	"gemma3":   131072,
	"phi3":     131072,
	"deepseek": 65536,
}

// OllamaClient speaks the daemon's native API: /api/chat for generation,
// /api/tags for model enumeration, and /api/generate with num_predict=0 for
// tokenization (the daemon reports prompt_eval_count without generating).
type OllamaClient struct {
	config       *config.ProviderConfig
	httpClient   *httpclient.Client
	streamClient *httpclient.Client
	baseURL      string

	tagsOnce       sync.Once
	availableModel map[string]bool
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   interface{}     `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaGenerateResponse struct {
	PromptEvalCount int    `json:"prompt_eval_count"`
	Error           string `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewOllamaClient(cfg *config.ProviderConfig) (*OllamaClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &OllamaClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
		),
		streamClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
		),
		baseURL: strings.TrimSuffix(cfg.Host, "/"),
	}, nil
}

func (c *OllamaClient) Provider() config.Provider {
	return config.ProviderOllama
}

func (c *OllamaClient) Close() error {
	return nil
}

// ContextWindow resolves the model's context size from the prefix table.
func (c *OllamaClient) ContextWindow() int {
	return OllamaContextWindow(c.config.Model)
}

func OllamaContextWindow(model string) int {
	modelLower := strings.ToLower(model)
	best := 0
	window := defaultOllamaContextWindow
	for prefix, size := range ollamaContextWindows {
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > best {
			best = len(prefix)
			window = size
		}
	}
	return window
}

// AvailableModels enumerates the daemon's local tags. The list is fetched
// once and cached; a daemon that is down yields an empty list and a warning
// rather than an error, since availability is advisory.
func (c *OllamaClient) AvailableModels(ctx context.Context) map[string]bool {
	c.tagsOnce.Do(func() {
		c.availableModel = map[string]bool{}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
		if err != nil {
			return
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.GetLogger().Warn("failed to enumerate ollama models", "host", c.baseURL, "error", err)
			return
		}
		defer resp.Body.Close()

		var tags ollamaTagsResponse
		if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
			logger.GetLogger().Warn("failed to decode ollama tags", "error", err)
			return
		}
		for _, m := range tags.Models {
			c.availableModel[m.Name] = true
		}
	})
	return c.availableModel
}

// warnIfUnknownModel flags a model the daemon has not pulled before the first
// request for it goes out. Advisory only: an empty tag list (daemon down,
// decode failure) suppresses the check, and the request proceeds either way
// so the daemon's own error stays authoritative.
func (c *OllamaClient) warnIfUnknownModel(ctx context.Context, model string) {
	available := c.AvailableModels(ctx)
	if len(available) == 0 {
		return
	}
	if available[model] || available[model+":latest"] {
		return
	}
	logger.GetLogger().Warn("model not found in local ollama tags, run ollama pull",
		"model", model, "host", c.baseURL)
}

// Tokenize asks the daemon itself: a /api/generate call with num_predict=0
// evaluates the prompt without generating, and prompt_eval_count is the
// token count. Message lists are rendered to a single prompt first.
func (c *OllamaClient) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	var prompt string
	switch v := payload.(type) {
	case string:
		prompt = v
	case []*protocol.Message:
		var sb strings.Builder
		for _, msg := range v {
			sb.WriteString(string(msg.Role))
			sb.WriteString(": ")
			sb.WriteString(msg.TextContent())
			sb.WriteString("\n")
		}
		prompt = sb.String()
	default:
		return 0, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("cannot tokenize payload of type %T", payload))
	}

	zero := 0
	body, err := json.Marshal(map[string]interface{}{
		"model":   c.config.Model,
		"prompt":  prompt,
		"stream":  false,
		"options": ollamaOptions{NumPredict: &zero},
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return 0, protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return 0, statusError(resp.StatusCode, respBody)
		}
	}
	if err != nil {
		return 0, transportError(err)
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return 0, malformedError(err, nil)
	}
	if genResp.Error != "" {
		return 0, protocol.NewServerError(protocol.CodeProvider5xx, genResp.Error)
	}
	return genResp.PromptEvalCount, nil
}

func (c *OllamaClient) Query(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("conduit.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Params.Model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
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

	c.warnIfUnknownModel(ctx, req.Params.Model)

	response, err := c.makeRequest(ctx, wireReq, req.Params.ClientParams)
	duration := time.Since(startTime)

	metrics := observability.GetGlobalMetrics()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics != nil {
			metrics.RecordLLMCall(ctx, "ollama", req.Params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	if response.Error != "" {
		apiErr := protocol.NewServerError(protocol.CodeProvider5xx, response.Error)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error)
		if metrics != nil {
			metrics.RecordLLMCall(ctx, "ollama", req.Params.Model, duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	var toolCalls []*protocol.ToolCall
	for _, tc := range response.Message.ToolCalls {
		toolCalls = append(toolCalls, &protocol.ToolCall{
			ID:   fmt.Sprintf("call_%d", len(toolCalls)),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, response.EvalCount),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics != nil {
		metrics.RecordLLMCall(ctx, "ollama", req.Params.Model, duration,
			response.PromptEvalCount, response.EvalCount, nil)
	}

	return &GenerationResponse{
		Message: protocol.NewAssistantMessage(response.Message.Content, toolCalls...),
		Request: req,
		Metadata: ResponseMetadata{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
			StopReason:   response.DoneReason,
			Duration:     duration,
			Timestamp:    time.Now().UTC(),
		},
	}, nil
}

func (c *OllamaClient) QueryStream(ctx context.Context, req *GenerationRequest) (*Stream, error) {
	wireReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	c.warnIfUnknownModel(ctx, req.Params.Model)

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

func (c *OllamaClient) buildRequest(req *GenerationRequest, stream bool) (ollamaRequest, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			messages = append(messages, ollamaMessage{Role: "system", Content: msg.Content})

		case protocol.RoleUser:
			wireMsg := ollamaMessage{Role: "user", Content: msg.TextContent()}
			for _, block := range msg.Blocks {
				if block.Type == protocol.ContentImage {
					// Native API wants bare base64, not a data URI.
					data := block.URL
					if idx := strings.Index(data, ";base64,"); idx >= 0 {
						data = data[idx+len(";base64,"):]
					}
					wireMsg.Images = append(wireMsg.Images, data)
				}
				if block.Type == protocol.ContentAudio {
					return ollamaRequest{}, protocol.NewClientError(protocol.CodeUnsupportedModality,
						"ollama does not support audio input")
				}
			}
			messages = append(messages, wireMsg)

		case protocol.RoleAssistant:
			wireMsg := ollamaMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				wireMsg.ToolCalls = append(wireMsg.ToolCalls, ollamaToolCall{
					Function: ollamaToolCallFunction{Name: tc.Name, Arguments: tc.Args},
				})
			}
			messages = append(messages, wireMsg)

		case protocol.RoleTool:
			messages = append(messages, ollamaMessage{Role: "tool", Content: msg.Content})

		default:
			return ollamaRequest{}, protocol.NewClientError(protocol.CodeValidationError,
				fmt.Sprintf("unsupported message role: %s", msg.Role))
		}
	}

	options := &ollamaOptions{
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		NumCtx:      c.ContextWindow(),
	}
	if req.Params.MaxTokens > 0 {
		maxTokens := req.Params.MaxTokens
		options.NumPredict = &maxTokens
	}

	request := ollamaRequest{
		Model:    req.Params.Model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	}

	if req.Params.ResponseModel != nil {
		schema, err := SchemaOf(req.Params.ResponseModel)
		if err != nil {
			return ollamaRequest{}, protocol.NewClientError(protocol.CodeValidationError, err.Error())
		}
		request.Format = schema
	}

	if len(req.Tools) > 0 {
		request.Tools = make([]ollamaTool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = ollamaTool{
				Type:     "function",
				Function: ollamaToolFunction(tool),
			}
		}
	}

	return request, nil
}

func (c *OllamaClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *OllamaClient) makeRequest(ctx context.Context, request ollamaRequest, clientParams map[string]interface{}) (*ollamaResponse, error) {
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

	var response ollamaResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, malformedError(err, respBody)
	}
	return &response, nil
}

func (c *OllamaClient) makeStreamingRequest(ctx context.Context, request ollamaRequest, clientParams map[string]interface{}, outputCh chan<- StreamChunk) error {
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

	// Native streaming is NDJSON, one chunk object per line.
	reader := bufio.NewReader(resp.Body)
	usage := &TokenUsage{}
	toolIndex := 0

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
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return protocol.NewServerError(protocol.CodeProvider5xx, chunk.Error)
		}

		if chunk.Message.Content != "" {
			if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkText, Text: chunk.Message.Content}) {
				return nil
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
			call := &protocol.ToolCall{
				ID:   fmt.Sprintf("call_%d", toolIndex),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}
			toolIndex++
			if !sendChunk(ctx, outputCh, StreamChunk{Type: ChunkToolCall, ToolCall: call}) {
				return nil
			}
		}

		if chunk.Done {
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			break
		}
	}

	sendChunk(ctx, outputCh, StreamChunk{Type: ChunkDone, Usage: usage})
	return nil
}
