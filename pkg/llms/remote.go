package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/httpclient"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// RemoteClient brokers generation through a companion conduit server. The
// server owns provider credentials and tokenization; this client only ships
// requests across. Streaming is not supported on this path.
type RemoteClient struct {
	config     *config.ProviderConfig
	httpClient *httpclient.Client
}

type remoteGenerateRequest struct {
	Model    string                   `json:"model"`
	Messages []*protocol.Message      `json:"messages"`
	Params   *config.GenerationParams `json:"params"`
	Tools    []ToolDefinition         `json:"tools,omitempty"`
}

type remoteTokenizeRequest struct {
	Model    string              `json:"model"`
	Text     string              `json:"text,omitempty"`
	Messages []*protocol.Message `json:"messages,omitempty"`
}

type remoteTokenizeResponse struct {
	Count int `json:"count"`
}

type remoteErrorResponse struct {
	Error *protocol.ConduitError `json:"error"`
}

func NewRemoteClient(cfg *config.ProviderConfig) (*RemoteClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &RemoteClient{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
		),
	}, nil
}

func (c *RemoteClient) Provider() config.Provider {
	return config.ProviderRemote
}

func (c *RemoteClient) Close() error {
	return nil
}

func (c *RemoteClient) Query(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	body, err := json.Marshal(remoteGenerateRequest{
		Model:    req.Params.Model,
		Messages: req.Messages,
		Params:   req.Params,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, protocol.NewClientError(protocol.CodeValidationError, err.Error())
	}

	respBody, err := c.post(ctx, "/v1/generate", body)
	if err != nil {
		return nil, err
	}

	var response GenerationResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, malformedError(err, respBody)
	}
	response.Request = req
	return &response, nil
}

func (c *RemoteClient) QueryStream(ctx context.Context, req *GenerationRequest) (*Stream, error) {
	return nil, protocol.NewClientError(protocol.CodeValidationError,
		"streaming is not supported for remote execution")
}

func (c *RemoteClient) Tokenize(ctx context.Context, payload interface{}) (int, error) {
	tokReq := remoteTokenizeRequest{Model: c.config.Model}
	switch v := payload.(type) {
	case string:
		tokReq.Text = v
	case []*protocol.Message:
		tokReq.Messages = v
	default:
		return 0, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("cannot tokenize payload of type %T", payload))
	}

	body, err := json.Marshal(tokReq)
	if err != nil {
		return 0, err
	}

	respBody, err := c.post(ctx, "/v1/tokenize", body)
	if err != nil {
		return 0, err
	}

	var response remoteTokenizeResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return 0, malformedError(err, respBody)
	}
	return response.Count, nil
}

// ValidateModel asks the server whether it serves the configured model.
func (c *RemoteClient) ValidateModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Host+"/v1/models", nil)
	if err != nil {
		return protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
	}

	resp, err := c.httpClient.Do(req)
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

	var models struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return malformedError(err, nil)
	}
	for _, m := range models.Models {
		if m == c.config.Model {
			return nil
		}
	}
	return protocol.NewClientError(protocol.CodeUnknownModel,
		fmt.Sprintf("remote server does not serve model %s", c.config.Model))
}

func (c *RemoteClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+path, bytes.NewReader(body))
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

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			// The server forwards typed errors; prefer them when decodable.
			var remoteErr remoteErrorResponse
			if json.Unmarshal(respBody, &remoteErr) == nil && remoteErr.Error != nil {
				return nil, remoteErr.Error
			}
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
	return respBody, nil
}
