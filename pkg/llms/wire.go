package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/conduit-llm/conduit/pkg/httpclient"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// statusError maps a non-2xx provider status to the error taxonomy. The raw
// body is preserved for debug display.
func statusError(statusCode int, body []byte) *protocol.ConduitError {
	var ce *protocol.ConduitError
	switch {
	case statusCode == http.StatusTooManyRequests:
		ce = protocol.NewServerError(protocol.CodeRateLimited,
			fmt.Sprintf("provider rate limited (status %d)", statusCode))
	case statusCode >= 500:
		ce = protocol.NewServerError(protocol.CodeProvider5xx,
			fmt.Sprintf("provider server error (status %d)", statusCode))
	default:
		ce = protocol.NewServerError(protocol.CodeProvider4xx,
			fmt.Sprintf("provider rejected request (status %d)", statusCode))
	}
	return ce.WithRawResponse(string(body))
}

// transportError maps a failed HTTP exchange to the error taxonomy.
func transportError(err error) *protocol.ConduitError {
	if re, ok := httpclient.IsRetryableError(err); ok {
		return statusError(re.StatusCode, nil).WithRetryCount(re.Retries).WithCause(err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return protocol.NewNetworkError(protocol.CodeTimeout, err.Error()).WithCause(err)
	}
	return protocol.NewNetworkError(protocol.CodeConnectionError, err.Error()).WithCause(err)
}

// malformedError wraps a response body that failed to decode.
func malformedError(err error, body []byte) *protocol.ConduitError {
	return protocol.NewParseError(protocol.CodeMalformedResponse,
		fmt.Sprintf("failed to decode provider response: %v", err)).
		WithRawResponse(string(body)).
		WithCause(err)
}

// encodeBody marshals a wire request and overlays verbatim client params.
func encodeBody(request interface{}, clientParams map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if len(clientParams) == 0 {
		return data, nil
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("failed to merge client params: %w", err)
	}
	for k, v := range clientParams {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// sendChunk delivers a chunk unless the consumer has gone away.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// tokenizePayload dispatches a Tokenize payload to the local tokenizer.
func tokenizePayload(t *Tokenizer, payload interface{}) (int, error) {
	switch v := payload.(type) {
	case string:
		return t.CountText(v), nil
	case []*protocol.Message:
		return t.CountMessages(v), nil
	default:
		return 0, protocol.NewClientError(protocol.CodeValidationError,
			fmt.Sprintf("cannot tokenize payload of type %T", payload))
	}
}
