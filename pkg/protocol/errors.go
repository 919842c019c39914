package protocol

import (
	"fmt"
	"time"
)

type ErrorCategory string

const (
	CategoryClient  ErrorCategory = "client"
	CategoryServer  ErrorCategory = "server"
	CategoryNetwork ErrorCategory = "network"
	CategoryParsing ErrorCategory = "parsing"
)

// Error codes used across the runtime. Providers and middleware agree on
// these so callers can switch on Code without string matching messages.
const (
	CodeValidationError        = "validation_error"
	CodeUnsupportedModality    = "unsupported_modality"
	CodeUnknownModel           = "unknown_model"
	CodeMissingCredentials     = "missing_credentials"
	CodeIncompleteConversation = "incomplete_conversation"
	CodeConnectionError        = "connection_error"
	CodeTimeout                = "timeout"
	CodeStreamInterrupted      = "stream_interrupted"
	CodeProvider4xx            = "provider_4xx"
	CodeProvider5xx            = "provider_5xx"
	CodeRateLimited            = "rate_limited"
	CodeMalformedResponse      = "malformed_provider_response"
	CodeXMLParseError          = "xml_parse_error"
	CodeJSONParseError         = "json_parse_error"
)

// ErrorInfo is the always-present summary of a failure.
type ErrorInfo struct {
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorDetail carries debugging context. Populated best-effort; only shown
// at debug verbosity.
type ErrorDetail struct {
	ExceptionType string                 `json:"exception_type,omitempty"`
	StackTrace    string                 `json:"stack_trace,omitempty"`
	RawResponse   string                 `json:"raw_response,omitempty"`
	RequestParams map[string]interface{} `json:"request_params,omitempty"`
	RetryCount    int                    `json:"retry_count,omitempty"`
}

// ConduitError is the runtime's error value. Failures travel as values, not
// panics; callers inspect Category to decide whether a retry makes sense.
type ConduitError struct {
	Info   ErrorInfo    `json:"info"`
	Detail *ErrorDetail `json:"detail,omitempty"`
	cause  error
}

func (e *ConduitError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.Info.Category, e.Info.Code, e.Info.Timestamp.Format(time.RFC3339), e.Info.Message)
}

func (e *ConduitError) Unwrap() error { return e.cause }

// IsRetryable reports whether the caller may reasonably retry. The runtime
// itself never auto-retries above the transport layer.
func (e *ConduitError) IsRetryable() bool {
	return e.Info.Category == CategoryNetwork || e.Info.Category == CategoryServer
}

func newError(category ErrorCategory, code, message string) *ConduitError {
	return &ConduitError{Info: ErrorInfo{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now().UTC(),
	}}
}

func NewClientError(code, message string) *ConduitError {
	return newError(CategoryClient, code, message)
}

func NewServerError(code, message string) *ConduitError {
	return newError(CategoryServer, code, message)
}

func NewNetworkError(code, message string) *ConduitError {
	return newError(CategoryNetwork, code, message)
}

func NewParseError(code, message string) *ConduitError {
	return newError(CategoryParsing, code, message)
}

// WithCause attaches the underlying error for Unwrap chains.
func (e *ConduitError) WithCause(err error) *ConduitError {
	e.cause = err
	if err != nil {
		e.ensureDetail().ExceptionType = fmt.Sprintf("%T", err)
	}
	return e
}

// WithRawResponse preserves the provider's raw body for debugging.
func (e *ConduitError) WithRawResponse(body string) *ConduitError {
	e.ensureDetail().RawResponse = body
	return e
}

func (e *ConduitError) WithRequestParams(params map[string]interface{}) *ConduitError {
	e.ensureDetail().RequestParams = params
	return e
}

func (e *ConduitError) WithRetryCount(n int) *ConduitError {
	e.ensureDetail().RetryCount = n
	return e
}

func (e *ConduitError) ensureDetail() *ErrorDetail {
	if e.Detail == nil {
		e.Detail = &ErrorDetail{}
	}
	return e.Detail
}

// AsConduitError normalizes any error into a ConduitError. Unknown errors
// become network-category connection errors, the most conservative guess for
// something that escaped the typed paths.
func AsConduitError(err error) *ConduitError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ConduitError); ok {
		return ce
	}
	return NewNetworkError(CodeConnectionError, err.Error()).WithCause(err)
}
