// Package middleware wraps Model.Pipe with the cross-cutting run-time
// concerns: cache probe and write, progress display, and token telemetry.
// The chain never retries; transport-level retries live in pkg/httpclient.
package middleware

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/odometer"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Pipe is the signature of the inner generation call.
type Pipe func(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, error)

// StreamPipe is the streaming counterpart.
type StreamPipe func(ctx context.Context, req *llms.GenerationRequest) (*llms.Stream, error)

// Store is the advisory response cache. Probes report misses instead of
// errors; write failures surface so the chain can log and swallow them.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, data string) error
}

// Recorder receives one TokenEvent per provider response.
type Recorder interface {
	Record(e odometer.TokenEvent)
}

// TokenCounter estimates tokens for a string or message list. Used when a
// stream ends without a usage frame.
type TokenCounter func(ctx context.Context, payload interface{}) (int, error)

// cachedResponse is the serialized cache value. The request is reattached on
// load, never stored.
type cachedResponse struct {
	Message  *protocol.Message     `json:"message"`
	Metadata llms.ResponseMetadata `json:"metadata"`
}

type Chain struct {
	cache     Store
	telemetry Recorder
	provider  string
	tokenize  TokenCounter
	out       io.Writer
}

type Option func(*Chain)

// WithCache enables the response cache.
func WithCache(s Store) Option {
	return func(c *Chain) { c.cache = s }
}

// WithTelemetry enables token accounting.
func WithTelemetry(r Recorder) Option {
	return func(c *Chain) { c.telemetry = r }
}

// WithProvider labels emitted token events.
func WithProvider(provider string) Option {
	return func(c *Chain) { c.provider = provider }
}

// WithTokenCounter sets the fallback counter for streams without usage.
func WithTokenCounter(f TokenCounter) Option {
	return func(c *Chain) { c.tokenize = f }
}

// WithOutput redirects progress display, default stderr.
func WithOutput(w io.Writer) Option {
	return func(c *Chain) { c.out = w }
}

// New builds a chain. Every collaborator is optional; a zero chain is a
// transparent passthrough.
func New(opts ...Option) *Chain {
	c := &Chain{out: os.Stderr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wrap returns next decorated with cache, display and telemetry. Each
// invocation carries its own display state, so a wrapped pipe is safe to
// call concurrently.
func (c *Chain) Wrap(next Pipe) Pipe {
	return func(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, error) {
		if resp, ok := c.probe(ctx, req); ok {
			return resp, nil
		}

		display := newDisplay(c.out, req)
		display.Start()

		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			display.Fail(err)
			return nil, err
		}
		display.Finish(time.Since(start))

		c.store(ctx, req, resp)
		c.account(resp.Metadata.InputTokens, resp.Metadata.OutputTokens, req)
		return resp, nil
	}
}

// WrapStream decorates a streaming pipe. The cache is bypassed; the final
// token event comes from the provider's usage frame, or from the local
// counter when the provider omits one.
func (c *Chain) WrapStream(next StreamPipe) StreamPipe {
	return func(ctx context.Context, req *llms.GenerationRequest) (*llms.Stream, error) {
		display := newDisplay(c.out, req)
		display.Start()

		start := time.Now()
		inner, err := next(ctx, req)
		if err != nil {
			display.Fail(err)
			return nil, err
		}

		out := make(chan llms.StreamChunk)
		closed := make(chan struct{})
		go func() {
			defer close(out)

			var usage *llms.TokenUsage
			var text string
			failed := false
			abandoned := false
			for chunk := range inner.Chunks {
				switch chunk.Type {
				case llms.ChunkText:
					text += chunk.Text
				case llms.ChunkDone:
					usage = chunk.Usage
				case llms.ChunkError:
					failed = true
				}
				if abandoned {
					continue
				}
				select {
				case out <- chunk:
				case <-closed:
					// Consumer closed the stream mid-flight. Keep draining
					// inner so the usage frame is still accounted.
					abandoned = true
				}
			}

			if failed {
				display.Fail(nil)
				return
			}
			display.Finish(time.Since(start))

			if usage == nil {
				usage = c.estimateUsage(ctx, req, text)
			}
			if usage != nil {
				c.account(usage.InputTokens, usage.OutputTokens, req)
			}
		}()

		// Close runs at most once, so closing the signal channel here is safe.
		return llms.NewStream(out, func() {
			close(closed)
			inner.Close()
		}), nil
	}
}

// probe checks the cache. A hit is returned with CacheHit set and the live
// request reattached; the provider is never called.
func (c *Chain) probe(ctx context.Context, req *llms.GenerationRequest) (*llms.GenerationResponse, bool) {
	if c.cache == nil || (req.Params != nil && req.Params.Stream) {
		return nil, false
	}

	key, err := req.CacheKey()
	if err != nil {
		logger.GetLogger().Debug("cache key derivation failed", "error", err)
		return nil, false
	}

	data, ok := c.cache.Get(ctx, key)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheProbe(ctx, ok)
	}
	if !ok {
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		logger.GetLogger().Warn("discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}

	cached.Metadata.CacheHit = true
	return &llms.GenerationResponse{
		Message:  cached.Message,
		Request:  req,
		Metadata: cached.Metadata,
	}, true
}

// store writes a response back to the cache. Failures are logged and
// swallowed; the response has already succeeded.
func (c *Chain) store(ctx context.Context, req *llms.GenerationRequest, resp *llms.GenerationResponse) {
	if c.cache == nil || (req.Params != nil && req.Params.Stream) {
		return
	}

	key, err := req.CacheKey()
	if err != nil {
		return
	}
	data, err := json.Marshal(cachedResponse{Message: resp.Message, Metadata: resp.Metadata})
	if err != nil {
		logger.GetLogger().Warn("cache serialization failed", "key", key, "error", err)
		return
	}
	if err := c.cache.Set(ctx, key, string(data)); err != nil {
		logger.GetLogger().Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Chain) account(inputTokens, outputTokens int, req *llms.GenerationRequest) {
	if c.telemetry == nil {
		return
	}
	model := ""
	if req.Params != nil {
		model = req.Params.Model
	}
	c.telemetry.Record(odometer.NewTokenEvent(c.provider, model, inputTokens, outputTokens))
}

func (c *Chain) estimateUsage(ctx context.Context, req *llms.GenerationRequest, text string) *llms.TokenUsage {
	if c.tokenize == nil {
		return nil
	}
	input, err := c.tokenize(ctx, req.Messages)
	if err != nil {
		return nil
	}
	output, err := c.tokenize(ctx, text)
	if err != nil {
		return nil
	}
	return &llms.TokenUsage{InputTokens: input, OutputTokens: output}
}
