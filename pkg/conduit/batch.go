package conduit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Batch describes a fan-out of independent runs. Exactly one mode is used:
// template mode (Prompt + Inputs) or string mode (Prompts).
type Batch struct {
	// Template mode: one template rendered against each input map.
	Prompt string
	Inputs []map[string]interface{}

	// String mode: pre-rendered prompts.
	Prompts []string

	// MaxConcurrent bounds in-flight runs. Zero or negative means
	// unbounded.
	MaxConcurrent int
}

func (b *Batch) validate() error {
	templateMode := b.Prompt != "" || b.Inputs != nil
	stringMode := b.Prompts != nil
	if templateMode == stringMode {
		return protocol.NewClientError(protocol.CodeValidationError,
			"batch requires either a prompt template with inputs or a prompt list, not both")
	}
	if templateMode && (b.Prompt == "" || len(b.Inputs) == 0) {
		return protocol.NewClientError(protocol.CodeValidationError,
			"template mode requires a prompt and at least one input map")
	}
	return nil
}

func (b *Batch) size() int {
	if b.Prompts != nil {
		return len(b.Prompts)
	}
	return len(b.Inputs)
}

// RunBatch executes every entry concurrently under the semaphore and returns
// one conversation per input, in input order. Sub-run failures do not stop
// the batch: a failed entry's conversation carries the error on its trailing
// message. Telemetry is flushed exactly once, after the last run finishes.
func (c *Conduit) RunBatch(ctx context.Context, batch *Batch, params *config.GenerationParams, options *config.Options) ([]*protocol.Conversation, error) {
	if err := batch.validate(); err != nil {
		return nil, err
	}
	options = normalizeOptions(options)

	// Open the shared pool before the fan-out so N workers do not race
	// through the first connection handshake.
	if c.repo != nil {
		if err := c.repo.Ping(ctx); err != nil {
			logger.GetLogger().Warn("database warm-up failed", "error", err)
		}
	}

	var sem *semaphore.Weighted
	if batch.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(batch.MaxConcurrent))
	}

	results := make([]*protocol.Conversation, batch.size())
	var wg sync.WaitGroup

	for i := 0; i < batch.size(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = errorConversation(options, protocol.AsConduitError(err))
					return
				}
				defer sem.Release(1)
			}

			results[i] = c.runBatchEntry(ctx, batch, i, params, options)
		}(i)
	}
	wg.Wait()

	if err := c.Flush(ctx); err != nil {
		logger.GetLogger().Warn("telemetry flush failed", "error", err)
	}
	return results, nil
}

// runBatchEntry performs one sub-run on a fresh conversation. Batch runs
// never touch the repository; persistence is a single-run concern.
func (c *Conduit) runBatchEntry(ctx context.Context, batch *Batch, i int, params *config.GenerationParams, options *config.Options) *protocol.Conversation {
	var prompt string
	if batch.Prompts != nil {
		prompt = batch.Prompts[i]
	} else {
		rendered, err := RenderPrompt(batch.Prompt, batch.Inputs[i])
		if err != nil {
			return errorConversation(options, protocol.AsConduitError(err))
		}
		prompt = rendered
	}

	conv := protocol.NewConversation(options.ProjectName)
	if params != nil {
		conv.SetSystem(params.System)
	}
	conv.Append(protocol.NewUserMessage(prompt))

	result, err := c.engine.Run(ctx, conv, params, options)
	if err != nil {
		// The engine already pinned the error to the trailing message.
		return result
	}
	return result
}

// errorConversation carries a failure that happened before any engine step.
func errorConversation(options *config.Options, err *protocol.ConduitError) *protocol.Conversation {
	conv := protocol.NewConversation(options.ProjectName)
	msg := protocol.NewUserMessage("")
	msg.Error = err
	conv.Append(msg)
	return conv
}
