package odometer

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/logger"
)

// ProviderResolver infers a provider from a model name. *llms.ModelStore
// satisfies it.
type ProviderResolver interface {
	IdentifyProvider(model string) (config.Provider, error)
}

// Registry fans token events to the in-memory layer and, when configured,
// the durable layer. Shutdown flushes at most once; a signal handler covers
// SIGINT/SIGTERM as a safety net for callers that never reach Shutdown.
type Registry struct {
	memory   *MemoryOdometer
	durable  *SQLOdometer
	resolver ProviderResolver

	shutdownOnce sync.Once
	sigCh        chan os.Signal
	done         chan struct{}
}

// NewRegistry wires the layers together. durable and resolver may be nil.
func NewRegistry(memory *MemoryOdometer, durable *SQLOdometer, resolver ProviderResolver) *Registry {
	if memory == nil {
		memory = NewMemoryOdometer()
	}
	r := &Registry{
		memory:   memory,
		durable:  durable,
		resolver: resolver,
		sigCh:    make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-r.sigCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Shutdown(ctx); err != nil {
				logger.GetLogger().Warn("telemetry flush on signal failed", "error", err)
			}
		case <-r.done:
		}
	}()

	return r
}

// Record fans one event out, in-memory first. An empty provider is inferred
// from the model name when a resolver is available.
func (r *Registry) Record(e TokenEvent) {
	if e.Provider == "" && r.resolver != nil {
		if provider, err := r.resolver.IdentifyProvider(e.Model); err == nil {
			e.Provider = string(provider)
		}
	}
	r.memory.Record(e)
	if r.durable != nil {
		r.durable.Record(e)
	}
}

// Memory exposes the in-memory layer for live queries.
func (r *Registry) Memory() *MemoryOdometer { return r.memory }

// Durable exposes the durable layer, nil when not configured.
func (r *Registry) Durable() *SQLOdometer { return r.durable }

// Flush drains pending durable writes. Draining an already-empty batch is a
// no-op, so callers may flush at natural boundaries without double-writing.
func (r *Registry) Flush(ctx context.Context) error {
	if r.durable == nil {
		return nil
	}
	return r.durable.Flush(ctx)
}

// Shutdown performs the final flush and releases the signal handler. Only
// the first call does work.
func (r *Registry) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		signal.Stop(r.sigCh)
		close(r.done)
		err = r.Flush(ctx)
	})
	return err
}
