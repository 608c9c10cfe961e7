package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaygate/relaygate/internal/store"
)

// ErrUnknownModel is returned by Lookup for models with no price row. Callers
// treat the cost as zero and flag the usage record as price_missing.
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("no price for model %q", e.Model)
}

// Registry caches the latest price per model name. It is read-mostly: Lookup
// takes a read lock and Refresh swaps the whole map under the write lock.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]store.PriceData

	st     store.Store
	logger *slog.Logger

	// onFirstLoad fires once, on the refresh that first observes a non-empty
	// price table. Used to unblock components that need at least one price.
	onFirstLoad func()
	loaded      bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFirstLoadHook registers a callback invoked the first time Refresh finds
// a non-empty price table.
func WithFirstLoadHook(fn func()) RegistryOption {
	return func(r *Registry) {
		r.onFirstLoad = fn
	}
}

// NewRegistry creates an empty registry backed by the given store. Call
// Refresh to populate it.
func NewRegistry(st store.Store, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		prices: make(map[string]store.PriceData),
		st:     st,
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh reloads the latest price per model from the store and atomically
// replaces the cache.
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.st.LatestModelPrices(ctx)
	if err != nil {
		return fmt.Errorf("load model prices: %w", err)
	}
	next := make(map[string]store.PriceData, len(rows))
	for _, row := range rows {
		next[row.ModelName] = row.Price
	}

	r.mu.Lock()
	r.prices = next
	fireHook := !r.loaded && len(next) > 0 && r.onFirstLoad != nil
	if len(next) > 0 {
		r.loaded = true
	}
	r.mu.Unlock()

	if fireHook {
		r.onFirstLoad()
	}
	r.logger.Debug("price registry refreshed", "models", len(next))
	return nil
}

// Lookup returns the latest price for a model, or *ErrUnknownModel when the
// model has no price row.
func (r *Registry) Lookup(model string) (store.PriceData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[model]
	if !ok {
		return store.PriceData{}, &ErrUnknownModel{Model: model}
	}
	return p, nil
}

// Len returns the number of cached models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prices)
}
