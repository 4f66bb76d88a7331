package registry

import (
	"context"
	"sync"

	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	pkgerrors "github.com/paykit/engine/pkg/errors"
)

// Registry maps provider names to their adapters and caches resolved
// product descriptors for the process lifetime. Descriptors are immutable
// once cached and never mutated by the engine.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ports.ProviderAdapter
	products  map[productKey]*models.Product
}

type productKey struct {
	provider  string
	productID string
}

// New creates a registry with the given adapters registered under their
// Name().
func New(adapters ...ports.ProviderAdapter) *Registry {
	r := &Registry{
		providers: make(map[string]ports.ProviderAdapter),
		products:  make(map[productKey]*models.Product),
	}
	for _, a := range adapters {
		r.providers[a.Name()] = a
	}
	return r
}

// Register adds or replaces a provider adapter.
func (r *Registry) Register(adapter ports.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[adapter.Name()] = adapter
}

// Provider resolves an adapter by name.
func (r *Registry) Provider(name string) (ports.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.providers[name]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.KindProviderFailure, "provider %q is not registered", name)
	}
	return adapter, nil
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Product resolves a product descriptor via the provider adapter, serving
// repeated lookups from the cache.
func (r *Registry) Product(ctx context.Context, provider, productID string) (*models.Product, error) {
	key := productKey{provider: provider, productID: productID}

	r.mu.RLock()
	if p, ok := r.products[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	adapter, err := r.Provider(provider)
	if err != nil {
		return nil, err
	}

	product, err := adapter.RequireProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.products[key] = product
	r.mu.Unlock()
	return product, nil
}
