// Router maps model ids to adapter instances.
//
// DESIGN: The model-to-provider map is static configuration data - one
// adapter instance per configured model, registered at startup. Resolve is
// a pure lookup with no side effects; unknown ids fail with the
// UnsupportedModel error so the transport can reject them before any
// upstream call.
package adapters

import (
	"sort"
	"sync"

	"github.com/relayforge/completion-gateway/internal/schema"
)

// Router resolves a requested model id to its ProviderAdapter.
type Router struct {
	models map[string]ProviderAdapter
	mu     sync.RWMutex
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{models: make(map[string]ProviderAdapter)}
}

// Register binds a model id to an adapter instance. Later registrations
// for the same id win, matching config-file override order.
func (r *Router) Register(modelID string, adapter ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[modelID] = adapter
}

// Resolve returns the adapter for a model id, or the UnsupportedModel
// error when the id is not in the registered map.
func (r *Router) Resolve(modelID string) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.models[modelID]
	if !ok {
		return nil, schema.UnsupportedModelf(modelID)
	}
	return adapter, nil
}

// Models returns the registered model ids, sorted for stable listings.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
