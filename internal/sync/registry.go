package sync

import (
	"fmt"
	"sync"

	"github.com/Martian-dev/syncd/internal/domain"
)

type feedKey struct {
	provider domain.ProviderName
	resource domain.ResourceType
}

// Registry maps (provider, resource) pairs to change feeds.
type Registry struct {
	mu    sync.RWMutex
	feeds map[feedKey]ChangeFeed
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[feedKey]ChangeFeed)}
}

// Register installs a feed, replacing any previous one for the pair.
func (r *Registry) Register(provider domain.ProviderName, resource domain.ResourceType, feed ChangeFeed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feedKey{provider, resource}] = feed
}

// Lookup returns the feed for the pair or domain.ErrUnsupported.
func (r *Registry) Lookup(provider domain.ProviderName, resource domain.ResourceType) (ChangeFeed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	feed, ok := r.feeds[feedKey{provider, resource}]
	if !ok {
		return nil, fmt.Errorf("sync: no %s feed for %s: %w", resource, provider, domain.ErrUnsupported)
	}
	return feed, nil
}

// Resources lists the resource types registered for a provider, in
// domain.AllResources order.
func (r *Registry) Resources(provider domain.ProviderName) []domain.ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ResourceType
	for _, res := range domain.AllResources {
		if _, ok := r.feeds[feedKey{provider, res}]; ok {
			out = append(out, res)
		}
	}
	return out
}
