package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps platform names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// NewDefaultRegistry returns a registry with the Cordova provider registered for every
// platform in CordovaPlatforms.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, platform := range CordovaPlatforms {
		r.Register(platform, Cordova())
	}
	return r
}

// Register associates a provider with a platform, replacing any previous one.
func (r *Registry) Register(platform string, p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[platform] = p
}

// Lookup returns the provider of a platform.
func (r *Registry) Lookup(platform string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[platform]
	if !ok {
		return nil, fmt.Errorf("no capability provider for platform %q", platform)
	}
	return p, nil
}

// Platforms lists the registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]string, 0, len(r.providers))
	for platform := range r.providers {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}
