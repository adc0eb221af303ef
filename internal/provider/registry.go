package provider

import (
	"fmt"
	"sync"
)

// Registry resolves adapters by channel and name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]map[string]Provider)}
}

// NewMockRegistry registers the mock adapter for each channel.
func NewMockRegistry(channels ...string) *Registry {
	r := NewRegistry()
	for _, ch := range channels {
		r.Register(ch, NewMock(ch))
	}
	return r
}

func (r *Registry) Register(channel string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providers[channel] == nil {
		r.providers[channel] = make(map[string]Provider)
	}
	r.providers[channel][p.Name()] = p
}

// Get returns the named adapter for a channel.
func (r *Registry) Get(channel, name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[channel][name]
	if !ok {
		return nil, fmt.Errorf("no %q provider registered for channel %q", name, channel)
	}
	return p, nil
}
