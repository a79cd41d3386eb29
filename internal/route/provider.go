// Package route selects a healthy, policy-compliant provider implementation
// for a capability and executes intents against it with failover. Selection
// rationale, including every rejected candidate, is retained for audit.
package route

import (
	"context"
	"sort"
	"sync"

	"github.com/bastionhq/bastion/internal/capability"
)

// Health is a provider's reported health state.
type Health int

const (
	HealthOffline Health = iota
	HealthDegraded
	HealthHealthy
)

// String returns the uppercase health name.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	default:
		return "OFFLINE"
	}
}

// Eligible reports whether a provider in this state may receive traffic.
func (h Health) Eligible() bool { return h != HealthOffline }

// Provider is an opaque executor for one or more capabilities. How a
// provider achieves isolation (container, subprocess, remote service) is its
// own concern.
type Provider interface {
	// ID returns the provider's unique identifier.
	ID() string

	// Supports reports whether the provider can execute the capability.
	Supports(c capability.Capability) bool

	// Health probes the provider's current state. Must respect ctx deadline.
	Health(ctx context.Context) Health

	// Sandboxed reports whether the provider runs actions in a local sandbox.
	// Safe mode restricts routing to sandboxed providers.
	Sandboxed() bool

	// Priority orders candidates; lower numbers are tried first.
	Priority() int

	// Execute runs the intent. Must respect ctx deadline.
	Execute(ctx context.Context, intent capability.ActionIntent) (capability.ExecResult, error)
}

// Registry holds the registered providers. Constructed once at process start
// and injected into the router; there is no ambient global registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order, for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Re-registering an id replaces the previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ForCapability returns providers declaring support for the capability,
// sorted by ascending priority (registration order breaks ties).
func (r *Registry) ForCapability(c capability.Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	for _, id := range r.order {
		p := r.providers[id]
		if p.Supports(c) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}
