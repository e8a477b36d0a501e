package ratelimit

import (
	"context"
	"fmt"
	"sort"

	"github.com/MrEthical07/authgate/kv"
)

// Registry maps resources to limiters. Resources without an explicit policy
// use the default.
type Registry struct {
	fallback *Limiter
	byName   map[string]*Limiter
}

// NewRegistry builds one limiter per policy. All limiters share store.
func NewRegistry(store kv.Store, def Policy, overrides map[string]Policy, opts ...Option) (*Registry, error) {
	fallback, err := New(store, def, opts...)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	r := &Registry{fallback: fallback, byName: make(map[string]*Limiter, len(overrides))}
	for resource, p := range overrides {
		l, err := New(store, p, opts...)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", resource, err)
		}
		r.byName[resource] = l
	}
	return r, nil
}

// For returns the limiter that governs resource.
func (r *Registry) For(resource string) *Limiter {
	if l, ok := r.byName[resource]; ok {
		return l
	}
	return r.fallback
}

// CheckAndConsume runs the resource's limiter.
func (r *Registry) CheckAndConsume(ctx context.Context, identity, resource string, cost int) (Decision, error) {
	return r.For(resource).CheckAndConsume(ctx, identity, resource, cost)
}

// Status reports the resource's remaining capacity for identity.
func (r *Registry) Status(ctx context.Context, identity, resource string) (Decision, error) {
	return r.For(resource).Status(ctx, identity, resource)
}

// Resources lists resources with explicit policies.
func (r *Registry) Resources() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
