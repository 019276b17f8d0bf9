package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider is the back-end that materializes resources of one or more
// kinds. Implementations return classified errors: transient failures
// are retried by the executor, permanent failures skip dependents.
type Provider interface {
	// Schema returns the schema for a kind, or an error when the kind
	// is unknown to this provider.
	Schema(kind string) (*KindSchema, error)

	// Create materializes a new resource and returns the assigned
	// external identifier plus the full attribute set, including
	// computed attributes.
	Create(ctx context.Context, kind string, attrs Map) (string, Map, error)

	// Read fetches the current attributes of an existing resource.
	Read(ctx context.Context, kind, externalID string) (Map, error)

	// Update applies new attributes in place and returns the resulting
	// attribute set.
	Update(ctx context.Context, kind, externalID string, attrs Map) (Map, error)

	// Destroy removes an existing resource.
	Destroy(ctx context.Context, kind, externalID string) error
}

// Registry routes resource kinds to providers. Kinds are matched by
// their first dot segment ("storage.account" routes via "storage"), with
// exact-kind registrations taking precedence.
type Registry struct {
	mu        sync.RWMutex
	byKind    map[string]Provider
	byPrefix  map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind:   make(map[string]Provider),
		byPrefix: make(map[string]Provider),
	}
}

// RegisterKind registers a provider for one exact kind.
func (r *Registry) RegisterKind(kind string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = p
}

// RegisterPrefix registers a provider for every kind sharing a first
// dot segment.
func (r *Registry) RegisterPrefix(prefix string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[prefix] = p
}

// Get resolves the provider responsible for a kind.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byKind[kind]; ok {
		return p, nil
	}
	prefix := kind
	if i := strings.Index(kind, "."); i > 0 {
		prefix = kind[:i]
	}
	if p, ok := r.byPrefix[prefix]; ok {
		return p, nil
	}
	return nil, NewPermanentError(
		fmt.Sprintf("no provider registered for kind %q", kind), nil).
		WithCode(ErrCodeNotFound)
}

// Schema resolves the schema for a kind through its provider.
func (r *Registry) Schema(kind string) (*KindSchema, error) {
	p, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return p.Schema(kind)
}

// Kinds returns all exactly registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
