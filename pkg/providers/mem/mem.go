package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stackform/stackform/pkg/engine"
)

// Hooks intercept provider operations before they take effect. A hook
// returning an error aborts the operation with that error, which lets
// tests and demos inject transient or permanent failures.
type Hooks struct {
	BeforeCreate  func(kind string, attrs engine.Map) error
	BeforeRead    func(kind, externalID string) error
	BeforeUpdate  func(kind, externalID string, attrs engine.Map) error
	BeforeDestroy func(kind, externalID string) error
}

// object is one materialized resource.
type object struct {
	kind  string
	attrs engine.Map
}

// Provider keeps all materialized resources in memory. It is safe for
// concurrent use; the executor calls it from multiple workers.
type Provider struct {
	mu      sync.Mutex
	schemas map[string]*engine.KindSchema
	objects map[string]*object

	// Hooks may be swapped while no apply is running.
	Hooks Hooks
}

// New creates a provider serving the given kind schemas.
func New(schemas ...*engine.KindSchema) *Provider {
	p := &Provider{
		schemas: make(map[string]*engine.KindSchema, len(schemas)),
		objects: make(map[string]*object),
	}
	for _, s := range schemas {
		p.schemas[s.Kind] = s
	}
	return p
}

// NewDefault creates a provider with the built-in development kinds.
func NewDefault() *Provider {
	return New(DefaultSchemas()...)
}

// Schema implements engine.Provider.
func (p *Provider) Schema(kind string) (*engine.KindSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schemas[kind]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown kind %q", kind), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return s, nil
}

// Create implements engine.Provider.
func (p *Provider) Create(_ context.Context, kind string, attrs engine.Map) (string, engine.Map, error) {
	if p.Hooks.BeforeCreate != nil {
		if err := p.Hooks.BeforeCreate(kind, attrs); err != nil {
			return "", nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	schema, ok := p.schemas[kind]
	if !ok {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("unknown kind %q", kind), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	id := uuid.New().String()
	stored := engine.CopyMap(attrs)
	fillComputed(schema, stored, id)
	p.objects[id] = &object{kind: kind, attrs: stored}
	return id, engine.CopyMap(stored), nil
}

// Read implements engine.Provider.
func (p *Provider) Read(_ context.Context, kind, externalID string) (engine.Map, error) {
	if p.Hooks.BeforeRead != nil {
		if err := p.Hooks.BeforeRead(kind, externalID); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[externalID]
	if !ok || obj.kind != kind {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s resource %s does not exist", kind, externalID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return engine.CopyMap(obj.attrs), nil
}

// Update implements engine.Provider.
func (p *Provider) Update(_ context.Context, kind, externalID string, attrs engine.Map) (engine.Map, error) {
	if p.Hooks.BeforeUpdate != nil {
		if err := p.Hooks.BeforeUpdate(kind, externalID, attrs); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[externalID]
	if !ok || obj.kind != kind {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s resource %s does not exist", kind, externalID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	schema := p.schemas[kind]
	updated := engine.CopyMap(attrs)
	// Computed attributes survive the update; new desired attributes
	// never carry them.
	for name, attr := range schema.Attributes {
		if attr.Computed {
			if v, ok := obj.attrs[name]; ok {
				updated[name] = v
			}
		}
	}
	obj.attrs = updated
	return engine.CopyMap(updated), nil
}

// Destroy implements engine.Provider. Destroying an object that no
// longer exists succeeds, matching the desired end state.
func (p *Provider) Destroy(_ context.Context, kind, externalID string) error {
	if p.Hooks.BeforeDestroy != nil {
		if err := p.Hooks.BeforeDestroy(kind, externalID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[externalID]
	if ok && obj.kind != kind {
		return engine.NewPermanentError(
			fmt.Sprintf("resource %s is a %s, not a %s", externalID, obj.kind, kind), nil)
	}
	delete(p.objects, externalID)
	return nil
}

// Len returns the number of live objects.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

// Object returns a copy of a live object's attributes, or nil when the
// external identifier is unknown.
func (p *Provider) Object(externalID string) engine.Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return nil
	}
	return engine.CopyMap(obj.attrs)
}

// Mutate rewrites a live object's attributes in place, bypassing the
// provider contract. Drift simulation for refresh tests.
func (p *Provider) Mutate(externalID string, fn func(attrs engine.Map)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return false
	}
	fn(obj.attrs)
	return true
}

// fillComputed assigns provider-side values for computed attributes
// that the declaration could not supply.
func fillComputed(schema *engine.KindSchema, attrs engine.Map, externalID string) {
	for name, attr := range schema.Attributes {
		if !attr.Computed {
			continue
		}
		if _, present := attrs[name]; present {
			continue
		}
		switch name {
		case "id":
			attrs[name] = engine.String(externalID)
		default:
			attrs[name] = engine.String(fmt.Sprintf("%s/%s", externalID, name))
		}
	}
}
