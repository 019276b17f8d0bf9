package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// memStore is an in-memory StateStore for tests. The executor writes
// from multiple workers, so it locks.
type memStore struct {
	mu      sync.Mutex
	records map[Identity]*RecordedState
	locked  bool
	token   string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[Identity]*RecordedState)}
}

func (s *memStore) Get(_ context.Context, id Identity) (*RecordedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Attrs = CopyMap(rec.Attrs)
	return &cp, nil
}

func (s *memStore) Put(_ context.Context, state *RecordedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.Attrs = CopyMap(state.Attrs)
	s.records[state.Identity] = &cp
	return nil
}

func (s *memStore) Delete(_ context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) SnapshotAll(_ context.Context) (map[Identity]*RecordedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Identity]*RecordedState, len(s.records))
	for id, rec := range s.records {
		cp := *rec
		cp.Attrs = CopyMap(rec.Attrs)
		out[id] = &cp
	}
	return out, nil
}

func (s *memStore) Lock(_ context.Context, info LockInfo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return "", NewStateLocked("another test", nil)
	}
	s.locked = true
	s.token = "test-token"
	return s.token, nil
}

func (s *memStore) Unlock(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked || token != s.token {
		return fmt.Errorf("not locked with token %q", token)
	}
	s.locked = false
	return nil
}

func (s *memStore) Close() error { return nil }

// call records one provider invocation for order assertions.
type call struct {
	op         string
	kind       string
	externalID string
}

// fakeProvider is a scriptable provider. failures maps "op kind" to a
// queue of errors returned before the operation starts succeeding.
type fakeProvider struct {
	mu       sync.Mutex
	schemas  map[string]*KindSchema
	next     int
	objects  map[string]Map
	calls    []call
	failures map[string][]error
}

func newFakeProvider(schemas ...*KindSchema) *fakeProvider {
	p := &fakeProvider{
		schemas:  make(map[string]*KindSchema),
		objects:  make(map[string]Map),
		failures: make(map[string][]error),
	}
	for _, s := range schemas {
		p.schemas[s.Kind] = s
	}
	return p
}

// failWith queues errors for an operation on a kind, consumed in order.
func (p *fakeProvider) failWith(op, kind string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + " " + kind
	p.failures[key] = append(p.failures[key], errs...)
}

func (p *fakeProvider) nextFailure(op, kind string) error {
	key := op + " " + kind
	queue := p.failures[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[key] = queue[1:]
	return err
}

func (p *fakeProvider) Schema(kind string) (*KindSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schemas[kind]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown kind %q", kind), nil).
			WithCode(ErrCodeNotFound)
	}
	return s, nil
}

func (p *fakeProvider) Create(_ context.Context, kind string, attrs Map) (string, Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{op: "create", kind: kind})
	if err := p.nextFailure("create", kind); err != nil {
		return "", nil, err
	}
	p.next++
	id := fmt.Sprintf("ext-%d", p.next)
	stored := CopyMap(attrs)
	for name, attr := range p.schemas[kind].Attributes {
		if attr.Computed {
			if _, present := stored[name]; !present {
				stored[name] = String(id + "/" + name)
			}
		}
	}
	p.objects[id] = stored
	return id, CopyMap(stored), nil
}

func (p *fakeProvider) Read(_ context.Context, kind, externalID string) (Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{op: "read", kind: kind, externalID: externalID})
	if err := p.nextFailure("read", kind); err != nil {
		return nil, err
	}
	attrs, ok := p.objects[externalID]
	if !ok {
		return nil, NewPermanentError("no such object", nil).WithCode(ErrCodeNotFound)
	}
	return CopyMap(attrs), nil
}

func (p *fakeProvider) Update(_ context.Context, kind, externalID string, attrs Map) (Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{op: "update", kind: kind, externalID: externalID})
	if err := p.nextFailure("update", kind); err != nil {
		return nil, err
	}
	stored := CopyMap(attrs)
	if prev, ok := p.objects[externalID]; ok {
		for name, attr := range p.schemas[kind].Attributes {
			if attr.Computed {
				if v, have := prev[name]; have {
					stored[name] = v
				}
			}
		}
	}
	p.objects[externalID] = stored
	return CopyMap(stored), nil
}

func (p *fakeProvider) Destroy(_ context.Context, kind, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{op: "destroy", kind: kind, externalID: externalID})
	if err := p.nextFailure("destroy", kind); err != nil {
		return err
	}
	delete(p.objects, externalID)
	return nil
}

func (p *fakeProvider) callLog() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

// Test schemas shared across planner and executor tests.
func groupSchema() *KindSchema {
	return &KindSchema{
		Kind: "core.group",
		Attributes: map[string]AttrSchema{
			"location": {Type: TypeString, Required: true, Immutable: true},
			"tags":     {Type: TypeMap},
			"id":       {Type: TypeString, Computed: true},
		},
	}
}

func accountSchema() *KindSchema {
	return &KindSchema{
		Kind: "storage.account",
		Attributes: map[string]AttrSchema{
			"group":    {Type: TypeString, Required: true},
			"tier":     {Type: TypeString, Default: String("standard")},
			"replicas": {Type: TypeInt, Default: Int(1)},
			"id":       {Type: TypeString, Computed: true},
			"endpoint": {Type: TypeString, Computed: true},
		},
	}
}

func subnetSchema() *KindSchema {
	return &KindSchema{
		Kind: "net.subnet",
		Attributes: map[string]AttrSchema{
			"cidr": {Type: TypeString, Required: true, Immutable: true},
			"id":   {Type: TypeString, Computed: true},
		},
		CreateBeforeDestroy: true,
	}
}

func newTestRegistry(p *fakeProvider) *Registry {
	reg := NewRegistry()
	for kind := range p.schemas {
		reg.RegisterKind(kind, p)
	}
	return reg
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func ident(kind, name string) Identity {
	return Identity{Kind: kind, Name: name}
}
