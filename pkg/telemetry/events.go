package telemetry

import (
	"sync"
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

// EventType names what happened during a run.
type EventType string

const (
	// EventWaveStarted fires when the executor releases a wave.
	EventWaveStarted EventType = "wave_started"

	// EventActionCompleted fires once per action with its outcome.
	EventActionCompleted EventType = "action_completed"
)

// Event is one run lifecycle notification.
type Event struct {
	// Type is the event kind.
	Type EventType `json:"type"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Wave is the wave index for wave events.
	Wave int `json:"wave,omitempty"`

	// Actions is the wave size for wave events.
	Actions int `json:"actions,omitempty"`

	// Result carries the per-action outcome for action events.
	Result *engine.ActionResult `json:"result,omitempty"`
}

// Bus is a bounded in-process event stream. The dev loop and the apply
// command subscribe to render progress as actions complete. It
// implements engine.Observer; a slow subscriber drops events rather
// than stalling the executor.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or bus Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than stall the run.
		}
	}
}

// WaveStarted implements engine.Observer.
func (b *Bus) WaveStarted(wave, actions int) {
	b.Publish(Event{Type: EventWaveStarted, Wave: wave, Actions: actions})
}

// ActionCompleted implements engine.Observer.
func (b *Bus) ActionCompleted(result engine.ActionResult) {
	b.Publish(Event{Type: EventActionCompleted, Result: &result})
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// MultiObserver fans executor callbacks out to several observers, so
// metrics and the event bus attach to the same run.
type MultiObserver []engine.Observer

// WaveStarted implements engine.Observer.
func (m MultiObserver) WaveStarted(wave, actions int) {
	for _, obs := range m {
		obs.WaveStarted(wave, actions)
	}
}

// ActionCompleted implements engine.Observer.
func (m MultiObserver) ActionCompleted(result engine.ActionResult) {
	for _, obs := range m {
		obs.ActionCompleted(result)
	}
}
