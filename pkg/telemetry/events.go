package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/engine"
)

// Event is one change event as published to journal subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Kind is the engine event kind.
	Kind engine.EventKind `json:"kind"`

	// Group is the transaction's group.
	Group string `json:"group,omitempty"`

	// ResourceType and Resource identify the resource that changed.
	ResourceType string `json:"resource_type"`
	Resource     string `json:"resource"`

	// Parent is set for materialized children.
	Parent string `json:"parent,omitempty"`
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// Journal fans change events out to subscribers. Delivery is synchronous
// and in subscription order.
type Journal struct {
	mu          sync.RWMutex
	subscribers []subscriberEntry
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (j *Journal) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.subscribers = append(j.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Publish delivers an event, filling in ID and timestamp when unset.
func (j *Journal) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, entry := range j.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Subscriber returns a transaction subscriber publishing one event per kind
// in lexical order.
func (j *Journal) Subscriber(group string) engine.Subscriber {
	return func(_ context.Context, r engine.Resource, events engine.EventSet) {
		var parent string
		if c, ok := r.(engine.Child); ok {
			parent = c.Parent()
		}
		for _, kind := range events.Sorted() {
			j.Publish(Event{
				Kind:         kind,
				Group:        group,
				ResourceType: r.Type(),
				Resource:     r.Name(),
				Parent:       parent,
			})
		}
	}
}

// JSONLines returns a subscriber that writes each event as one JSON line.
// Write errors are reported through onErr when it is non-nil.
func JSONLines(w io.Writer, onErr func(error)) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(event); err != nil && onErr != nil {
			onErr(fmt.Errorf("failed to write event %s: %w", event.ID, err))
		}
	}
}

// FilterByKind creates a filter that only allows the given kinds.
func FilterByKind(kinds ...engine.EventKind) EventFilter {
	set := engine.NewEventSet(kinds...)
	return func(event Event) bool {
		return set.Has(event.Kind)
	}
}

// FilterByResource creates a filter that only allows events of one resource
// or its materialized children.
func FilterByResource(name string) EventFilter {
	return func(event Event) bool {
		return event.Resource == name || event.Parent == name
	}
}
