package dispatch

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Observer receives lifecycle notifications from the bus as CloudEvents.
// Observers should return quickly; notification runs off the dispatch
// path and errors are logged, never propagated to callers.
type Observer interface {
	// OnEvent is called for each lifecycle event the observer is
	// registered for.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration
	// tracking and debugging.
	ObserverID() string
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	// ID is the observer's unique identifier.
	ID string `json:"id"`

	// EventTypes are the lifecycle event types the observer receives.
	// Empty means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt is when the observer was registered.
	RegisteredAt time.Time `json:"registeredAt"`
}

type observerEntry struct {
	observer     Observer
	eventTypes   map[string]bool // nil = all
	registeredAt time.Time
}

// subject fans lifecycle events out to registered observers. It is shared
// by all components assembled into one bus so shard, expander, and async
// workers emit through a single registry.
type subject struct {
	mu      sync.RWMutex
	entries []observerEntry
	logger  Logger
}

func newSubject(logger Logger) *subject {
	return &subject{logger: logger}
}

// RegisterObserver adds an observer, optionally filtered to eventTypes.
func (s *subject) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilHandler
	}
	var filter map[string]bool
	if len(eventTypes) > 0 {
		filter = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, observerEntry{
		observer:     observer,
		eventTypes:   filter,
		registeredAt: time.Now(),
	})
	return nil
}

// UnregisterObserver removes an observer by ID. Idempotent.
func (s *subject) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.observer.ObserverID() != observer.ObserverID() {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
	return nil
}

// NotifyObservers delivers the event to every matching observer.
// Observer errors are logged and do not stop delivery to the rest.
func (s *subject) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	s.mu.RLock()
	entries := make([]observerEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	for _, entry := range entries {
		if entry.eventTypes != nil && !entry.eventTypes[event.Type()] {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil && s.logger != nil {
			s.logger.Debug("Observer returned error",
				"observer", entry.observer.ObserverID(),
				"event_type", event.Type(),
				"error", err)
		}
	}
	return nil
}

// GetObservers returns information about registered observers.
func (s *subject) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ObserverInfo, 0, len(s.entries))
	for _, entry := range s.entries {
		info := ObserverInfo{
			ID:           entry.observer.ObserverID(),
			RegisteredAt: entry.registeredAt,
		}
		for t := range entry.eventTypes {
			info.EventTypes = append(info.EventTypes, t)
		}
		infos = append(infos, info)
	}
	return infos
}

// emit builds a lifecycle CloudEvent and notifies observers off the
// dispatch path. A nil subject (no observers configured) is a no-op.
func (s *subject) emit(ctx context.Context, eventType, source string, data map[string]any) {
	if s == nil {
		return
	}
	s.mu.RLock()
	empty := len(s.entries) == 0
	s.mu.RUnlock()
	if empty {
		return
	}

	event := NewBusEvent(eventType, source, data)
	go func() {
		if err := s.NotifyObservers(ctx, event); err != nil && s.logger != nil {
			s.logger.Debug("Failed to notify observers", "event_type", eventType, "error", err)
		}
	}()
}

// NewBusEvent creates a CloudEvent in the form the bus emits: a fresh
// UUID, the caller's source and type, current time, and a JSON payload.
func NewBusEvent(eventType, source string, data map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}
