// Package events is the in-process notification bus of the console.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	BusState         = "bus_state"
	RecordingStarted = "recording_started"
	RecordingSaved   = "recording_saved"
	CatalogChanged   = "catalog_changed"
	CleanupDone      = "cleanup_done"
)

// Event is broadcast to every handler registered for its type and to every
// catch-all handler. Data must be JSON-serializable; it is forwarded to browsers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for console events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// New returns an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is recovered.
// Emit on a nil *Bus is a no-op.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Type])+len(b.allHandlers))
	for _, h := range b.handlers[e.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.allHandlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", e.Type, "panic", r)
				}
			}()
			h(e)
		}()
	}
}
