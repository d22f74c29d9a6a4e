package live

import (
	"sync"

	"teleop-console/internal/model"
	"teleop-console/internal/statusbus"
)

// Entity pairs a fetched record with the watcher of its status topic.
// The displayed status is the live value once any message arrived,
// otherwise the status that came with the record.
type Entity[T any] struct {
	Record  T
	fetched int
	w       *Watcher
}

// NewEntity starts watching topic for record.
func NewEntity[T any](sub Subscriber, topic string, record T, fetched int) *Entity[T] {
	return &Entity[T]{
		Record:  record,
		fetched: fetched,
		w:       Watch(sub, topic, fetched),
	}
}

// Status returns the merged status.
func (e *Entity[T]) Status() int {
	return Merge(e.fetched, e.w)
}

// Live reports whether Status comes from the bus.
func (e *Entity[T]) Live() bool { return e.w.Received() }

// OnChange registers fn to run with the merged status after each message.
func (e *Entity[T]) OnChange(fn func(int)) {
	e.w.OnChange(func(int) { fn(e.Status()) })
}

// Close stops watching.
func (e *Entity[T]) Close() { e.w.Close() }

// Merge applies the live-overrides-fetched rule.
func Merge(fetched int, w *Watcher) int {
	if w != nil && w.Received() {
		return w.Value()
	}
	return fetched
}

// DeviceEntity watches the status of a fetched device.
func DeviceEntity(sub Subscriber, d model.Device) *Entity[model.Device] {
	return NewEntity(sub, statusbus.DeviceStatusTopic(d.NodeID, d.ID), d, int(d.Status))
}

// TeleopEntity watches the run state of a fetched teleop group.
func TeleopEntity(sub Subscriber, g model.TeleopGroup) *Entity[model.TeleopGroup] {
	return NewEntity(sub, statusbus.TeleopStatusTopic(g.NodeID, g.ID), g, int(g.Status))
}

// CollectingEntity watches the collecting flag of a teleop group.
// Groups carry no fetched collecting value, so it starts idle.
func CollectingEntity(sub Subscriber, g model.TeleopGroup) *Entity[model.TeleopGroup] {
	return NewEntity(sub, statusbus.TeleopCollectingTopic(g.NodeID, g.ID), g, int(model.CollectingIdle))
}

// NodeEntity watches the status of a fetched node.
func NodeEntity(sub Subscriber, n model.Node) *Entity[model.Node] {
	fetched := 0
	if n.Status {
		fetched = 1
	}
	return NewEntity(sub, statusbus.NodeStatusTopic(n.ID), n, fetched)
}

// Set owns the watchers of one UI scope, keyed by entity.
type Set struct {
	mu     sync.Mutex
	items  map[statusbus.Key]closer
	closed bool
}

type closer interface{ Close() }

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{items: make(map[statusbus.Key]closer)}
}

// Add stores c under k. It returns false, and closes c, if k is already present
// or the set is closed.
func (s *Set) Add(k statusbus.Key, c closer) bool {
	s.mu.Lock()
	if _, dup := s.items[k]; dup || s.closed {
		s.mu.Unlock()
		c.Close()
		return false
	}
	s.items[k] = c
	s.mu.Unlock()
	return true
}

// Has reports whether k is being watched.
func (s *Set) Has(k statusbus.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[k]
	return ok
}

// Remove closes and forgets the watcher of k.
func (s *Set) Remove(k statusbus.Key) bool {
	s.mu.Lock()
	c, ok := s.items[k]
	delete(s.items, k)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// Len returns the number of watched entities.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close closes every watcher. Later Adds are rejected.
func (s *Set) Close() {
	s.mu.Lock()
	items := s.items
	s.items = make(map[statusbus.Key]closer)
	s.closed = true
	s.mu.Unlock()
	for _, c := range items {
		c.Close()
	}
}
