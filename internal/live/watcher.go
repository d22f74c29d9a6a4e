// Package live adapts status bus topics to per-entity observable values.
//
// A Watcher is the lifetime of one view of an entity: it subscribes when created
// and unsubscribes when closed. Watchers never share subscriptions directly; the
// bus reference-counts topics so many watchers of one entity cost one broker
// subscription.
package live

import (
	"sync"

	"teleop-console/internal/statusbus"
)

// Subscriber is satisfied by *statusbus.Bus.
type Subscriber interface {
	Subscribe(topic string, cb statusbus.Callback) (unsubscribe func())
}

// Watcher holds the latest status received on one topic.
type Watcher struct {
	topic string

	mu       sync.Mutex
	value    int
	received bool
	onChange []func(int)
	closed   bool

	unsubscribe func()
}

// Watch subscribes to topic. Value reports initial until the first message arrives.
func Watch(sub Subscriber, topic string, initial int) *Watcher {
	w := &Watcher{topic: topic, value: initial}
	w.unsubscribe = sub.Subscribe(topic, w.set)
	return w
}

// WatchNode observes node/{node}/status. Defaults to offline.
func WatchNode(sub Subscriber, nodeID int64) *Watcher {
	return Watch(sub, statusbus.NodeStatusTopic(nodeID), 0)
}

// WatchDevice observes node/{node}/device/{device}/status. Defaults to offline.
func WatchDevice(sub Subscriber, nodeID, deviceID int64) *Watcher {
	return Watch(sub, statusbus.DeviceStatusTopic(nodeID, deviceID), 0)
}

// WatchTeleopStatus observes the run state of a teleop group. Defaults to stopped.
func WatchTeleopStatus(sub Subscriber, nodeID, groupID int64) *Watcher {
	return Watch(sub, statusbus.TeleopStatusTopic(nodeID, groupID), 0)
}

// WatchTeleopCollecting observes the collecting flag of a teleop group. Defaults to idle.
func WatchTeleopCollecting(sub Subscriber, nodeID, groupID int64) *Watcher {
	return Watch(sub, statusbus.TeleopCollectingTopic(nodeID, groupID), 0)
}

// WatchKey observes the topic of k.
func WatchKey(sub Subscriber, k statusbus.Key) (*Watcher, error) {
	topic, err := k.Topic()
	if err != nil {
		return nil, err
	}
	return Watch(sub, topic, 0), nil
}

func (w *Watcher) set(status int) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.value = status
	w.received = true
	fns := make([]func(int), len(w.onChange))
	copy(fns, w.onChange)
	w.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// Topic returns the watched topic.
func (w *Watcher) Topic() string { return w.topic }

// Value returns the latest status, or the initial value if nothing arrived yet.
func (w *Watcher) Value() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Received reports whether at least one message has arrived.
func (w *Watcher) Received() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.received
}

// OnChange registers fn to run after every received status.
func (w *Watcher) OnChange(fn func(int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close unsubscribes. Further messages are ignored. Safe to call more than once.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.onChange = nil
	w.mu.Unlock()
	w.unsubscribe()
}
