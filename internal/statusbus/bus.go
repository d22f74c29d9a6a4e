package statusbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"teleop-console/internal/metrics"
)

var (
	// ErrGaveUp is returned once the bus stopped reconnecting after too many attempts.
	// Reconnect must be called to leave this state.
	ErrGaveUp = errors.New("status bus gave up reconnecting")
	// ErrClosed is returned to connect waiters when Disconnect interrupts them.
	ErrClosed = errors.New("status bus closed")
)

// State is the connection state of the bus.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGaveUp       State = "gave_up"
)

// Callback receives the integer status carried by a topic message.
type Callback func(status int)

// Conn is the subset of the paho client the bus relies on.
type Conn interface {
	Connect() pahomqtt.Token
	IsConnected() bool
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Dialer builds a connection from client options.
type Dialer func(opts *pahomqtt.ClientOptions) Conn

func pahoDialer(opts *pahomqtt.ClientOptions) Conn {
	return pahomqtt.NewClient(opts)
}

// Config holds the broker endpoint and the reconnect policy.
type Config struct {
	URL                  string
	Username             string
	Password             string
	ClientID             string
	ConnectTimeout       time.Duration
	// ReconnectPeriod caps the reconnect backoff. The transport waits 1s
	// after a drop and doubles the wait up to this value.
	ReconnectPeriod      time.Duration
	MaxReconnectAttempts int
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "teleop-console-" + uuid.NewString()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithDialer replaces the paho client constructor.
func WithDialer(d Dialer) Option {
	return func(b *Bus) {
		b.dial = d
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

type topicEntry struct {
	handlers map[uint64]Callback
}

// attempt is an in-flight connect shared by every concurrent Connect caller.
type attempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus multiplexes one broker connection to many topic listeners.
// A topic is subscribed at the broker while at least one listener holds it.
type Bus struct {
	cfg     Config
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conn     Conn
	gen      uint64
	state    State
	pending  *attempt
	attempts int
	topics   map[string]*topicEntry
	nextID   uint64

	lmu       sync.RWMutex
	listeners map[uint64]func(State)
	nextLID   uint64
}

// New creates a disconnected bus. Call Connect to open the connection.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Bus {
	cfg.setDefaults()
	b := &Bus{
		cfg:       cfg,
		dial:      pahoDialer,
		logger:    logger.With("component", "statusbus"),
		state:     StateDisconnected,
		topics:    make(map[string]*topicEntry),
		listeners: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) clientOptions(gen uint64) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.URL).
		SetClientID(b.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetMaxReconnectInterval(b.cfg.ReconnectPeriod).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.onConnect(gen)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.onConnectionLost(gen, err)
		}).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			b.onReconnecting(gen)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	return opts
}

// Connect opens the broker connection if it is not already open.
// Concurrent callers share one in-flight attempt and all return when it settles.
// Only the first connect attempt's failure is returned; later transport errors are
// handled by the reconnect policy and logged.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateConnected:
		b.mu.Unlock()
		return nil
	case StateGaveUp:
		b.mu.Unlock()
		return ErrGaveUp
	}
	if b.pending != nil {
		p := b.pending
		b.mu.Unlock()
		return p.wait(ctx)
	}

	p := newAttempt()
	b.pending = p

	if b.state == StateReconnecting && b.conn != nil {
		// The transport is already retrying on its own; wait for it.
		b.mu.Unlock()
		return p.wait(ctx)
	}

	b.gen++
	gen := b.gen
	b.attempts = 0
	conn := b.dial(b.clientOptions(gen))
	b.conn = conn
	changed := b.setStateLocked(StateConnecting)
	b.mu.Unlock()
	if changed {
		b.emit(StateConnecting)
	}

	b.logger.Info("connecting to status bus", "url", b.cfg.URL, "client_id", b.cfg.ClientID)
	go func() {
		tok := conn.Connect()
		tok.Wait()
		if err := tok.Error(); err != nil {
			b.onFirstConnectFailed(gen, err)
		}
	}()

	return p.wait(ctx)
}

// Reconnect discards the current transport and connects again.
// It is the recovery action out of StateGaveUp.
func (b *Bus) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	old := b.conn
	b.conn = nil
	b.gen++
	b.attempts = 0
	if b.pending != nil {
		b.pending.resolve(ErrClosed)
		b.pending = nil
	}
	changed := b.setStateLocked(StateDisconnected)
	b.mu.Unlock()
	if changed {
		b.emit(StateDisconnected)
	}
	if old != nil {
		old.Disconnect(250)
	}
	b.logger.Info("status bus reconnect requested")
	return b.Connect(ctx)
}

// Disconnect closes the transport and forgets every topic and listener.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.gen++
	b.attempts = 0
	if b.pending != nil {
		b.pending.resolve(ErrClosed)
		b.pending = nil
	}
	clear(b.topics)
	b.metrics.SetTopics(0)
	changed := b.setStateLocked(StateDisconnected)
	b.mu.Unlock()
	if changed {
		b.emit(StateDisconnected)
	}
	if conn != nil {
		conn.Disconnect(250)
		b.logger.Info("status bus disconnected")
	}
}

// IsConnected is a non-blocking connectivity snapshot.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.state == StateConnected && b.conn.IsConnected()
}

// State returns the current connection state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Topics returns the topics that currently have listeners, sorted.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// OnStateChange registers fn for state transitions. Returns an unregister function.
func (b *Bus) OnStateChange(fn func(State)) func() {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	id := b.nextLID
	b.nextLID++
	b.listeners[id] = fn
	return func() {
		b.lmu.Lock()
		defer b.lmu.Unlock()
		delete(b.listeners, id)
	}
}

// Subscribe registers cb for topic and returns a function that removes it again.
// The first listener of a topic subscribes at the broker; the last one to leave
// unsubscribes. The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic string, cb Callback) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++

	entry, ok := b.topics[topic]
	if !ok {
		entry = &topicEntry{handlers: make(map[uint64]Callback)}
		b.topics[topic] = entry
		b.metrics.SetTopics(len(b.topics))
		if b.state == StateConnected && b.conn != nil {
			tok := b.conn.Subscribe(topic, 0, b.handleMessage)
			go b.logToken(tok, "subscribe", topic)
		}
	}
	entry.handlers[id] = cb
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(topic, id)
		})
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := entry.handlers[id]; !ok {
		return
	}
	delete(entry.handlers, id)
	if len(entry.handlers) > 0 {
		return
	}

	delete(b.topics, topic)
	b.metrics.SetTopics(len(b.topics))
	if b.state == StateConnected && b.conn != nil {
		tok := b.conn.Unsubscribe(topic)
		go b.logToken(tok, "unsubscribe", topic)
	}
}

func (b *Bus) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	b.dispatch(msg.Topic(), msg.Payload())
}

func (b *Bus) dispatch(topic string, payload []byte) {
	kind := topicKind(topic)
	status, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("non-integer status payload dropped", "topic", topic, "payload", string(payload))
		b.metrics.IncMessage(kind, "invalid")
		return
	}

	b.mu.Lock()
	entry, ok := b.topics[topic]
	var handlers []Callback
	if ok {
		handlers = make([]Callback, 0, len(entry.handlers))
		for _, h := range entry.handlers {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		b.metrics.IncMessage(kind, "unrouted")
		return
	}
	b.metrics.IncMessage(kind, "ok")
	b.logger.Debug("status message", "topic", topic, "status", status, "listeners", len(handlers))

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("status callback panic", "topic", topic, "panic", r)
				}
			}()
			h(status)
		}()
	}
}

func (b *Bus) onConnect(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()
		return
	}
	b.attempts = 0
	changed := b.setStateLocked(StateConnected)
	if b.pending != nil {
		b.pending.resolve(nil)
		b.pending = nil
	}
	// Clean sessions lose broker subscriptions, so restore every known topic.
	for topic := range b.topics {
		tok := b.conn.Subscribe(topic, 0, b.handleMessage)
		go b.logToken(tok, "subscribe", topic)
	}
	n := len(b.topics)
	b.mu.Unlock()

	b.logger.Info("status bus connected", "topics", n)
	if changed {
		b.emit(StateConnected)
	}
}

func (b *Bus) onFirstConnectFailed(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	if b.pending != nil {
		b.pending.resolve(fmt.Errorf("status bus connect: %w", err))
		b.pending = nil
	}
	changed := b.setStateLocked(StateDisconnected)
	b.mu.Unlock()

	b.logger.Error("status bus connect failed", "url", b.cfg.URL, "err", err)
	if changed {
		b.emit(StateDisconnected)
	}
}

func (b *Bus) onConnectionLost(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.gen || b.state == StateGaveUp {
		b.mu.Unlock()
		return
	}
	changed := b.setStateLocked(StateReconnecting)
	b.mu.Unlock()

	b.logger.Warn("status bus connection lost", "err", err)
	if changed {
		b.emit(StateReconnecting)
	}
}

func (b *Bus) onReconnecting(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()
		return
	}
	b.attempts++
	attempt := b.attempts
	b.metrics.IncReconnect()

	if attempt < b.cfg.MaxReconnectAttempts {
		changed := b.setStateLocked(StateReconnecting)
		b.mu.Unlock()
		b.logger.Info("status bus reconnecting", "attempt", attempt, "max", b.cfg.MaxReconnectAttempts)
		if changed {
			b.emit(StateReconnecting)
		}
		return
	}

	conn := b.conn
	b.conn = nil
	b.gen++
	if b.pending != nil {
		b.pending.resolve(ErrGaveUp)
		b.pending = nil
	}
	changed := b.setStateLocked(StateGaveUp)
	b.mu.Unlock()

	b.logger.Error("status bus gave up reconnecting", "attempts", attempt)
	// Disconnect blocks on paho internals; never call it from a paho handler goroutine.
	go conn.Disconnect(0)
	if changed {
		b.emit(StateGaveUp)
	}
}

func (b *Bus) setStateLocked(s State) bool {
	if b.state == s {
		return false
	}
	b.state = s
	b.metrics.SetBusConnected(s == StateConnected)
	return true
}

func (b *Bus) emit(s State) {
	b.lmu.RLock()
	fns := make([]func(State), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.lmu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (b *Bus) logToken(tok pahomqtt.Token, op, topic string) {
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		b.logger.Warn("status bus "+op+" timed out", "topic", topic)
		return
	}
	if err := tok.Error(); err != nil {
		b.logger.Error("status bus "+op+" failed", "topic", topic, "err", err)
		return
	}
	b.logger.Debug("status bus "+op, "topic", topic)
}
