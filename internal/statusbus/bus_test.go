package statusbus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeConn records broker-level calls instead of talking to a broker.
type fakeConn struct {
	opts       *pahomqtt.ClientOptions
	connectErr error

	mu           sync.Mutex
	connected    bool
	subscribes   map[string]int
	unsubscribes map[string]int
	handlers     map[string]pahomqtt.MessageHandler
	disconnects  int
}

func (c *fakeConn) Connect() pahomqtt.Token {
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	return doneToken(nil)
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes[topic]++
	c.handlers[topic] = cb
	return doneToken(nil)
}

func (c *fakeConn) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.unsubscribes[t]++
		delete(c.handlers, t)
	}
	return doneToken(nil)
}

func (c *fakeConn) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

// deliver simulates an inbound broker message for a subscribed topic.
func (c *fakeConn) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func (c *fakeConn) subCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[topic]
}

func (c *fakeConn) unsubCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes[topic]
}

// ready fires the paho on-connect handler as a broker CONNACK would.
func (c *fakeConn) ready() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.opts.OnConnect(nil)
}

func (c *fakeConn) lost() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(nil, errors.New("EOF"))
}

func (c *fakeConn) reconnecting() {
	c.opts.OnReconnecting(nil, c.opts)
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connectErr error
	dials      atomic.Int32
}

func (d *fakeDialer) dial(opts *pahomqtt.ClientOptions) Conn {
	d.dials.Add(1)
	c := &fakeConn{
		opts:         opts,
		connectErr:   d.connectErr,
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		handlers:     make(map[string]pahomqtt.MessageHandler),
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T, d *fakeDialer) *Bus {
	t.Helper()
	b := New(Config{URL: "tcp://broker:1883", MaxReconnectAttempts: 3}, testLogger(), WithDialer(d.dial))
	t.Cleanup(b.Disconnect)
	return b
}

// connectBus runs Connect and completes the handshake on the fake connection.
func connectBus(t *testing.T, b *Bus, d *fakeDialer) *fakeConn {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- b.Connect(context.Background()) }()

	waitFor(t, func() bool { return d.last() != nil })
	conn := d.last()
	conn.ready()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() did not return")
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	connectBus(t, b, d)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() = %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if !b.IsConnected() {
		t.Error("IsConnected() = false after connect")
	}
	if b.State() != StateConnected {
		t.Errorf("state = %q, want %q", b.State(), StateConnected)
	}
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Connect(context.Background())
		}(i)
	}

	waitFor(t, func() bool { return d.last() != nil })
	time.Sleep(20 * time.Millisecond)
	d.last().ready()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Connect #%d = %v", i, err)
		}
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestFirstConnectErrorSurfaced(t *testing.T) {
	d := &fakeDialer{connectErr: errors.New("connection refused")}
	b := newTestBus(t, d)

	err := b.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	if b.State() != StateDisconnected {
		t.Errorf("state = %q, want %q", b.State(), StateDisconnected)
	}
	if b.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestConnectContextCancelled(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() = %v, want deadline exceeded", err)
	}
}

func TestSubscribeRefCounting(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	conn := connectBus(t, b, d)

	topic := DeviceStatusTopic(5, 7)
	var a, c []int
	var mu sync.Mutex
	unsubA := b.Subscribe(topic, func(s int) { mu.Lock(); a = append(a, s); mu.Unlock() })
	unsubC := b.Subscribe(topic, func(s int) { mu.Lock(); c = append(c, s); mu.Unlock() })

	if n := conn.subCount(topic); n != 1 {
		t.Fatalf("broker subscribes = %d, want 1", n)
	}

	conn.deliver(topic, "1")
	unsubA()
	conn.deliver(topic, "2")

	mu.Lock()
	if len(a) != 1 || a[0] != 1 {
		t.Errorf("a = %v, want [1]", a)
	}
	if len(c) != 2 || c[0] != 1 || c[1] != 2 {
		t.Errorf("c = %v, want [1 2]", c)
	}
	mu.Unlock()

	if n := conn.unsubCount(topic); n != 0 {
		t.Errorf("broker unsubscribes after first leave = %d, want 0", n)
	}

	unsubC()
	if n := conn.unsubCount(topic); n != 1 {
		t.Errorf("broker unsubscribes = %d, want 1", n)
	}
	if topics := b.Topics(); len(topics) != 0 {
		t.Errorf("topics = %v, want none", topics)
	}

	// Calling an unsubscribe func twice must not issue a second broker unsubscribe.
	unsubC()
	unsubA()
	if n := conn.unsubCount(topic); n != 1 {
		t.Errorf("broker unsubscribes after repeat = %d, want 1", n)
	}
}

func TestDispatchIsolatedByTopic(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	conn := connectBus(t, b, d)

	var got7, got8 atomic.Int32
	got7.Store(-1)
	got8.Store(-1)
	defer b.Subscribe(DeviceStatusTopic(5, 7), func(s int) { got7.Store(int32(s)) })()
	defer b.Subscribe(DeviceStatusTopic(5, 8), func(s int) { got8.Store(int32(s)) })()

	conn.deliver("node/5/device/7/status", "1")

	if got7.Load() != 1 {
		t.Errorf("device 7 status = %d, want 1", got7.Load())
	}
	if got8.Load() != -1 {
		t.Errorf("device 8 status = %d, want untouched", got8.Load())
	}
}

func TestDispatchPayloadParsing(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	connectBus(t, b, d)

	var calls []int
	defer b.Subscribe("node/1/status", func(s int) { calls = append(calls, s) })()

	b.dispatch("node/1/status", []byte(" 2\n"))
	b.dispatch("node/1/status", []byte("online"))
	b.dispatch("node/1/status", []byte(""))

	if len(calls) != 1 || calls[0] != 2 {
		t.Errorf("calls = %v, want [2]", calls)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	connectBus(t, b, d)

	var reached atomic.Bool
	defer b.Subscribe("node/1/status", func(int) { panic("boom") })()
	defer b.Subscribe("node/1/status", func(int) { reached.Store(true) })()

	b.dispatch("node/1/status", []byte("1"))
	if !reached.Load() {
		t.Error("second callback not invoked after a panicking one")
	}
}

func TestSubscribeBeforeConnect(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)

	topic := NodeStatusTopic(3)
	got := make(chan int, 1)
	defer b.Subscribe(topic, func(s int) { got <- s })()

	conn := connectBus(t, b, d)
	if n := conn.subCount(topic); n != 1 {
		t.Fatalf("broker subscribes after connect = %d, want 1", n)
	}

	conn.deliver(topic, "1")
	select {
	case s := <-got:
		if s != 1 {
			t.Errorf("status = %d, want 1", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	conn := connectBus(t, b, d)

	topic := TeleopStatusTopic(1, 2)
	defer b.Subscribe(topic, func(int) {})()

	conn.lost()
	if b.State() != StateReconnecting {
		t.Errorf("state = %q, want %q", b.State(), StateReconnecting)
	}
	conn.reconnecting()
	conn.ready()

	if b.State() != StateConnected {
		t.Errorf("state = %q, want %q", b.State(), StateConnected)
	}
	if n := conn.subCount(topic); n != 2 {
		t.Errorf("broker subscribes = %d, want 2", n)
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	conn := connectBus(t, b, d)

	states := make(chan State, 16)
	defer b.OnStateChange(func(s State) { states <- s })()

	topic := DeviceStatusTopic(1, 1)
	defer b.Subscribe(topic, func(int) {})()

	conn.lost()
	for i := 0; i < 3; i++ {
		conn.reconnecting()
	}

	if b.State() != StateGaveUp {
		t.Fatalf("state = %q, want %q", b.State(), StateGaveUp)
	}
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.disconnects == 1
	})

	if err := b.Connect(context.Background()); !errors.Is(err, ErrGaveUp) {
		t.Errorf("Connect() after give-up = %v, want ErrGaveUp", err)
	}

	var sawGaveUp bool
	for len(states) > 0 {
		if <-states == StateGaveUp {
			sawGaveUp = true
		}
	}
	if !sawGaveUp {
		t.Error("gave_up state was not broadcast")
	}

	// Explicit recovery opens a new transport and restores the topic.
	errCh := make(chan error, 1)
	go func() { errCh <- b.Reconnect(context.Background()) }()
	waitFor(t, func() bool { return d.dials.Load() == 2 })
	next := d.last()
	next.ready()
	if err := <-errCh; err != nil {
		t.Fatalf("Reconnect() = %v", err)
	}
	if n := next.subCount(topic); n != 1 {
		t.Errorf("subscribes on new transport = %d, want 1", n)
	}
}

func TestStaleHandlersIgnored(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	old := connectBus(t, b, d)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Reconnect(context.Background()) }()
	waitFor(t, func() bool { return d.dials.Load() == 2 })

	// Handlers of the discarded transport must not move the state.
	old.ready()
	if b.State() != StateConnecting {
		t.Errorf("state = %q, want %q", b.State(), StateConnecting)
	}
	d.last().ready()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectClearsState(t *testing.T) {
	d := &fakeDialer{}
	b := newTestBus(t, d)
	conn := connectBus(t, b, d)

	unsub := b.Subscribe("node/1/status", func(int) {})
	b.Disconnect()

	if len(b.Topics()) != 0 {
		t.Errorf("topics = %v, want none", b.Topics())
	}
	if b.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	conn.mu.Lock()
	if conn.disconnects != 1 {
		t.Errorf("transport disconnects = %d, want 1", conn.disconnects)
	}
	conn.mu.Unlock()

	// A stale unsubscribe func after Disconnect is harmless.
	unsub()
	if n := conn.unsubCount("node/1/status"); n != 0 {
		t.Errorf("broker unsubscribes = %d, want 0", n)
	}
}

func TestClientOptionsReconnectPolicy(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantMax time.Duration
	}{
		{"default cap", Config{URL: "tcp://broker:1883"}, 5 * time.Second},
		{"configured cap", Config{URL: "tcp://broker:1883", ReconnectPeriod: 30 * time.Second}, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.cfg, testLogger())
			opts := b.clientOptions(1)
			if opts.MaxReconnectInterval != tt.wantMax {
				t.Errorf("MaxReconnectInterval = %v, want %v", opts.MaxReconnectInterval, tt.wantMax)
			}
			if !opts.AutoReconnect {
				t.Error("AutoReconnect = false, want true")
			}
			// The first connect fails fast; only later drops are retried.
			if opts.ConnectRetry {
				t.Error("ConnectRetry = true, want false")
			}
		})
	}
}
