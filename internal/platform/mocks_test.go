package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/influxdb"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
	subErr    error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// SimulateMessage delivers payload to the handler whose filter matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// PublishedOn returns every payload published to topic.
func (m *MockMQTTClient) PublishedOn(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	return out
}

// topicMatches supports the single-level "+" wildcard.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	if len(f) != len(t) {
		return false
	}
	for i := range f {
		if f[i] != "+" && f[i] != t[i] {
			return false
		}
	}
	return true
}

// fakeAuditor records audited commands.
type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAuditor) Create(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *fakeAuditor) Entries() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

// fakeHistory records characteristic changes.
type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	calls   int
	err     error
}

func (h *fakeHistory) RecordChange(_ context.Context, key, characteristic string, value int, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, history.Entry{
		AccessoryKey:   key,
		Characteristic: characteristic,
		Value:          value,
		Source:         source,
	})
	return nil
}

func (h *fakeHistory) Entries() []history.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Entry(nil), h.entries...)
}

func (h *fakeHistory) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// fakeRegistry records registry operations.
type fakeRegistry struct {
	mu     sync.Mutex
	saved  []history.AccessoryRecord
	kept   []string
	pruned []time.Duration
}

func (r *fakeRegistry) SaveAccessory(_ context.Context, rec history.AccessoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return nil
}

func (r *fakeRegistry) RemoveStaleAccessories(_ context.Context, keep []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kept = append([]string(nil), keep...)
	return 1, nil
}

func (r *fakeRegistry) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, olderThan)
	return 0, nil
}

// fakeSeries records time-series points.
type fakeSeries struct {
	mu        sync.Mutex
	points    []influxdb.CharacteristicPoint
	connected bool
}

func (s *fakeSeries) WriteCharacteristic(p influxdb.CharacteristicPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func (s *fakeSeries) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSeries) Points() []influxdb.CharacteristicPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]influxdb.CharacteristicPoint(nil), s.points...)
}

// fakeBroadcaster records WebSocket events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []CharacteristicEvent
}

func (b *fakeBroadcaster) Broadcast(channel string, payload any) {
	if channel != ChannelCharacteristicChanged {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload.(CharacteristicEvent))
}

func (b *fakeBroadcaster) Events() []CharacteristicEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CharacteristicEvent(nil), b.events...)
}

// mockProcessor is a loopback TCP stand-in for a control processor.
type mockProcessor struct {
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received strings.Builder
}

func newMockProcessor(t *testing.T) *mockProcessor {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &mockProcessor{ln: ln}
	go p.serve()
	t.Cleanup(p.Close)
	return p
}

func (p *mockProcessor) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		go func(c net.Conn) {
			buf := make([]byte, 1024)
			for {
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				p.mu.Lock()
				p.received.Write(buf[:n])
				p.mu.Unlock()
			}
		}(conn)
	}
}

func (p *mockProcessor) Config() crestron.Config {
	addr := p.ln.Addr().(*net.TCPAddr)
	return crestron.Config{
		Host:           addr.IP.String(),
		Port:           addr.Port,
		ReconnectDelay: 50 * time.Millisecond,
	}
}

func (p *mockProcessor) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *mockProcessor) Write(t *testing.T, frames string) {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		t.Fatal("processor has no client")
	}
	if _, err := conn.Write([]byte(frames)); err != nil {
		t.Fatalf("processor write: %v", err)
	}
}

func (p *mockProcessor) Received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received.String()
}

func (p *mockProcessor) Close() {
	p.ln.Close() //nolint:errcheck // Test cleanup
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close() //nolint:errcheck // Test cleanup
	}
	p.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return v
}

var errStoreDown = errors.New("store down")
