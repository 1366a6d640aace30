package crestron

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// HandlerFunc receives the value of a message published on a topic.
type HandlerFunc func(Value)

// Dispatcher routes decoded messages to handlers by exact topic.
//
// Handlers for a topic run synchronously, in the order they subscribed.
// A publish to a topic with no handlers is a no-op.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc

	published     atomic.Uint64
	unrouted      atomic.Uint64
	handlerPanics atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// DispatcherStats holds dispatch counters.
type DispatcherStats struct {
	Topics        int
	Published     uint64 // Messages with at least one handler
	Unrouted      uint64 // Messages nobody subscribed to
	HandlerPanics uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]HandlerFunc),
	}
}

// Subscribe registers h for the exact topic.
func (d *Dispatcher) Subscribe(topic string, h HandlerFunc) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

// Publish delivers v to every handler of topic and returns how many ran.
func (d *Dispatcher) Publish(topic string, v Value) int {
	d.mu.RLock()
	registered := d.handlers[topic]
	handlers := make([]HandlerFunc, len(registered))
	copy(handlers, registered)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.unrouted.Add(1)
		return 0
	}

	d.published.Add(1)
	for _, h := range handlers {
		d.invoke(topic, h, v)
	}
	return len(handlers)
}

// Dispatch publishes a decoded message on its topic.
func (d *Dispatcher) Dispatch(msg Message) int {
	return d.Publish(msg.Topic(), msg.Value)
}

// invoke runs one handler, recovering a panic so the rest still run.
func (d *Dispatcher) invoke(topic string, h HandlerFunc, v Value) {
	defer func() {
		if r := recover(); r != nil {
			d.handlerPanics.Add(1)
			d.logError("handler panic", fmt.Errorf("%v", r), "topic", topic)
		}
	}()
	h(v)
}

// Topics returns the number of topics with at least one handler.
func (d *Dispatcher) Topics() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Topics:        d.Topics(),
		Published:     d.published.Load(),
		Unrouted:      d.unrouted.Load(),
		HandlerPanics: d.handlerPanics.Load(),
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Dispatcher) logError(msg string, err error, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
