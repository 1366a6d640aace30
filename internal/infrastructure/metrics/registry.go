// Package metrics provides Prometheus metrics for the Crestron bridge.
package metrics

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

const namespace = "crestron_bridge"

// Registry holds all Prometheus metrics for the bridge.
type Registry struct {
	registry *prometheus.Registry

	// Accessory metrics
	CharacteristicUpdates *prometheus.CounterVec
	CommandsTotal         *prometheus.CounterVec
	AccessoriesRegistered prometheus.Gauge

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTConnected         prometheus.Gauge

	// Sink metrics
	SinkWrites   *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	// API metrics
	WebSocketClients prometheus.Gauge
}

// NewRegistry creates a registry with the Go and process collectors and all
// bridge metrics registered. Each call is independent, so tests can build
// as many as they like.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		CharacteristicUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accessory",
			Name:      "characteristic_updates_total",
			Help:      "Characteristic value changes by accessory kind and origin",
		}, []string{"kind", "characteristic", "origin"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accessory",
			Name:      "commands_total",
			Help:      "Characteristic writes from clients by transport and result",
		}, []string{"transport", "result"}),
		AccessoriesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "accessory",
			Name:      "registered",
			Help:      "Number of configured accessories",
		}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "1 while the broker session is up",
		}),

		SinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Update sink writes by sink and result",
		}, []string{"sink", "result"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per sink (0 closed, 1 half-open, 2 open)",
		}, []string{"sink"}),

		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Number of connected WebSocket clients",
		}),
	}
}

// RegisterLink exposes the processor link counters. stats is read on every
// scrape, so the values always match Connection.Stats.
func (r *Registry) RegisterLink(stats func() crestron.Stats) {
	factory := promauto.With(r.registry)

	counter := func(name, help string, value func(crestron.Stats) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) })
	}

	counter("bytes_received_total", "Bytes read from the control processor",
		func(s crestron.Stats) uint64 { return s.BytesRx })
	counter("messages_received_total", "Messages decoded from the control processor",
		func(s crestron.Stats) uint64 { return s.MessagesRx })
	counter("commands_sent_total", "Commands written to the control processor",
		func(s crestron.Stats) uint64 { return s.CommandsTx })
	counter("commands_dropped_total", "Commands dropped while disconnected",
		func(s crestron.Stats) uint64 { return s.CommandsDropped })
	counter("errors_total", "Socket and dial errors",
		func(s crestron.Stats) uint64 { return s.ErrorsTotal })
	counter("read_timeouts_total", "Idle read timeouts",
		func(s crestron.Stats) uint64 { return s.Timeouts })
	counter("reconnects_total", "Successful reconnections",
		func(s crestron.Stats) uint64 { return s.ReconnectsTotal })
	counter("frames_discarded_total", "Oversized partial frames discarded",
		func(s crestron.Stats) uint64 { return s.FramesDiscarded })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "connected",
		Help:      "1 while the processor session is up",
	}, func() float64 {
		if stats().State == crestron.StateConnected {
			return 1
		}
		return 0
	})
}

// Sizer reports a store's size in bytes. *database.DB satisfies it.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// sizeTimeout bounds the size query run on each scrape.
const sizeTimeout = 2 * time.Second

// RegisterDatabase exposes the SQLite file size. A failed query reports NaN.
func (r *Registry) RegisterDatabase(db Sizer) {
	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "size_bytes",
		Help:      "Size of the history and audit database",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), sizeTimeout)
		defer cancel()
		n, err := db.Size(ctx)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	})
}

// RegisterMQTTReconnects exposes the broker reconnect attempts counted by
// the MQTT client.
func (r *Registry) RegisterMQTTReconnects(attempts func() uint64) {
	r.counterFunc("mqtt", "reconnects_total", "Broker reconnect attempts", attempts)
}

// RegisterInfluxWriteErrors exposes the batches InfluxDB rejected.
func (r *Registry) RegisterInfluxWriteErrors(failures func() uint64) {
	r.counterFunc("influxdb", "write_errors_total", "Time-series batches rejected by InfluxDB", failures)
}

func (r *Registry) counterFunc(subsystem, name, help string, value func() uint64) {
	promauto.With(r.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(value()) })
}

// RecordCharacteristic counts one characteristic change.
func (r *Registry) RecordCharacteristic(kind, characteristic, origin string) {
	r.CharacteristicUpdates.WithLabelValues(kind, characteristic, origin).Inc()
}

// RecordCommand counts one client write. result is "ok", "unchanged" or "error".
func (r *Registry) RecordCommand(transport, result string) {
	r.CommandsTotal.WithLabelValues(transport, result).Inc()
}

// SetAccessories updates the configured accessory gauge.
func (r *Registry) SetAccessories(n int) {
	r.AccessoriesRegistered.Set(float64(n))
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// SetMQTTConnected updates the broker session gauge.
func (r *Registry) SetMQTTConnected(connected bool) {
	r.MQTTConnected.Set(boolGauge(connected))
}

// RecordSinkWrite records one write to a named update sink.
func (r *Registry) RecordSinkWrite(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.SinkWrites.WithLabelValues(sink, result).Inc()
}

// SetBreakerState records a circuit breaker transition.
func (r *Registry) SetBreakerState(sink string, state int) {
	r.BreakerState.WithLabelValues(sink).Set(float64(state))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
