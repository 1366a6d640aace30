package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/influxdb"
)

// Sink names used in logs, metrics and breaker names.
const (
	SinkMQTT      = "mqtt"
	SinkHistory   = "history"
	SinkInfluxDB  = "influxdb"
	SinkWebSocket = "websocket"
)

// Breaker settings for the storage sinks.
const (
	breakerMaxRequests  = 3
	breakerInterval     = 10 * time.Second
	breakerTimeout      = 30 * time.Second
	breakerMinRequests  = 10
	breakerFailureRatio = 0.6

	// sinkTimeout bounds one history write.
	sinkTimeout = 2 * time.Second
)

// MQTTClient is the interface for MQTT operations.
// main.go adapts *mqtt.Client to it; tests use a mock.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// HistoryStore persists characteristic changes.
// *history.SQLiteRepository satisfies it.
type HistoryStore interface {
	RecordChange(ctx context.Context, accessoryKey, characteristic string, value int, source string) error
}

// AccessoryRegistry persists the configured accessory list and applies
// history retention. *history.SQLiteRepository satisfies it.
type AccessoryRegistry interface {
	SaveAccessory(ctx context.Context, rec history.AccessoryRecord) error
	RemoveStaleAccessories(ctx context.Context, keep []string) (int64, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TimeSeriesWriter receives characteristic points. *influxdb.Client
// satisfies it.
type TimeSeriesWriter interface {
	WriteCharacteristic(p influxdb.CharacteristicPoint)
	IsConnected() bool
}

// Broadcaster pushes events to live clients. *api.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// MetricsRecorder receives platform counters. *metrics.Registry
// satisfies it.
type MetricsRecorder interface {
	RecordCharacteristic(kind, characteristic, origin string)
	RecordCommand(transport, result string)
	RecordMQTTPublish(success bool)
	RecordSinkWrite(sink string, err error)
	SetBreakerState(sink string, state int)
	SetAccessories(n int)
}

// CommandAuditor records characteristic writes. *audit.SQLiteRepository
// satisfies it.
type CommandAuditor interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// ChannelCharacteristicChanged is the WebSocket channel carrying updates.
const ChannelCharacteristicChanged = "characteristic.changed"

// CharacteristicEvent is the WebSocket payload for one change.
type CharacteristicEvent struct {
	Accessory      string    `json:"accessory"`
	Kind           string    `json:"kind"`
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Characteristic string    `json:"characteristic"`
	Value          int       `json:"value"`
	Origin         string    `json:"origin"`
	Timestamp      time.Time `json:"timestamp"`
}

// newBreaker builds the circuit breaker guarding one storage sink.
func (p *Platform) newBreaker(sink string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logWarn("sink circuit breaker state changed",
				"sink", name,
				"from", from.String(),
				"to", to.String())
			if p.metrics != nil {
				p.metrics.SetBreakerState(name, int(to))
			}
		},
	})
}

// fanOut delivers one update to every configured sink. It runs on the
// update worker, never on the processor read loop.
func (p *Platform) fanOut(u accessory.Update) {
	acc, ok := p.lookup(u.Info.Key())
	if !ok {
		return
	}
	now := time.Now().UTC()

	if p.metrics != nil {
		p.metrics.RecordCharacteristic(string(u.Info.Kind), string(u.Characteristic), string(u.Origin))
	}

	p.publishState(acc, &u)

	if p.history != nil {
		err := p.guard(p.historyBreaker, func() error {
			ctx, cancel := context.WithTimeout(p.ctx, sinkTimeout)
			defer cancel()
			return p.history.RecordChange(ctx, u.Info.Key(), string(u.Characteristic), u.Value, string(u.Origin))
		})
		p.recordSink(SinkHistory, err)
	}

	if p.series != nil {
		err := p.guard(p.seriesBreaker, func() error {
			if !p.series.IsConnected() {
				return fmt.Errorf("%w: %s", ErrSinkUnavailable, SinkInfluxDB)
			}
			p.series.WriteCharacteristic(influxdb.CharacteristicPoint{
				Kind:           string(u.Info.Kind),
				DeviceID:       u.Info.ID,
				Name:           u.Info.Name,
				Characteristic: string(u.Characteristic),
				Value:          u.Value,
				Source:         string(u.Origin),
				Time:           now,
			})
			return nil
		})
		p.recordSink(SinkInfluxDB, err)
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(ChannelCharacteristicChanged, CharacteristicEvent{
			Accessory:      u.Info.Key(),
			Kind:           string(u.Info.Kind),
			ID:             u.Info.ID,
			Name:           u.Info.Name,
			Characteristic: string(u.Characteristic),
			Value:          u.Value,
			Origin:         string(u.Origin),
			Timestamp:      now,
		})
	}
}

// guard runs fn through cb. An open breaker skips fn entirely.
func (p *Platform) guard(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (p *Platform) recordSink(sink string, err error) {
	if p.metrics != nil {
		p.metrics.RecordSinkWrite(sink, err)
	}
	switch {
	case err == nil:
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		p.logDebug("sink write skipped, breaker open", "sink", sink)
	default:
		p.logWarn("sink write failed", "sink", sink, "error", err)
	}
}

// publishState publishes the retained state of acc. u describes the
// triggering change and may be nil.
func (p *Platform) publishState(acc accessory.Accessory, u *accessory.Update) {
	if p.mqtt == nil {
		return
	}
	info := acc.Info()
	msg := newStateMessage(info, acc.Snapshot(), u)
	topic := p.topics.State(string(info.Kind), info.ID)
	err := p.publishJSON(topic, msg, true)
	p.recordSink(SinkMQTT, err)
}
