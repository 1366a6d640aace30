package platform

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

// CommandMessage asks the bridge to write one characteristic.
// Topic: crestron/command/{kind}/{id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Characteristic string `json:"characteristic"`

	// Value is required; a pointer distinguishes 0 from absent.
	Value *int `json:"value"`

	// Source names the client, e.g. "homekit" or "automation".
	Source string `json:"source,omitempty"`
}

// AckStatus represents the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the value changed and the command was sent.
	AckAccepted AckStatus = "accepted"

	// AckUnchanged means the value was already current and nothing was sent.
	AckUnchanged AckStatus = "unchanged"

	// AckFailed means the command was rejected.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: crestron/ack/{kind}/{id}
type AckMessage struct {
	CommandID      string    `json:"command_id"`
	Timestamp      time.Time `json:"timestamp"`
	Accessory      string    `json:"accessory"`
	Characteristic string    `json:"characteristic,omitempty"`
	Status         AckStatus `json:"status"`
	Error          *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands and requests.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidPayload        = "INVALID_PAYLOAD"
	ErrCodeUnknownAccessory      = "UNKNOWN_ACCESSORY"
	ErrCodeUnknownCharacteristic = "UNKNOWN_CHARACTERISTIC"
	ErrCodeReadOnly              = "READ_ONLY"
	ErrCodeOutOfRange            = "OUT_OF_RANGE"
	ErrCodeBridgeError           = "BRIDGE_ERROR"
)

// errorCode maps a domain error onto its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return ErrCodeInvalidPayload
	case errors.Is(err, ErrUnknownAccessory):
		return ErrCodeUnknownAccessory
	case errors.Is(err, accessory.ErrUnknownCharacteristic):
		return ErrCodeUnknownCharacteristic
	case errors.Is(err, accessory.ErrReadOnly):
		return ErrCodeReadOnly
	case errors.Is(err, accessory.ErrOutOfRange):
		return ErrCodeOutOfRange
	default:
		return ErrCodeBridgeError
	}
}

func newAckError(err error) *AckError {
	return &AckError{Code: errorCode(err), Message: err.Error()}
}

// RequestMessage asks for the current value of a characteristic, or of
// every characteristic when Characteristic is empty.
// Topic: crestron/request/{kind}/{id}
type RequestMessage struct {
	RequestID      string `json:"request_id"`
	Characteristic string `json:"characteristic,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: crestron/response/{kind}/{id}
type ResponseMessage struct {
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Accessory      string         `json:"accessory"`
	Success        bool           `json:"success"`
	Characteristic string         `json:"characteristic,omitempty"`
	Value          *int           `json:"value,omitempty"`
	State          map[string]int `json:"state,omitempty"`
	Error          *AckError      `json:"error,omitempty"`
}

// StateMessage is the retained state of one accessory.
// Topic: crestron/state/{kind}/{id}
type StateMessage struct {
	Accessory string         `json:"accessory"`
	Kind      string         `json:"kind"`
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	UUID      string         `json:"uuid"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]int `json:"state"`

	// Changed and Origin describe the update that produced this message.
	Changed string `json:"changed,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

func newStateMessage(info accessory.Info, snapshot map[accessory.Characteristic]int, u *accessory.Update) StateMessage {
	msg := StateMessage{
		Accessory: info.Key(),
		Kind:      string(info.Kind),
		ID:        info.ID,
		Name:      info.Name,
		UUID:      info.UUID,
		Timestamp: time.Now().UTC(),
		State:     stateMap(snapshot),
	}
	if u != nil {
		msg.Changed = string(u.Characteristic)
		msg.Origin = string(u.Origin)
	}
	return msg
}

func stateMap(snapshot map[accessory.Characteristic]int) map[string]int {
	out := make(map[string]int, len(snapshot))
	for c, v := range snapshot {
		out[string(c)] = v
	}
	return out
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: crestron/system/health (QoS 1, retained)
type HealthMessage struct {
	Site               string            `json:"site"`
	Timestamp          time.Time         `json:"timestamp"`
	Status             HealthStatus      `json:"status"`
	Version            string            `json:"version,omitempty"`
	UptimeSeconds      int64             `json:"uptime_seconds"`
	Connection         *ConnectionStatus `json:"connection,omitempty"`
	Statistics         *Statistics       `json:"statistics,omitempty"`
	AccessoriesManaged int               `json:"accessories_managed"`
	Reason             string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the processor session.
type ConnectionStatus struct {
	Status       string     `json:"status"`
	Address      string     `json:"address,omitempty"`
	Reconnecting bool       `json:"reconnecting"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Statistics are the platform's operational counters.
type Statistics struct {
	BytesReceived    uint64 `json:"bytes_received"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesUnrouted uint64 `json:"messages_unrouted"`
	CommandsSent     uint64 `json:"commands_sent"`
	CommandsDropped  uint64 `json:"commands_dropped"`
	Errors           uint64 `json:"errors"`
	Timeouts         uint64 `json:"timeouts"`
	Reconnects       uint64 `json:"reconnects"`
	FramesDiscarded  uint64 `json:"frames_discarded"`
	Updates          uint64 `json:"updates"`
	UpdatesDropped   uint64 `json:"updates_dropped"`
	HandlerPanics    uint64 `json:"handler_panics"`
}

func newStatistics(link crestron.Stats, routed crestron.DispatcherStats, updates, dropped uint64) *Statistics {
	return &Statistics{
		BytesReceived:    link.BytesRx,
		MessagesReceived: link.MessagesRx,
		MessagesUnrouted: routed.Unrouted,
		CommandsSent:     link.CommandsTx,
		CommandsDropped:  link.CommandsDropped,
		Errors:           link.ErrorsTotal,
		Timeouts:         link.Timeouts,
		Reconnects:       link.ReconnectsTotal,
		FramesDiscarded:  link.FramesDiscarded,
		Updates:          updates,
		UpdatesDropped:   dropped,
		HandlerPanics:    routed.HandlerPanics,
	}
}

// Fields flattens the counters for a time-series point.
func (s Statistics) Fields() map[string]interface{} {
	return map[string]interface{}{
		"bytes_received":    s.BytesReceived,
		"messages_received": s.MessagesReceived,
		"messages_unrouted": s.MessagesUnrouted,
		"commands_sent":     s.CommandsSent,
		"commands_dropped":  s.CommandsDropped,
		"errors":            s.Errors,
		"timeouts":          s.Timeouts,
		"reconnects":        s.Reconnects,
		"frames_discarded":  s.FramesDiscarded,
		"updates":           s.Updates,
		"updates_dropped":   s.UpdatesDropped,
		"handler_panics":    s.HandlerPanics,
	}
}
