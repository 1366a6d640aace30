// Package history persists characteristic changes and the accessory registry.
//
// Every value an accessory reports, whether it arrived from the processor or
// was set by a client, is appended to characteristic_history. The table is a
// local audit trail that survives when the time-series database is
// unreachable. The accessories table records what was announced at start-up
// so UUIDs stay visible to tooling between runs.
package history

import (
	"context"
	"errors"
	"time"
)

// Source values recorded with each change.
const (
	SourceRemote = "remote"
	SourceLocal  = "local"
)

var (
	// ErrKeyRequired is returned when an accessory key is empty.
	ErrKeyRequired = errors.New("history: accessory key is required")

	// ErrInvalidRetention is returned by Prune for a non-positive duration.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)

// Entry is a single recorded characteristic value.
type Entry struct {
	ID             int64     `json:"id"`
	AccessoryKey   string    `json:"accessory_key"`
	Characteristic string    `json:"characteristic"`
	Value          int       `json:"value"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// AccessoryRecord is a row of the accessory registry.
type AccessoryRecord struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	DeviceID  int       `json:"device_id"`
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository stores and retrieves characteristic history.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	// RecordChange appends a value. An empty source is recorded as remote.
	RecordChange(ctx context.Context, accessoryKey, characteristic string, value int, source string) error

	// GetHistory returns entries newest first. An empty characteristic
	// matches all of them. limit defaults to 50 and is capped at 200.
	GetHistory(ctx context.Context, accessoryKey, characteristic string, limit int) ([]Entry, error)
}
