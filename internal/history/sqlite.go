package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout sorts lexically in time order.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// SQLiteRepository implements Repository on the bridge database.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository wraps an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordChange inserts a characteristic history row.
func (r *SQLiteRepository) RecordChange(ctx context.Context, accessoryKey, characteristic string, value int, source string) error {
	if accessoryKey == "" {
		return ErrKeyRequired
	}
	if characteristic == "" {
		return fmt.Errorf("characteristic is required")
	}
	if source == "" {
		source = SourceRemote
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO characteristic_history (accessory_key, characteristic, value, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		accessoryKey,
		characteristic,
		value,
		source,
		formatTimestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("inserting characteristic history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for an accessory, newest first.
func (r *SQLiteRepository) GetHistory(ctx context.Context, accessoryKey, characteristic string, limit int) ([]Entry, error) {
	if accessoryKey == "" {
		return nil, ErrKeyRequired
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `SELECT id, accessory_key, characteristic, value, source, created_at
		 FROM characteristic_history
		 WHERE accessory_key = ?`
	args := []any{accessoryKey}
	if characteristic != "" {
		query += " AND characteristic = ?"
		args = append(args, characteristic)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying characteristic history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AccessoryKey, &e.Characteristic, &e.Value, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning characteristic history: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating characteristic history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than now minus olderThan and reports how
// many rows went.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := formatTimestamp(r.now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM characteristic_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting characteristic history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// SaveAccessory inserts or refreshes a registry row.
func (r *SQLiteRepository) SaveAccessory(ctx context.Context, rec AccessoryRecord) error {
	if rec.Key == "" {
		return ErrKeyRequired
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accessories (key, kind, device_id, name, uuid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     kind = excluded.kind,
		     device_id = excluded.device_id,
		     name = excluded.name,
		     uuid = excluded.uuid,
		     updated_at = excluded.updated_at`,
		rec.Key,
		rec.Kind,
		rec.DeviceID,
		rec.Name,
		rec.UUID,
		formatTimestamp(r.now()),
	)
	if err != nil {
		return fmt.Errorf("saving accessory %s: %w", rec.Key, err)
	}
	return nil
}

// ListAccessories returns the registry ordered by key.
func (r *SQLiteRepository) ListAccessories(ctx context.Context) ([]AccessoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT key, kind, device_id, name, uuid, updated_at FROM accessories ORDER BY key",
	)
	if err != nil {
		return nil, fmt.Errorf("querying accessories: %w", err)
	}
	defer rows.Close()

	var records []AccessoryRecord
	for rows.Next() {
		var rec AccessoryRecord
		var updatedAt string
		if err := rows.Scan(&rec.Key, &rec.Kind, &rec.DeviceID, &rec.Name, &rec.UUID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning accessory: %w", err)
		}
		if rec.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accessories: %w", err)
	}
	return records, nil
}

// RemoveStaleAccessories deletes registry rows whose key is not in keep.
// It returns the number removed.
func (r *SQLiteRepository) RemoveStaleAccessories(ctx context.Context, keep []string) (int64, error) {
	existing, err := r.ListAccessories(ctx)
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}

	var removed int64
	for _, rec := range existing {
		if wanted[rec.Key] {
			continue
		}
		if _, err := r.db.ExecContext(ctx, "DELETE FROM accessories WHERE key = ?", rec.Key); err != nil {
			return removed, fmt.Errorf("removing accessory %s: %w", rec.Key, err)
		}
		removed++
	}
	return removed, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp accepts the bridge's own layout and the plain RFC 3339
// forms SQLite's strftime defaults produce.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	timestamp, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return timestamp.UTC(), nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}
