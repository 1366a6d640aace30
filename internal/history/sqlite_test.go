package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-crestron/migrations"
)

// setupRepository opens a migrated database in a temp dir.
func setupRepository(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "bridge.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})

	if err := db.Migrate(context.Background(), migrations.Source()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return NewSQLiteRepository(db.DB)
}

// clock returns a controllable time source.
func clock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestRecordChange(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	if err := repo.RecordChange(ctx, "Lightbulb:3", "On", 1, SourceRemote); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "Lightbulb:3", "", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}

	e := entries[0]
	if e.AccessoryKey != "Lightbulb:3" || e.Characteristic != "On" || e.Value != 1 {
		t.Errorf("entry = %+v", e)
	}
	if e.Source != SourceRemote {
		t.Errorf("Source = %q, want %q", e.Source, SourceRemote)
	}
	if e.CreatedAt.IsZero() || e.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want a UTC timestamp", e.CreatedAt)
	}
}

func TestRecordChangeValidation(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	if err := repo.RecordChange(ctx, "", "On", 1, ""); !errors.Is(err, ErrKeyRequired) {
		t.Errorf("empty key error = %v, want ErrKeyRequired", err)
	}
	if err := repo.RecordChange(ctx, "Switch:1", "", 1, ""); err == nil {
		t.Error("empty characteristic should fail")
	}

	// Empty source defaults to remote.
	if err := repo.RecordChange(ctx, "Switch:1", "On", 0, ""); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	entries, err := repo.GetHistory(ctx, "Switch:1", "", 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Source != SourceRemote {
		t.Errorf("entries = %+v, want one remote entry", entries)
	}
}

func TestGetHistory(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	now, advance := clock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo.now = now

	for i, c := range []string{"Active", "TargetHeaterCoolerState", "Active", "RotationSpeed"} {
		if err := repo.RecordChange(ctx, "HeaterCooler:1", c, i, SourceLocal); err != nil {
			t.Fatalf("RecordChange() error = %v", err)
		}
		advance(time.Second)
	}
	if err := repo.RecordChange(ctx, "HeaterCooler:2", "Active", 1, SourceRemote); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	t.Run("newest first", func(t *testing.T) {
		entries, err := repo.GetHistory(ctx, "HeaterCooler:1", "", 0)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(entries) != 4 {
			t.Fatalf("entries length = %d, want 4", len(entries))
		}
		if entries[0].Characteristic != "RotationSpeed" || entries[3].Value != 0 {
			t.Errorf("unexpected order: %+v", entries)
		}
		if !entries[0].CreatedAt.After(entries[3].CreatedAt) {
			t.Error("timestamps not descending")
		}
	})

	t.Run("characteristic filter", func(t *testing.T) {
		entries, err := repo.GetHistory(ctx, "HeaterCooler:1", "Active", 0)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(entries) != 2 || entries[0].Value != 2 || entries[1].Value != 0 {
			t.Errorf("entries = %+v, want Active values [2 0]", entries)
		}
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := repo.GetHistory(ctx, "HeaterCooler:1", "", 1)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("entries length = %d, want 1", len(entries))
		}
	})

	t.Run("unknown accessory", func(t *testing.T) {
		entries, err := repo.GetHistory(ctx, "Speaker:9", "", 10)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("entries = %+v, want none", entries)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if _, err := repo.GetHistory(ctx, "", "", 10); !errors.Is(err, ErrKeyRequired) {
			t.Errorf("error = %v, want ErrKeyRequired", err)
		}
	})
}

func TestGetHistoryCapsLimit(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	for i := 0; i < maxHistoryLimit+10; i++ {
		if err := repo.RecordChange(ctx, "DimLightbulb:4", "Brightness", i%101, SourceRemote); err != nil {
			t.Fatalf("RecordChange() error = %v", err)
		}
	}

	entries, err := repo.GetHistory(ctx, "DimLightbulb:4", "", 1000)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != maxHistoryLimit {
		t.Errorf("entries length = %d, want %d", len(entries), maxHistoryLimit)
	}
}

func TestPrune(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	now, advance := clock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo.now = now

	if err := repo.RecordChange(ctx, "Switch:1", "On", 1, SourceRemote); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}
	advance(48 * time.Hour)
	if err := repo.RecordChange(ctx, "Switch:1", "On", 0, SourceRemote); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	deleted, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	entries, err := repo.GetHistory(ctx, "Switch:1", "", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Value != 0 {
		t.Errorf("entries = %+v, want only the recent change", entries)
	}

	if _, err := repo.Prune(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("Prune(0) error = %v, want ErrInvalidRetention", err)
	}
}

func TestAccessoryRegistry(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	records := []AccessoryRecord{
		{Key: "Switch:1", Kind: "Switch", DeviceID: 1, Name: "Hall", UUID: "u-1"},
		{Key: "Lightbulb:3", Kind: "Lightbulb", DeviceID: 3, Name: "Kitchen", UUID: "u-3"},
	}
	for _, rec := range records {
		if err := repo.SaveAccessory(ctx, rec); err != nil {
			t.Fatalf("SaveAccessory(%s) error = %v", rec.Key, err)
		}
	}

	// Saving again refreshes the row instead of duplicating it.
	renamed := records[0]
	renamed.Name = "Hallway"
	if err := repo.SaveAccessory(ctx, renamed); err != nil {
		t.Fatalf("SaveAccessory() update error = %v", err)
	}

	got, err := repo.ListAccessories(ctx)
	if err != nil {
		t.Fatalf("ListAccessories() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListAccessories() returned %d rows, want 2", len(got))
	}
	if got[0].Key != "Lightbulb:3" || got[1].Name != "Hallway" {
		t.Errorf("ListAccessories() = %+v", got)
	}
	if got[1].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}

	removed, err := repo.RemoveStaleAccessories(ctx, []string{"Switch:1"})
	if err != nil {
		t.Fatalf("RemoveStaleAccessories() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if err := repo.SaveAccessory(ctx, AccessoryRecord{}); !errors.Is(err, ErrKeyRequired) {
		t.Errorf("SaveAccessory(empty) error = %v, want ErrKeyRequired", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-03-01T12:00:00.250Z", time.Date(2026, 3, 1, 12, 0, 0, 250e6, time.UTC), false},
		{"2026-03-01T12:00:00Z", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTimestamp(%q) error = %v", tt.in, err)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
