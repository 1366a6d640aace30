package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/auth"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

const testJWTSecret = "test-secret-key-at-least-32-chars!"

// writeTestConfig writes a config that needs no broker or processor.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	return writeConfigWithDB(t, filepath.Join(t.TempDir(), "test.db"), extra)
}

func writeConfigWithDB(t *testing.T, dbPath, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := `
site:
  id: test-site
crestron:
  host: ""
database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
logging:
  level: error
  format: text
  output: stdout
security:
  jwt:
    secret: "` + testJWTSecret + `"
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingDatabasePath(t *testing.T) {
	path := writeConfigWithDB(t, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, path); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

func TestRun_StartsAndStopsWithoutProcessor(t *testing.T) {
	path := writeTestConfig(t, "api:\n  enabled: false\n")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx, path); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

func TestRun_ServesAPI(t *testing.T) {
	port := freePort(t)
	path := writeTestConfig(t, fmt.Sprintf("api:\n  host: \"127.0.0.1\"\n  port: %d\n", port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	var healthy bool
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !healthy {
		cancel()
		t.Fatal("API never became healthy")
	}

	// Protected routes need a token because a secret is configured.
	resp, err := http.Get(url + "/api/v1/accessories")
	if err != nil {
		t.Fatalf("GET accessories: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("accessories without token = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CRESTRON_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("CRESTRON_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

func TestPrintToken(t *testing.T) {
	jwtCfg := config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15}

	tests := []struct {
		name    string
		cfg     config.JWTConfig
		role    string
		subject string
		wantSub string
		wantErr bool
	}{
		{name: "operator", cfg: jwtCfg, role: "operator", subject: "panel-1", wantSub: "panel-1"},
		{name: "subject defaults to role", cfg: jwtCfg, role: "viewer", wantSub: "viewer"},
		{name: "unknown role", cfg: jwtCfg, role: "root", wantErr: true},
		{name: "no secret", cfg: config.JWTConfig{}, role: "admin", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := printToken(&buf, tt.cfg, tt.role, tt.subject, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			claims, err := auth.ParseToken(strings.TrimSpace(buf.String()), testJWTSecret)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if string(claims.Role) != tt.role || claims.Subject != tt.wantSub {
				t.Errorf("claims = %s/%s, want %s/%s", claims.Role, claims.Subject, tt.role, tt.wantSub)
			}
		})
	}
}

func TestMigrate(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "m.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	ctx := context.Background()

	var buf bytes.Buffer
	if err := migrate(ctx, &buf, db, false, log); err != nil {
		t.Fatalf("migrate() error = %v", err)
	}
	if !strings.Contains(buf.String(), "applied  20260101_000000") {
		t.Errorf("status after up = %q", buf.String())
	}

	buf.Reset()
	if err := migrate(ctx, &buf, db, true, log); err != nil {
		t.Fatalf("migrate(down) error = %v", err)
	}
	// Only the latest migration is rolled back.
	if !strings.Contains(buf.String(), "applied  20260101_000000") ||
		!strings.Contains(buf.String(), "pending  20260102_000000  command_audit") {
		t.Errorf("status after down = %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "crestronbridge "+version) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPlatformOptions(t *testing.T) {
	cfg := &config.Config{
		Site: config.SiteConfig{ID: "site-9"},
		Crestron: config.CrestronConfig{
			Host:           "10.0.0.5",
			Port:           41794,
			ReconnectDelay: 2 * time.Second,
			Accessories: []config.AccessoryConfig{
				{ID: 1, Name: "Hall", Type: "Switch"},
				{ID: 2, Name: "AC", Type: "HeaterCooler", MinValue: 16, MaxValue: 30, MinStep: 1},
			},
		},
		MQTT:     config.MQTTConfig{QoS: 2},
		Database: config.DatabaseConfig{RetentionDays: 7},
	}

	opts := platformOptions(cfg, nil)
	if opts.Crestron.Address() != "10.0.0.5:41794" || opts.Crestron.ReconnectDelay != 2*time.Second {
		t.Errorf("Crestron = %+v", opts.Crestron)
	}
	if len(opts.Accessories) != 2 || opts.Accessories[1].MaxValue != 30 {
		t.Errorf("Accessories = %+v", opts.Accessories)
	}
	if opts.QoS != 2 || opts.SiteID != "site-9" || opts.HistoryRetention != 7*24*time.Hour {
		t.Errorf("opts = %+v", opts)
	}
}

type fakeStatsWriter struct {
	mu     sync.Mutex
	points []map[string]interface{}
}

func (f *fakeStatsWriter) WriteBridgeStats(_ string, fields map[string]interface{}) {
	f.mu.Lock()
	f.points = append(f.points, fields)
	f.mu.Unlock()
}

func (f *fakeStatsWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func TestReportBridgeStats(t *testing.T) {
	p, err := platform.New(platform.Options{SiteID: "test-site"})
	if err != nil {
		t.Fatalf("platform.New() error = %v", err)
	}

	w := &fakeStatsWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reportBridgeStats(ctx, w, p, "test-site", 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w.count() < 2 {
		t.Fatalf("points = %d, want at least 2", w.count())
	}
	if _, ok := w.points[0]["reconnects"]; !ok {
		t.Errorf("fields = %v, want reconnects", w.points[0])
	}
}
