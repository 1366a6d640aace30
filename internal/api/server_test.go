package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/auth"
	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

var testAccessories = []accessory.Descriptor{
	{ID: 3, Name: "Kitchen", Type: "Lightbulb"},
	{ID: 40, Name: "Study Blind", Type: "WindowCovering"},
}

// fakeHistory records GetHistory calls and returns canned entries.
type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
	calls   []historyCall
}

type historyCall struct {
	key, characteristic string
	limit               int
}

func (f *fakeHistory) GetHistory(_ context.Context, key, characteristic string, limit int) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, historyCall{key, characteristic, limit})
	return f.entries, f.err
}

// memoryAudit is an in-memory audit log shared by the platform and the API.
type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	filters []audit.Filter
	err     error
}

func (m *memoryAudit) Create(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	if m.err != nil {
		return nil, m.err
	}
	out := []audit.Entry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if (f.Actor == "" || e.Actor == f.Actor) && (f.Accessory == "" || e.Accessory == f.Accessory) {
			out = append(out, e)
		}
	}
	return &audit.ListResult{Entries: out, Total: len(out), Limit: f.Limit, Offset: f.Offset}, nil
}

// fakeGauge captures the last value set.
type fakeGauge struct {
	mu    sync.Mutex
	value float64
}

func (g *fakeGauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *fakeGauge) get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer creates a Server over a real platform that is never started,
// so commands are dropped but characteristic state still changes.
func testServer(t *testing.T, secret string) (*Server, *fakeHistory) {
	t.Helper()

	auditLog := &memoryAudit{}
	p, err := platform.New(platform.Options{
		Crestron:    crestron.Config{Host: "127.0.0.1", Port: 41794},
		Accessories: testAccessories,
		SiteID:      "test-site",
		Version:     "test",
		Audit:       auditLog,
	})
	if err != nil {
		t.Fatalf("platform.New() error = %v", err)
	}

	logger := testLogger()
	hist := &fakeHistory{}
	hub := NewHub(testWSConfig(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: testWSConfig(),
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 15},
		},
		Logger:   logger,
		Platform: p,
		History:  hist,
		Audit:    auditLog,
		Hub:      hub,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, hist
}

func tokenFor(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateAccessToken("tester", role, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return token
}

// do runs a request through the router with an optional bearer token.
func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without platform should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decodeBody[map[string]any](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	// Never started, so the processor link is down.
	if resp["bridge"] != string(platform.HealthDegraded) {
		t.Errorf("bridge = %v, want %s", resp["bridge"], platform.HealthDegraded)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRecoverer(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	h := srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	srv, _ := testServer(t, "")
	body := `{"value":` + strings.Repeat(" ", maxRequestBodySize) + `1}`
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/accessories/Lightbulb/3/characteristics/On", "", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t, testSecret)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/accessories", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	srv.cfg.CORS.AllowedOrigins = []string{"https://panel.example.com"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeBody[Error](t, w); body.Code != "not_found" {
		t.Errorf("code = %q, want not_found", body.Code)
	}

	w = do(t, srv.buildRouter(), http.MethodPost, "/api/v1/health", "", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func TestAuthorisation(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	router := srv.buildRouter()

	viewer := tokenFor(t, auth.RoleViewer)
	operator := tokenFor(t, auth.RoleOperator)
	admin := tokenFor(t, auth.RoleAdmin)
	putBody := `{"value":1}`

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/accessories", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/accessories", "not-a-jwt", "", http.StatusUnauthorized},
		{"viewer lists", http.MethodGet, "/api/v1/accessories", viewer, "", http.StatusOK},
		{"viewer reads", http.MethodGet, "/api/v1/accessories/Lightbulb/3/characteristics/On", viewer, "", http.StatusOK},
		{"viewer cannot write", http.MethodPut, "/api/v1/accessories/Lightbulb/3/characteristics/On", viewer, putBody, http.StatusForbidden},
		{"operator writes", http.MethodPut, "/api/v1/accessories/Lightbulb/3/characteristics/On", operator, putBody, http.StatusOK},
		{"operator cannot see status", http.MethodGet, "/api/v1/system/status", operator, "", http.StatusForbidden},
		{"admin sees status", http.MethodGet, "/api/v1/system/status", admin, "", http.StatusOK},
		{"operator cannot read audit", http.MethodGet, "/api/v1/audit", operator, "", http.StatusForbidden},
		{"admin reads audit", http.MethodGet, "/api/v1/audit", admin, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuthorisation_WrongSecret(t *testing.T) {
	srv, _ := testServer(t, testSecret)

	token, err := auth.GenerateAccessToken("tester", auth.RoleAdmin, "another-secret-that-is-also-long-enough", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/accessories", token, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthorisation_QueryToken(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	path := "/api/v1/accessories?token=" + tokenFor(t, auth.RoleViewer)

	w := do(t, srv.buildRouter(), http.MethodGet, path, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthorisation_OpenWithoutSecret(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/system/status", "", ""); w.Code != http.StatusOK {
		t.Errorf("status without secret = %d, want %d", w.Code, http.StatusOK)
	}
	w := do(t, router, http.MethodPut, "/api/v1/accessories/Lightbulb/3/characteristics/On", "", `{"value":1}`)
	if w.Code != http.StatusOK {
		t.Errorf("PUT without secret = %d, want %d", w.Code, http.StatusOK)
	}
}

// ─── Accessory Tests ───────────────────────────────────────────────

func TestListAccessories(t *testing.T) {
	srv, _ := testServer(t, "")
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/accessories", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decodeBody[struct {
		Accessories []AccessoryResponse `json:"accessories"`
		Count       int                 `json:"count"`
	}](t, w)

	if resp.Count != 2 || len(resp.Accessories) != 2 {
		t.Fatalf("count = %d, accessories = %d, want 2", resp.Count, len(resp.Accessories))
	}
	// Configuration order is preserved.
	if resp.Accessories[0].Key != "Lightbulb:3" || resp.Accessories[1].Key != "WindowCovering:40" {
		t.Errorf("keys = %s, %s", resp.Accessories[0].Key, resp.Accessories[1].Key)
	}
	if resp.Accessories[0].UUID == "" {
		t.Error("UUID should be set")
	}
}

func TestGetAccessory(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/accessories/WindowCovering/40", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[AccessoryResponse](t, w)
	if resp.Name != "Study Blind" {
		t.Errorf("Name = %q, want Study Blind", resp.Name)
	}

	chars := make(map[accessory.Characteristic]CharacteristicResponse)
	for _, c := range resp.Characteristics {
		chars[c.Name] = c
	}
	if c, ok := chars[accessory.PositionState]; !ok || c.Value != 2 || c.Writable {
		t.Errorf("PositionState = %+v, want read-only value 2", c)
	}
	if c, ok := chars[accessory.TargetPosition]; !ok || !c.Writable || c.Max != 100 {
		t.Errorf("TargetPosition = %+v, want writable 0..100", c)
	}
}

func TestGetAccessory_Errors(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown accessory", "/api/v1/accessories/Lightbulb/99", http.StatusNotFound},
		{"kind mismatch", "/api/v1/accessories/Switch/3", http.StatusNotFound},
		{"non-numeric id", "/api/v1/accessories/Lightbulb/abc", http.StatusBadRequest},
		{"unknown characteristic", "/api/v1/accessories/Lightbulb/3/characteristics/Volume", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodGet, tt.path, "", ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSetCharacteristic(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()
	path := "/api/v1/accessories/WindowCovering/40/characteristics/TargetPosition"

	w := do(t, router, http.MethodPut, path, "", `{"value":75}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody[SetCharacteristicResponse](t, w)
	if !resp.Changed || resp.Value != 75 || resp.Accessory != "WindowCovering:40" {
		t.Errorf("response = %+v", resp)
	}

	// Writing the same value is accepted but reports no change.
	w = do(t, router, http.MethodPut, path, "", `{"value":75}`)
	if resp := decodeBody[SetCharacteristicResponse](t, w); resp.Changed {
		t.Error("second write should report changed=false")
	}

	// The position follows the target immediately.
	w = do(t, router, http.MethodGet, "/api/v1/accessories/WindowCovering/40/characteristics/CurrentPosition", "", "")
	if got := decodeBody[map[string]any](t, w)["value"]; got != float64(75) {
		t.Errorf("CurrentPosition = %v, want 75", got)
	}
}

func TestSetCharacteristic_Errors(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"out of range", "/api/v1/accessories/WindowCovering/40/characteristics/TargetPosition", `{"value":101}`, http.StatusUnprocessableEntity},
		{"read-only", "/api/v1/accessories/WindowCovering/40/characteristics/CurrentPosition", `{"value":10}`, http.StatusUnprocessableEntity},
		{"unknown characteristic", "/api/v1/accessories/Lightbulb/3/characteristics/Mute", `{"value":1}`, http.StatusNotFound},
		{"unknown accessory", "/api/v1/accessories/Lightbulb/8/characteristics/On", `{"value":1}`, http.StatusNotFound},
		{"missing value", "/api/v1/accessories/Lightbulb/3/characteristics/On", `{}`, http.StatusBadRequest},
		{"invalid JSON", "/api/v1/accessories/Lightbulb/3/characteristics/On", `{value`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPut, tt.path, "", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// ─── History Tests ─────────────────────────────────────────────────

func TestGetHistory(t *testing.T) {
	srv, hist := testServer(t, "")
	hist.entries = []history.Entry{
		{ID: 2, AccessoryKey: "Lightbulb:3", Characteristic: "On", Value: 0, Source: "remote"},
		{ID: 1, AccessoryKey: "Lightbulb:3", Characteristic: "On", Value: 1, Source: "local"},
	}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/accessories/Lightbulb/3/history?characteristic=On&limit=10", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[HistoryResponse](t, w)
	if resp.Count != 2 || resp.Accessory != "Lightbulb:3" {
		t.Errorf("response = %+v", resp)
	}

	want := historyCall{key: "Lightbulb:3", characteristic: "On", limit: 10}
	if len(hist.calls) != 1 || hist.calls[0] != want {
		t.Errorf("calls = %+v, want [%+v]", hist.calls, want)
	}
}

func TestGetHistory_Errors(t *testing.T) {
	srv, hist := testServer(t, "")
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/accessories/Lightbulb/3/history?limit=-1", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(t, router, http.MethodGet, "/api/v1/accessories/Lightbulb/77/history", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown accessory status = %d, want %d", w.Code, http.StatusNotFound)
	}

	hist.err = errors.New("disk gone")
	if w := do(t, router, http.MethodGet, "/api/v1/accessories/Lightbulb/3/history", "", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	srv.history = nil
	if w := do(t, router, http.MethodGet, "/api/v1/accessories/Lightbulb/3/history", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no store status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ─── Audit Tests ───────────────────────────────────────────────────

func TestAudit_RecordsCaller(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	router := srv.buildRouter()

	operator := tokenFor(t, auth.RoleOperator)
	do(t, router, http.MethodPut, "/api/v1/accessories/Lightbulb/3/characteristics/On", operator, `{"value":1}`)
	do(t, router, http.MethodPut, "/api/v1/accessories/WindowCovering/40/characteristics/TargetPosition", operator, `{"value":101}`)

	w := do(t, router, http.MethodGet, "/api/v1/audit?actor=tester&limit=10&offset=0", tokenFor(t, auth.RoleAdmin), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody[audit.ListResult](t, w)
	if resp.Total != 2 || len(resp.Entries) != 2 {
		t.Fatalf("entries = %+v, want 2", resp.Entries)
	}
	// Newest first.
	if e := resp.Entries[0]; e.Accessory != "WindowCovering:40" || e.Result != audit.ResultError || e.Transport != platform.TransportAPI {
		t.Errorf("entries[0] = %+v", e)
	}
	if e := resp.Entries[1]; e.Accessory != "Lightbulb:3" || e.Result != audit.ResultOK || e.Actor != "tester" {
		t.Errorf("entries[1] = %+v", e)
	}

	auditLog := srv.audit.(*memoryAudit)
	want := audit.Filter{Actor: "tester", Limit: 10}
	if got := auditLog.filters[len(auditLog.filters)-1]; got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}
}

func TestAudit_Errors(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	for _, q := range []string{"limit=abc", "offset=-2"} {
		if w := do(t, router, http.MethodGet, "/api/v1/audit?"+q, "", ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}

	srv.audit.(*memoryAudit).err = errors.New("disk gone")
	if w := do(t, router, http.MethodGet, "/api/v1/audit", "", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	srv.audit = nil
	if w := do(t, router, http.MethodGet, "/api/v1/audit", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no store status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSystemStatus(t *testing.T) {
	srv, _ := testServer(t, "")
	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/system/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decodeBody[SystemStatus](t, w)
	if resp.Version != "test" || resp.Runtime.Goroutines == 0 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Bridge.AccessoriesManaged != 2 || resp.Bridge.Site != "test-site" {
		t.Errorf("bridge = %+v", resp.Bridge)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	srv.metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("crestron_bridge_up 1\n"))
	})
	srv.metricsPath = "/metrics"

	w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "crestron_bridge_up") {
		t.Errorf("metrics = %d %q", w.Code, w.Body.String())
	}
}

// ─── Server Lifecycle ──────────────────────────────────────────────

func TestServer_StartClose(t *testing.T) {
	srv, _ := testServer(t, "")

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func TestWebSocket_ReceivesCharacteristicEvents(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + tokenFor(t, auth.RoleViewer)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{platform.ChannelCharacteristicChanged}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe response = %+v", ack)
	}

	srv.hub.Broadcast(platform.ChannelCharacteristicChanged, platform.CharacteristicEvent{
		Accessory: "Lightbulb:3", Kind: "Lightbulb", ID: 3, Characteristic: "On", Value: 1, Origin: "remote",
	})

	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != platform.ChannelCharacteristicChanged {
		t.Errorf("event = %+v", event)
	}
	payload, _ := event.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["accessory"] != "Lightbulb:3" {
		t.Errorf("payload = %v", event.Payload)
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestHub_BroadcastFiltersSubscribers(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	all := newWSClient(hub, nil, "all")
	all.subscribe(WSSubscribePayload{Channels: []string{platform.ChannelCharacteristicChanged}})
	blind := newWSClient(hub, nil, "blind")
	blind.subscribe(WSSubscribePayload{Channels: []string{platform.ChannelCharacteristicChanged}, Accessories: []string{"WindowCovering:40"}})
	idle := newWSClient(hub, nil, "idle")
	for _, c := range []*wsClient{all, blind, idle} {
		hub.register(c)
	}

	hub.Broadcast(platform.ChannelCharacteristicChanged, platform.CharacteristicEvent{Accessory: "Lightbulb:3", Characteristic: "On", Value: 1})
	hub.Broadcast(platform.ChannelCharacteristicChanged, platform.CharacteristicEvent{Accessory: "WindowCovering:40", Characteristic: "CurrentPosition", Value: 60})

	tests := []struct {
		name   string
		client *wsClient
		want   int
	}{
		{"unfiltered gets both", all, 2},
		{"filtered gets its accessory", blind, 1},
		{"unsubscribed gets none", idle, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.client.send); got != tt.want {
				t.Errorf("queued = %d, want %d", got, tt.want)
			}
		})
	}

	var msg WSMessage
	if err := json.Unmarshal(<-blind.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if msg.EventType != platform.ChannelCharacteristicChanged || payload["accessory"] != "WindowCovering:40" {
		t.Errorf("message = %+v", msg)
	}
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	c := newWSClient(hub, nil, "slow")
	c.subscribe(WSSubscribePayload{Channels: []string{platform.ChannelCharacteristicChanged}})
	hub.register(c)

	for range wsSendBufferSize + 3 {
		hub.Broadcast(platform.ChannelCharacteristicChanged, platform.CharacteristicEvent{Accessory: "Switch:4"})
	}
	if hub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", hub.Dropped())
	}

	hub.unregister(c)
	if c.trySend([]byte("{}")) {
		t.Error("trySend() after unregister = true, want false")
	}
}

func TestHub_ClientGauge(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	gauge := &fakeGauge{}
	hub.SetClientGauge(gauge)

	c := newWSClient(hub, nil, "tester")
	hub.register(c)
	if hub.ClientCount() != 1 || gauge.get() != 1 {
		t.Errorf("after register count = %d, gauge = %v, want 1", hub.ClientCount(), gauge.get())
	}

	hub.unregister(c)
	hub.unregister(c) // send must not be closed twice
	if hub.ClientCount() != 0 || gauge.get() != 0 {
		t.Errorf("after unregister count = %d, gauge = %v, want 0", hub.ClientCount(), gauge.get())
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	c := newWSClient(hub, nil, "tester")
	hub.register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Run returned")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	hub.unregister(c) // late unregister from readPump
}

func TestDecodeSubscription(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"channel", `{"channels":["characteristic.changed"]}`, false},
		{"accessories only", `{"accessories":["Lightbulb:3"]}`, false},
		{"unknown channel", `{"channels":["device.state"]}`, true},
		{"empty", `{}`, true},
		{"missing", ``, true},
		{"not an object", `[1]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSubscription(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("decodeSubscription(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestWebSocket_RejectsUnknownChannel(t *testing.T) {
	srv, _ := testServer(t, "")
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": WSTypeSubscribe, "id": "7", "payload": map[string]any{"channels": []string{"nope"}}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test

	var reply WSMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != WSTypeError || reply.ID != "7" {
		t.Errorf("reply = %+v, want error for id 7", reply)
	}
}
