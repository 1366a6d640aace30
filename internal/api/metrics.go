package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

// SystemStatus is the admin diagnostics response.
type SystemStatus struct {
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Runtime       RuntimeMetrics         `json:"runtime"`
	WebSocket     WSMetrics              `json:"websocket"`
	Bridge        platform.HealthMessage `json:"bridge"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// handleHealth reports liveness without authentication.
// Bridge status is included so probes can tell a degraded link apart.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.platform.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"bridge":  health.Status,
	})
}

// handleSystemStatus returns runtime, WebSocket and bridge diagnostics.
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Bridge: s.platform.Health(),
	}
	if s.hub != nil {
		status.WebSocket.ConnectedClients = s.hub.ClientCount()
		status.WebSocket.DroppedEvents = s.hub.Dropped()
	}

	writeJSON(w, http.StatusOK, status)
}
