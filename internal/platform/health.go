package platform

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// LinkStatus describes the processor session. *crestron.Connection
// satisfies it.
type LinkStatus interface {
	Config() crestron.Config
	Stats() crestron.Stats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	SiteID  string
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	QoS       byte
	Publisher HealthPublisher // Optional; nil disables publishing
	Link      LinkStatus

	// Stats and Count are read on every report.
	Stats func() Statistics
	Count func() int
}

// HealthReporter publishes bridge health to MQTT at a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	topic     string

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		topic:     mqtt.Topics{}.SystemHealth(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot builds the current health message without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.buildMessage(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher != nil && !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Link != nil {
		if !h.cfg.Link.Config().Enabled() {
			return HealthHealthy, "integration disabled"
		}
		stats := h.cfg.Link.Stats()
		if stats.State != crestron.StateConnected {
			return HealthDegraded, "processor " + stats.State.String()
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Site:          h.cfg.SiteID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}
	if h.cfg.Count != nil {
		msg.AccessoriesManaged = h.cfg.Count()
	}
	if h.cfg.Stats != nil {
		stats := h.cfg.Stats()
		msg.Statistics = &stats
	}
	if h.cfg.Link != nil {
		link := h.cfg.Link.Stats()
		conn := &ConnectionStatus{
			Status:       link.State.String(),
			Reconnecting: link.Reconnecting,
		}
		if cfg := h.cfg.Link.Config(); cfg.Enabled() {
			conn.Address = cfg.Address()
		}
		if !link.LastActivity.IsZero() {
			t := link.LastActivity.UTC()
			conn.LastActivity = &t
		}
		msg.Connection = conn
	}
	return msg
}

// publishStatus publishes a health message (QoS from config, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.topic, payload, h.cfg.QoS, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
