package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Platform is the accessory host the API serves. *platform.Platform
// satisfies it.
type Platform interface {
	Accessories() []accessory.Accessory
	Accessory(kind string, id int) (accessory.Accessory, error)
	Get(ctx context.Context, kind string, id int, characteristic string) (int, error)
	Set(ctx context.Context, kind string, id int, characteristic string, value int) (bool, error)
	Health() platform.HealthMessage
}

// HistoryReader reads characteristic history. *history.SQLiteRepository
// satisfies it.
type HistoryReader interface {
	GetHistory(ctx context.Context, accessoryKey, characteristic string, limit int) ([]history.Entry, error)
}

// AuditReader pages the command audit log. *audit.SQLiteRepository
// satisfies it.
type AuditReader interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Platform Platform
	History  HistoryReader // Optional; history routes return 503 without it
	Audit    AuditReader   // Optional; the audit route returns 503 without it

	// Metrics is served at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// Hub is shared with the platform, which broadcasts on it. When nil
	// the server creates its own.
	Hub     *Hub
	Version string
}

// Server is the HTTP API server of the bridge.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	platform    Platform
	history     HistoryReader
	audit       AuditReader
	metrics     http.Handler
	metricsPath string
	version     string
	startTime   time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Platform == nil {
		return nil, fmt.Errorf("platform is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		platform:    deps.Platform,
		history:     deps.History,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		metricsPath: deps.MetricsPath,
		version:     deps.Version,
		startTime:   time.Now(),
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}
	return s, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns, so a port in use is
// reported here. Stop the server with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// authEnabled reports whether bearer tokens are required.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}
