// Crestron Bridge
//
// crestronbridge connects a Crestron control processor to the accessory
// framework: it keeps a TCP session to the processor, maps its frames onto
// typed accessories and exposes them over MQTT, a local REST/WebSocket API
// and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/api"
	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
	"github.com/nerrad567/gray-logic-crestron/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// A missing .env is normal; anything else is worth reporting.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command serves the bridge.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "crestronbridge",
		Short:         "Bridge a Crestron control processor to MQTT and a local API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(), "configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, newTokenCmd(&configPath), newMigrateCmd(&configPath), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crestronbridge %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the configuration file path.
// Uses CRESTRON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CRESTRON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Crestron bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", logging.ParseLevel(cfg.Logging.Level).String(),
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	historyRepo := history.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	reg := metrics.NewRegistry()
	reg.RegisterDatabase(db)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			reg.SetMQTTConnected(true)
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
			reg.SetMQTTConnected(false)
		})
		reg.SetMQTTConnected(mqttClient.IsConnected())
		reg.RegisterMQTTReconnects(mqttClient.Reconnects)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		reg.RegisterInfluxWriteErrors(influxClient.WriteErrors)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log)
	hub.SetClientGauge(reg.WebSocketClients)
	go hub.Run(ctx)

	opts := platformOptions(cfg, log)
	opts.History = historyRepo
	opts.Registry = historyRepo
	opts.Broadcaster = hub
	opts.Audit = auditRepo
	opts.Metrics = reg
	// Interfaces stay nil when a sink is disabled.
	if mqttClient != nil {
		opts.MQTT = &mqttAdapter{client: mqttClient}
	}
	if influxClient != nil {
		opts.TimeSeries = influxClient
	}

	bridge, err := platform.New(opts)
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	defer func() {
		log.Info("stopping platform")
		bridge.Stop()
	}()
	reg.RegisterLink(bridge.LinkStats)

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	started := []any{
		"processor", cfg.Crestron.Host,
		"enabled", bridge.Enabled(),
		"accessories", len(bridge.Accessories()),
	}
	if mqttClient != nil {
		started = append(started, "mqtt_subscriptions", mqttClient.Subscriptions())
	}
	log.Info("platform started", started...)

	if influxClient != nil {
		go reportBridgeStats(ctx, influxClient, bridge, cfg.Site.ID, cfg.Crestron.HealthInterval)
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Platform: bridge,
			History:  historyRepo,
			Audit:    auditRepo,
			Hub:      hub,
			Version:  version,
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = reg.Handler()
			deps.MetricsPath = cfg.Metrics.Path
		}
		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	// Verify infrastructure connections are healthy. The processor link is
	// not checked: it reconnects on its own and health reports it degraded.
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API, platform, InfluxDB,
	// MQTT, database.
	log.Info("Crestron bridge stopped")
	return nil
}

// openDatabase opens SQLite and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.Source()); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// platformOptions maps configuration onto platform options. Sinks are
// attached by the caller.
func platformOptions(cfg *config.Config, log *logging.Logger) platform.Options {
	descs := make([]accessory.Descriptor, 0, len(cfg.Crestron.Accessories))
	for _, a := range cfg.Crestron.Accessories {
		descs = append(descs, a.Descriptor())
	}

	return platform.Options{
		Crestron: crestron.Config{
			Host:           cfg.Crestron.Host,
			Port:           cfg.Crestron.Port,
			ConnectTimeout: cfg.Crestron.ConnectTimeout,
			ReadTimeout:    cfg.Crestron.ReadTimeout,
			WriteTimeout:   cfg.Crestron.WriteTimeout,
			ReconnectDelay: cfg.Crestron.ReconnectDelay,
		},
		Accessories:      descs,
		SiteID:           cfg.Site.ID,
		Version:          version,
		HealthInterval:   cfg.Crestron.HealthInterval,
		QoS:              byte(cfg.MQTT.QoS), //nolint:gosec // Validated to 0-2
		HistoryRetention: cfg.HistoryRetention(),
		Logger:           log,
	}
}

// statsWriter receives periodic bridge counters. *influxdb.Client satisfies it.
type statsWriter interface {
	WriteBridgeStats(site string, fields map[string]interface{})
}

// reportBridgeStats writes the platform counters every interval until ctx ends.
func reportBridgeStats(ctx context.Context, w statsWriter, p *platform.Platform, site string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteBridgeStats(site, p.GetMetrics().Fields())
		}
	}
}

// healthCheck verifies the infrastructure connections. Disabled clients are nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttAdapter adapts the infrastructure MQTT client to platform.MQTTClient.
// The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Platform expects: func(topic, payload []byte)
type mqttAdapter struct {
	client *mqtt.Client
}

// Publish implements platform.MQTTClient.
func (a *mqttAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements platform.MQTTClient.
func (a *mqttAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements platform.MQTTClient.
func (a *mqttAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
