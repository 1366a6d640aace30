package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
)

// minJWTSecretLength is the shortest accepted signing secret.
const minJWTSecretLength = 32

// Config is the root configuration for the Crestron bridge.
// Values come from defaults, then the YAML file, then CRESTRON_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Crestron  CrestronConfig  `yaml:"crestron"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// CrestronConfig describes the control processor and the accessories it exposes.
type CrestronConfig struct {
	// Host is the processor address. Empty disables the integration.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// HealthInterval is how often bridge health is published over MQTT.
	HealthInterval time.Duration `yaml:"health_interval"`

	Accessories []AccessoryConfig `yaml:"accessories"`
}

// Enabled reports whether a processor host is configured.
func (c CrestronConfig) Enabled() bool {
	return c.Host != ""
}

// AccessoryConfig declares one accessory.
type AccessoryConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// HeaterCooler threshold bounds. Zero means default.
	MinValue int `yaml:"min_value"`
	MaxValue int `yaml:"max_value"`
	MinStep  int `yaml:"min_step"`

	TemperatureDisplayUnits int `yaml:"temperature_display_units"`
}

// Descriptor converts the entry into an accessory descriptor.
func (a AccessoryConfig) Descriptor() accessory.Descriptor {
	return accessory.Descriptor{
		ID:                      a.ID,
		Name:                    a.Name,
		Type:                    a.Type,
		MinValue:                a.MinValue,
		MaxValue:                a.MaxValue,
		MinStep:                 a.MinStep,
		TemperatureDisplayUnits: a.TemperatureDisplayUnits,
	}
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays bounds characteristic history. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// ReadTimeout returns Read as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout returns Write as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout returns Idle as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig controls the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains API token settings. An empty secret leaves the API open.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading order is defaults, then file values, then CRESTRON_* variables
// such as CRESTRON_HOST, CRESTRON_PORT or CRESTRON_MQTT_HOST.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Home",
			Timezone: "UTC",
		},
		Crestron: CrestronConfig{
			Port:           41794,
			ReconnectDelay: 2 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   5 * time.Second,
			HealthInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:          "./data/crestron-bridge.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "crestron-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8089,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// envOverrides maps CRESTRON_* variables onto fields. Secrets belong here
// rather than in the YAML file.
func envOverrides(cfg *Config) map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err //nolint:wrapcheck // wrapped with the variable name by the caller
			}
			*dst = n
			return nil
		}
	}
	return map[string]func(string) error{
		"CRESTRON_HOST":           str(&cfg.Crestron.Host),
		"CRESTRON_PORT":           num(&cfg.Crestron.Port),
		"CRESTRON_DATABASE_PATH":  str(&cfg.Database.Path),
		"CRESTRON_MQTT_HOST":      str(&cfg.MQTT.Broker.Host),
		"CRESTRON_MQTT_PORT":      num(&cfg.MQTT.Broker.Port),
		"CRESTRON_MQTT_USERNAME":  str(&cfg.MQTT.Auth.Username),
		"CRESTRON_MQTT_PASSWORD":  str(&cfg.MQTT.Auth.Password),
		"CRESTRON_API_HOST":       str(&cfg.API.Host),
		"CRESTRON_API_PORT":       num(&cfg.API.Port),
		"CRESTRON_INFLUXDB_URL":   str(&cfg.InfluxDB.URL),
		"CRESTRON_INFLUXDB_TOKEN": str(&cfg.InfluxDB.Token),
		"CRESTRON_JWT_SECRET":     str(&cfg.Security.JWT.Secret),
		"CRESTRON_LOG_LEVEL":      str(&cfg.Logging.Level),
	}
}

// applyEnvOverrides applies every set CRESTRON_* variable and reports all
// malformed values together.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	for name, apply := range envOverrides(cfg) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := apply(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Site.ID == "" {
		errs = append(errs, errors.New("site.id is required"))
	}

	errs = append(errs, c.Crestron.validate()...)

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, errors.New("database.retention_days must not be negative"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1, or 2"))
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, errors.New("api.port must be between 1 and 65535"))
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, errors.New("influxdb.url is required when influxdb is enabled"))
	}

	// Tokens signed with a short secret are trivially forged.
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}

func (c CrestronConfig) validate() []error {
	var errs []error

	if c.Enabled() && (c.Port < 1 || c.Port > 65535) {
		errs = append(errs, errors.New("crestron.port must be between 1 and 65535"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, errors.New("crestron.reconnect_delay must not be negative"))
	}

	seen := make(map[string]bool, len(c.Accessories))
	for i, a := range c.Accessories {
		if _, err := accessory.ParseKind(a.Type); err != nil {
			errs = append(errs, fmt.Errorf("crestron.accessories[%d]: %w", i, err))
			continue
		}
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("crestron.accessories[%d]: name is required", i))
		}
		key := a.Type + ":" + strconv.Itoa(a.ID)
		if seen[key] {
			errs = append(errs, fmt.Errorf("crestron.accessories[%d]: duplicate accessory %s", i, key))
		}
		seen[key] = true
	}

	return errs
}

// HistoryRetention returns how long characteristic history is kept.
// Zero means history is never pruned.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}
