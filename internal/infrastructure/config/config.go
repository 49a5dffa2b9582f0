package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the shepherd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Shepherd  ShepherdConfig  `yaml:"shepherd"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ShepherdConfig contains the node lifecycle and request coordination settings.
type ShepherdConfig struct {
	// ID identifies this shepherd instance in logs and status payloads.
	ID string `yaml:"id"`

	// Codec selects the payload encoding shared with devices: "json" or "cbor".
	Codec string `yaml:"codec"`

	// TopicPrefix is prepended to every LwMQN topic (e.g. "site1" gives "site1/register").
	// Empty means topics are used as-is.
	TopicPrefix string `yaml:"topic_prefix"`

	// DefaultLifetime applies when a register message carries no lifetime (seconds).
	DefaultLifetime int `yaml:"default_lifetime"`

	// RequestTimeout is the deadline given to outbound requests without one.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SweepInterval is how often pending transactions are checked for expiry.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ExpiryInterval is how often device lifetimes are checked.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	// TransactionWindow is the size of the per-device transaction id space.
	TransactionWindow int `yaml:"transaction_window"`

	// AllowRenew lets an online device re-register without a Conflict response.
	AllowRenew bool `yaml:"allow_renew"`

	// PermitJoin accepts registrations from unknown devices at any time.
	// When false, joining is only possible inside a window opened via the API.
	PermitJoin bool `yaml:"permit_join"`

	// RouterShards is the number of ordered worker queues for inbound messages.
	RouterShards int `yaml:"router_shards"`

	// RouterQueue is the buffer size of each shard queue.
	RouterQueue int `yaml:"router_queue"`

	// DefaultAttributes are the device-wide reporting attributes.
	DefaultAttributes AttributesConfig `yaml:"default_attributes"`
}

// AttributesConfig mirrors the reporting attribute set in YAML form.
// Nil fields are undefined.
type AttributesConfig struct {
	Pmin   *int     `yaml:"pmin,omitempty"`
	Pmax   *int     `yaml:"pmax,omitempty"`
	Gt     *float64 `yaml:"gt,omitempty"`
	Lt     *float64 `yaml:"lt,omitempty"`
	Step   *float64 `yaml:"step,omitempty"`
	Cancel bool     `yaml:"cancel,omitempty"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings.
// MaxAttempts bounds the startup connect retries; 0 retries until the context ends.
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
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// JWTConfig contains JWT settings for the HTTP API.
// An empty secret disables API authentication.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: SHEPHERD_SECTION_KEY
// For example: SHEPHERD_DATABASE_PATH, SHEPHERD_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Shepherd: ShepherdConfig{
			ID:                "shepherd-01",
			Codec:             "json",
			DefaultLifetime:   86400,
			RequestTimeout:    10 * time.Second,
			SweepInterval:     100 * time.Millisecond,
			ExpiryInterval:    30 * time.Second,
			TransactionWindow: 65536,
			AllowRenew:        true,
			PermitJoin:        true,
			RouterShards:      8,
			RouterQueue:       256,
		},
		Database: DatabaseConfig{
			Path:        "./data/shepherd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lwmqn-shepherd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  5,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "lwmqn-shepherd",
			},
		},
	}
}

// applyEnvOverrides applies SHEPHERD_* environment variables to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Shepherd
	setString("SHEPHERD_ID", &cfg.Shepherd.ID)
	setString("SHEPHERD_CODEC", &cfg.Shepherd.Codec)
	setString("SHEPHERD_TOPIC_PREFIX", &cfg.Shepherd.TopicPrefix)
	setDuration("SHEPHERD_REQUEST_TIMEOUT", &cfg.Shepherd.RequestTimeout)
	setBool("SHEPHERD_PERMIT_JOIN", &cfg.Shepherd.PermitJoin)

	// Database
	setString("SHEPHERD_DATABASE_PATH", &cfg.Database.Path)

	// MQTT
	setString("SHEPHERD_MQTT_HOST", &cfg.MQTT.Broker.Host)
	setInt("SHEPHERD_MQTT_PORT", &cfg.MQTT.Broker.Port)
	setString("SHEPHERD_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	setString("SHEPHERD_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// API
	setString("SHEPHERD_API_HOST", &cfg.API.Host)
	setInt("SHEPHERD_API_PORT", &cfg.API.Port)

	// InfluxDB
	setBool("SHEPHERD_INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	setString("SHEPHERD_INFLUXDB_URL", &cfg.InfluxDB.URL)
	setString("SHEPHERD_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Logging
	setString("SHEPHERD_LOG_LEVEL", &cfg.Logging.Level)

	// Security
	setString("SHEPHERD_JWT_SECRET", &cfg.Security.JWT.Secret)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: All validation failures joined, or nil if valid
func (c *Config) Validate() error {
	var errs []error

	if c.Shepherd.ID == "" {
		errs = append(errs, errors.New("shepherd.id is required"))
	}
	switch c.Shepherd.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("shepherd.codec %q must be json or cbor", c.Shepherd.Codec))
	}
	if c.Shepherd.DefaultLifetime <= 0 {
		errs = append(errs, errors.New("shepherd.default_lifetime must be positive"))
	}
	if c.Shepherd.RequestTimeout <= 0 {
		errs = append(errs, errors.New("shepherd.request_timeout must be positive"))
	}
	if c.Shepherd.SweepInterval <= 0 {
		errs = append(errs, errors.New("shepherd.sweep_interval must be positive"))
	}
	if c.Shepherd.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("shepherd.expiry_interval must be positive"))
	}
	if c.Shepherd.TransactionWindow < 1 || c.Shepherd.TransactionWindow > 65536 {
		errs = append(errs, errors.New("shepherd.transaction_window must be between 1 and 65536"))
	}
	if c.Shepherd.RouterShards < 1 {
		errs = append(errs, errors.New("shepherd.router_shards must be at least 1"))
	}
	if c.Shepherd.RouterQueue < 1 {
		errs = append(errs, errors.New("shepherd.router_queue must be at least 1"))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
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

	// An empty secret turns API auth off; a short one is always a mistake.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, errors.New("security.jwt.secret must be at least 32 characters"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
