package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the TiVo bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	TiVo     TiVoConfig     `yaml:"tivo"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity and health reporting settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in health messages and telemetry.
	ID string `yaml:"id"`

	// HealthInterval is the seconds between periodic health publishes.
	HealthInterval int `yaml:"health_interval"`
}

// TiVoConfig contains the receiver connection settings.
type TiVoConfig struct {
	// Name is the stable device name used to derive the topic namespace.
	// It must be topic-safe: no '/', '+', '#' or whitespace.
	Name string `yaml:"name"`

	// Address is the receiver's TCP remote service, "host:port".
	// TiVo receivers listen on port 31339.
	Address string `yaml:"address"`

	// ConnectTimeout is the TCP dial timeout in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the per-read deadline in seconds. The receiver is
	// silent between channel changes, so an expiry is not an error.
	ReadTimeout int `yaml:"read_timeout"`

	Reconnect TiVoReconnectConfig `yaml:"reconnect"`
}

// TiVoReconnectConfig contains receiver reconnection settings.
// Exhausting max_attempts consecutive failures is fatal to the process.
type TiVoReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
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

// String returns a representation safe for logging (password masked).
func (a MQTTAuthConfig) String() string {
	password := a.Password
	if password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("{Username:%s Password:%s}", a.Username, password)
}

// MarshalJSON masks the password when credentials are serialised.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	type redacted MQTTAuthConfig
	masked := redacted(a)
	if masked.Password != "" {
		masked.Password = "[REDACTED]"
	}
	return json.Marshal(masked)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains channel history retention settings.
type HistoryConfig struct {
	// RetentionDays is how long channel changes are kept. 0 disables pruning.
	RetentionDays int `yaml:"retention_days"`

	// PruneInterval is the hours between retention sweeps.
	PruneInterval int `yaml:"prune_interval"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TIVO_BRIDGE_SECTION_KEY
// For example: TIVO_BRIDGE_TIVO_ADDRESS, TIVO_BRIDGE_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "tivo-bridge-01",
			HealthInterval: 30,
		},
		TiVo: TiVoConfig{
			Name:           "livingroom",
			ConnectTimeout: 10,
			ReadTimeout:    90,
			Reconnect: TiVoReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     120,
				MaxAttempts:  10,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tivo-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/tivo-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			RetentionDays: 90,
			PruneInterval: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TIVO_BRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// TiVo
	if v := os.Getenv("TIVO_BRIDGE_TIVO_NAME"); v != "" {
		cfg.TiVo.Name = v
	}
	if v := os.Getenv("TIVO_BRIDGE_TIVO_ADDRESS"); v != "" {
		cfg.TiVo.Address = v
	}

	// MQTT
	if v := os.Getenv("TIVO_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TIVO_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TIVO_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("TIVO_BRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("TIVO_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge validation
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}

	// TiVo validation. The device name becomes part of the topic namespace,
	// so it must not contain MQTT topic metacharacters.
	if c.TiVo.Name == "" {
		errs = append(errs, "tivo.name is required")
	} else if strings.ContainsAny(c.TiVo.Name, "/+# \t") {
		errs = append(errs, "tivo.name must not contain '/', '+', '#' or whitespace")
	}
	if c.TiVo.Address == "" {
		errs = append(errs, "tivo.address is required (host:port of the receiver)")
	} else if _, _, err := net.SplitHostPort(c.TiVo.Address); err != nil {
		errs = append(errs, fmt.Sprintf("tivo.address %q is not a valid host:port", c.TiVo.Address))
	}
	if c.TiVo.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "tivo.reconnect.max_attempts must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// History validation
	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TopicRoot returns the MQTT namespace for this receiver, "tivo/<name>".
func (t TiVoConfig) TopicRoot() string {
	return "tivo/" + t.Name
}

// GetConnectTimeout returns the receiver dial timeout as a Duration.
func (t TiVoConfig) GetConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the receiver read deadline as a Duration.
func (t TiVoConfig) GetReadTimeout() time.Duration {
	return time.Duration(t.ReadTimeout) * time.Second
}

// GetReconnectInitialDelay returns the first reconnect backoff as a Duration.
func (t TiVoConfig) GetReconnectInitialDelay() time.Duration {
	return time.Duration(t.Reconnect.InitialDelay) * time.Second
}

// GetReconnectMaxDelay returns the backoff ceiling as a Duration.
func (t TiVoConfig) GetReconnectMaxDelay() time.Duration {
	return time.Duration(t.Reconnect.MaxDelay) * time.Second
}

// GetHealthInterval returns the health publish interval as a Duration.
func (b BridgeConfig) GetHealthInterval() time.Duration {
	return time.Duration(b.HealthInterval) * time.Second
}

// GetRetention returns the history retention window as a Duration.
func (h HistoryConfig) GetRetention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// GetPruneInterval returns the retention sweep interval as a Duration.
func (h HistoryConfig) GetPruneInterval() time.Duration {
	return time.Duration(h.PruneInterval) * time.Hour
}
