package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SIDE_KMS_URL.
const EnvPrefix = "SIDE"

type Config struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Service string        `mapstructure:"service"`
	Version string        `mapstructure:"version"`
	Batch   BatchConfig   `mapstructure:"batch"`
	KMS     KMSConfig     `mapstructure:"kms"`
	Health  HealthConfig  `mapstructure:"health"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
}

type BatchConfig struct {
	Size         int           `mapstructure:"size"`
	TimeInterval time.Duration `mapstructure:"time_interval"`
	EmitEmpty    bool          `mapstructure:"emit_empty"`
}

type KMSConfig struct {
	URL               string        `mapstructure:"url"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	DSN      string         `mapstructure:"dsn"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig is an alternative to StorageConfig.DSN for the postgres driver.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 5678)
	v.SetDefault("service", "")
	v.SetDefault("version", "0.1.0")

	v.SetDefault("batch.size", 64)
	v.SetDefault("batch.time_interval", "5m")
	v.SetDefault("batch.emit_empty", false)

	v.SetDefault("kms.url", "ws://localhost:8080/sidecar")
	v.SetDefault("kms.ping_interval", "30s")
	v.SetDefault("kms.request_timeout", "5s")
	v.SetDefault("kms.connect_timeout", "60s")
	v.SetDefault("kms.reconnect_interval", "5s")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":6789")

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "data/sidecar.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.database.host", "")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.database", "")
	v.SetDefault("storage.database.user", "")
	v.SetDefault("storage.database.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.slack_webhook", "")
}

// Load reads configPath (optional) and applies SIDE_* environment overrides
// on top of the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive")
	}
	if c.Batch.TimeInterval <= 0 {
		return fmt.Errorf("batch.time_interval must be positive")
	}
	if c.KMS.URL == "" {
		return fmt.Errorf("kms.url is required")
	}
	if !strings.HasPrefix(c.KMS.URL, "ws://") && !strings.HasPrefix(c.KMS.URL, "wss://") {
		return fmt.Errorf("kms.url must be a ws:// or wss:// URL: %s", c.KMS.URL)
	}
	if c.KMS.PingInterval <= 0 || c.KMS.RequestTimeout <= 0 || c.KMS.ConnectTimeout <= 0 || c.KMS.ReconnectInterval <= 0 {
		return fmt.Errorf("kms intervals and timeouts must be positive")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	switch c.Storage.Driver {
	case "bolt", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case "postgres":
		if c.Storage.DSN == "" && c.Storage.Database.Host == "" {
			return fmt.Errorf("storage.dsn or storage.database.host is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (valid options: bolt, postgres, sqlite)", c.Storage.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}

// ListenAddr is the address of the local framing listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PostgresDSN returns storage.dsn, or builds one from storage.database.
func (s *StorageConfig) PostgresDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return s.Database.ConnectionString()
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
