// Package config loads and validates changewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Browser       BrowserConfig       `mapstructure:"browser"`
	Proxies       ProxyConfig         `mapstructure:"proxies"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Storage       StorageConfig       `mapstructure:"storage"`
	DataDir       string              `mapstructure:"datadir"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the rotated file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress    bool   `mapstructure:"compress"`
}

// SchedulerConfig governs the due-set loop.
type SchedulerConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	MinutesBetweenCheck int           `mapstructure:"minutes_between_check" validate:"gt=0"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count        int           `mapstructure:"count" validate:"gt=0"`
	IdleInterval time.Duration `mapstructure:"idle_interval" validate:"gt=0"`
}

// HTTPConfig configures the plain HTTP fetch strategy.
type HTTPConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds" validate:"gt=0"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
}

// BrowserConfig points at the remote browser used by the webdriver strategy.
type BrowserConfig struct {
	URL               string        `mapstructure:"url" validate:"omitempty,url"`
	MaxParallel       int           `mapstructure:"max_parallel" validate:"gte=0"`
	NavTimeoutSeconds int           `mapstructure:"nav_timeout_seconds" validate:"gte=0"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" validate:"gte=0"`
}

// ProxyConfig lists the outbound proxies for the HTTP strategy.
type ProxyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	List       []string      `mapstructure:"list"`
	RetryAfter time.Duration `mapstructure:"retry_after" validate:"gte=0"`
}

// NotificationsConfig holds global destinations, templates and retry policy.
type NotificationsConfig struct {
	URLs           []string      `mapstructure:"urls"`
	Title          string        `mapstructure:"title"`
	Body           string        `mapstructure:"body"`
	Format         string        `mapstructure:"format" validate:"oneof=Text HTML Markdown"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	IdleInterval   time.Duration `mapstructure:"idle_interval" validate:"gt=0"`
}

// RateLimitConfig controls per-host politeness.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps" validate:"gte=0"`
	DefaultBurst int                `mapstructure:"default_burst" validate:"gte=0"`
	HostRPS      map[string]float64 `mapstructure:"host_rps"`
}

// RegistryConfig selects where watches live.
type RegistryConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=memory postgres"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects where snapshots live.
type StorageConfig struct {
	Driver    string `mapstructure:"driver" validate:"oneof=memory local gcs"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TelemetryConfig configures OTLP trace export. An empty endpoint keeps
// spans in-process.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Version      string  `mapstructure:"version"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("scheduler.tick_interval", "3s")
	v.SetDefault("scheduler.minutes_between_check", watch.DefaultMinutesBetweenCheck)
	v.SetDefault("workers.count", 10)
	v.SetDefault("workers.idle_interval", "1s")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; changewatch/1.0)")
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.settle_delay", "5s")
	v.SetDefault("browser.ready_timeout", "5s")
	v.SetDefault("proxies.enabled", false)
	v.SetDefault("notifications.format", string(watch.FormatText))
	v.SetDefault("notifications.max_attempts", 1)
	v.SetDefault("notifications.initial_backoff", "500ms")
	v.SetDefault("notifications.max_backoff", "30s")
	v.SetDefault("notifications.send_timeout", "30s")
	v.SetDefault("notifications.idle_interval", "1s")
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("registry.driver", "memory")
	v.SetDefault("registry.table", "watches")
	v.SetDefault("registry.auto_migrate", true)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("telemetry.service_name", "changewatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Registry.Driver == "postgres" && c.Registry.DSN == "" {
		return fmt.Errorf("registry.dsn must be set when registry.driver is postgres")
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.LocalDir == "" && c.DataDir == "" {
			return fmt.Errorf("storage.local_dir or datadir must be set when storage.driver is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.driver is gcs")
		}
	}
	if c.Proxies.Enabled && len(c.Proxies.List) == 0 {
		return fmt.Errorf("proxies.list must not be empty when proxies are enabled")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SnapshotDir resolves the local snapshot directory.
func (c Config) SnapshotDir() string {
	if c.Storage.LocalDir != "" {
		return c.Storage.LocalDir
	}
	return strings.TrimRight(c.DataDir, "/") + "/snapshots"
}
