// Package config loads fieldcash configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/fieldcash/cash"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Log       LogConfig
	Session   SessionConfig
	Calendar  CalendarConfig
	Device    DeviceConfig
	Remote    RemoteConfig
	CashState CashStateConfig
	Sync      SyncConfig
	Rollover  RolloverConfig
	Kafka     KafkaConfig
}

type AppConfig struct {
	Env string
	// DeviceID identifies this installation in audit records and Kafka messages.
	DeviceID string
}

type HTTPConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	CORSAllowOrigins []string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// SessionConfig identifies who operates the device.
type SessionConfig struct {
	OwnerID  string
	TenantID string
	Role     string
	RouteID  string
}

type CalendarConfig struct {
	Timezone string
}

// DeviceConfig locates the device database (queue record, cash state).
type DeviceConfig struct {
	Path string
}

type RemoteConfig struct {
	Driver string // sqlite3 or postgres
	DSN    string
}

type CashStateConfig struct {
	Backend       string // device or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type SyncConfig struct {
	BatchSize       int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	Debounce        time.Duration
	PulseInterval   time.Duration
	StaleProcessing time.Duration
}

type RolloverConfig struct {
	LookbackDays int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

// Load reads configuration.
// Priority (highest to lowest):
// 1. Environment variables with FIELDCASH_ prefix (e.g., FIELDCASH_SESSION_OWNER_ID)
// 2. .env in the working directory
// 3. fieldcash.toml, or file when given
// 4. Built-in defaults
func Load(file string) (*Config, error) {
	// .env never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fieldcash")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fieldcash")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FIELDCASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("app.env"),
			DeviceID: v.GetString("app.device_id"),
		},
		HTTP: HTTPConfig{
			Port:             v.GetString("http.port"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			CORSAllowOrigins: splitList(v.GetStringSlice("http.cors_allow_origins")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Session: SessionConfig{
			OwnerID:  v.GetString("session.owner_id"),
			TenantID: v.GetString("session.tenant_id"),
			Role:     v.GetString("session.role"),
			RouteID:  v.GetString("session.route_id"),
		},
		Calendar: CalendarConfig{
			Timezone: v.GetString("calendar.timezone"),
		},
		Device: DeviceConfig{
			Path: v.GetString("device.path"),
		},
		Remote: RemoteConfig{
			Driver: v.GetString("remote.driver"),
			DSN:    v.GetString("remote.dsn"),
		},
		CashState: CashStateConfig{
			Backend:       v.GetString("cash_state.backend"),
			RedisAddr:     v.GetString("cash_state.redis_addr"),
			RedisPassword: v.GetString("cash_state.redis_password"),
			RedisDB:       v.GetInt("cash_state.redis_db"),
		},
		Sync: SyncConfig{
			BatchSize:       v.GetInt("sync.batch_size"),
			MaxAttempts:     v.GetInt("sync.max_attempts"),
			BaseBackoff:     v.GetDuration("sync.base_backoff"),
			MaxBackoff:      v.GetDuration("sync.max_backoff"),
			Debounce:        v.GetDuration("sync.debounce"),
			PulseInterval:   v.GetDuration("sync.pulse_interval"),
			StaleProcessing: v.GetDuration("sync.stale_processing"),
		},
		Rollover: RolloverConfig{
			LookbackDays: v.GetInt("rollover.lookback_days"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.DeviceID == "" {
		cfg.App.DeviceID = "device-local"
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 {
		cfg.HTTP.CORSAllowOrigins = []string{"*"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = "UTC"
	}
	if cfg.Device.Path == "" {
		cfg.Device.Path = "fieldcash-device.db"
	}
	if cfg.Remote.Driver == "" {
		cfg.Remote.Driver = "sqlite3"
	}
	if cfg.Remote.DSN == "" && cfg.Remote.Driver == "sqlite3" {
		cfg.Remote.DSN = "fieldcash-remote.db"
	}
	if cfg.CashState.Backend == "" {
		cfg.CashState.Backend = "device"
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 50
	}
	if cfg.Sync.MaxAttempts == 0 {
		cfg.Sync.MaxAttempts = 8
	}
	if cfg.Sync.BaseBackoff == 0 {
		cfg.Sync.BaseBackoff = time.Second
	}
	if cfg.Sync.MaxBackoff == 0 {
		cfg.Sync.MaxBackoff = 60 * time.Second
	}
	if cfg.Sync.Debounce == 0 {
		cfg.Sync.Debounce = 1500 * time.Millisecond
	}
	if cfg.Sync.PulseInterval == 0 {
		cfg.Sync.PulseInterval = 60 * time.Second
	}
	if cfg.Sync.StaleProcessing == 0 {
		cfg.Sync.StaleProcessing = 10 * time.Minute
	}
	if cfg.Rollover.LookbackDays == 0 {
		cfg.Rollover.LookbackDays = cash.DefaultLookbackDays
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "fieldcash.events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "fieldcash-" + cfg.App.DeviceID
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Session.OwnerID == "" {
		return fmt.Errorf("session.owner_id is required")
	}
	switch c.Remote.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("remote.driver must be sqlite3 or postgres, got %q", c.Remote.Driver)
	}
	if c.Remote.DSN == "" {
		return fmt.Errorf("remote.dsn is required for driver %s", c.Remote.Driver)
	}
	switch c.CashState.Backend {
	case "device":
	case "redis":
		if c.CashState.RedisAddr == "" {
			return fmt.Errorf("cash_state.redis_addr is required when cash_state.backend is redis")
		}
	default:
		return fmt.Errorf("cash_state.backend must be device or redis, got %q", c.CashState.Backend)
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size cannot be negative")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync.max_backoff (%s) cannot be below sync.base_backoff (%s)",
			c.Sync.MaxBackoff, c.Sync.BaseBackoff)
	}
	if c.Rollover.LookbackDays < 1 {
		return fmt.Errorf("rollover.lookback_days must be positive")
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone %q is not a valid IANA zone: %w", c.Calendar.Timezone, err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	if c.App.Env == "production" {
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("http.cors_allow_origins cannot be '*' in production")
			}
		}
	}
	return nil
}

// splitList also accepts comma-separated values, which is how lists arrive
// from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
