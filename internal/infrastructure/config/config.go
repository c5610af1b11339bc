package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version      string `koanf:"version"`
	Environment  string `koanf:"environment"`
	LogLevel     string `koanf:"log_level"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	Server       ServerConfig       `koanf:"server"`
	Redis        RedisConfig        `koanf:"redis"`
	AuditDB      AuditDBConfig      `koanf:"audit_db"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Lockout      LockoutConfig      `koanf:"lockout"`
	Session      SessionConfig      `koanf:"session"`
	Anomaly      AnomalyConfig      `koanf:"anomaly"`
	Notification NotificationConfig `koanf:"notification"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RedisConfig describes the shared distributed store. An empty Addr selects
// the process-local fallback at startup.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	OpTimeout    time.Duration `koanf:"op_timeout"`
}

// AuditDBConfig points at the platform's append-only audit log, which this
// core reads and never writes.
type AuditDBConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// RoutePolicy is one {requests, window} pair.
type RoutePolicy struct {
	Requests int           `koanf:"requests" validate:"gt=0"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

// RouteRule binds a policy to a path. Exact entries take priority over
// prefix entries; among prefixes the longest match wins.
type RouteRule struct {
	Path     string        `koanf:"path" validate:"required"`
	Prefix   bool          `koanf:"prefix"`
	Requests int           `koanf:"requests" validate:"gt=0"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

type RateLimitConfig struct {
	Default RoutePolicy `koanf:"default"`
	Routes  []RouteRule `koanf:"routes" validate:"dive"`
}

type LockoutConfig struct {
	MaxFailedAttempts int           `koanf:"max_failed_attempts" validate:"gt=0"`
	AttemptWindow     time.Duration `koanf:"attempt_window" validate:"gt=0"`
	LockoutDuration   time.Duration `koanf:"lockout_duration" validate:"gt=0"`
	CaptchaThreshold  int           `koanf:"captcha_threshold" validate:"gt=0"`
}

type SessionConfig struct {
	MaxConcurrentSessions int           `koanf:"max_concurrent_sessions" validate:"gt=0"`
	ConcurrentWindow      time.Duration `koanf:"concurrent_window" validate:"gt=0"`
	MaxIPChangesPerHour   int           `koanf:"max_ip_changes_per_hour" validate:"gt=0"`
	DeviceLookback        time.Duration `koanf:"device_lookback" validate:"gt=0"`
}

type AnomalyConfig struct {
	FailedLoginsPerOrigin int           `koanf:"failed_logins_per_origin" validate:"gt=0"`
	OriginChurnCount      int           `koanf:"origin_churn_count" validate:"gt=0"`
	OriginChurnWindow     time.Duration `koanf:"origin_churn_window" validate:"gt=0"`
	CompromiseViewCount   int           `koanf:"compromise_view_count" validate:"gt=0"`
	ExportThreshold       int           `koanf:"export_threshold" validate:"gt=0"`
	EventHistoryLimit     int           `koanf:"event_history_limit" validate:"gt=0"`
	EventRetention        time.Duration `koanf:"event_retention" validate:"gt=0"`
	SweepInterval         time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

type NotificationConfig struct {
	QueueSize      int           `koanf:"queue_size" validate:"gt=0"`
	AlertCooldown  time.Duration `koanf:"alert_cooldown"`
	WebhookURL     string        `koanf:"webhook_url"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
	SESRegion      string        `koanf:"ses_region"`
	SESFromAddress string        `koanf:"ses_from_address"`
}

// Load reads configuration from defaults, an optional YAML file, and
// VH_-prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Double underscore separates hierarchy levels so snake_case keys
	// survive: VH_LOCKOUT__MAX_FAILED_ATTEMPTS -> lockout.max_failed_attempts.
	if err := k.Load(env.Provider("VH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VH_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects malformed thresholds. Configuration errors are fatal at
// startup, never at request time.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Lockout.CaptchaThreshold >= c.Lockout.MaxFailedAttempts {
		return fmt.Errorf("invalid configuration: captcha_threshold (%d) must be below max_failed_attempts (%d)",
			c.Lockout.CaptchaThreshold, c.Lockout.MaxFailedAttempts)
	}

	seen := make(map[string]bool, len(c.RateLimit.Routes))
	for _, route := range c.RateLimit.Routes {
		key := route.Path
		if route.Prefix {
			key = route.Path + "*"
		}
		if seen[key] {
			return fmt.Errorf("invalid configuration: duplicate rate limit route %q", key)
		}
		seen[key] = true
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			OpTimeout:    2 * time.Second,
		},
		AuditDB: AuditDBConfig{
			MaxOpenConns: 10,
		},
		RateLimit: RateLimitConfig{
			Default: RoutePolicy{
				Requests: 100,
				Window:   time.Minute,
			},
			Routes: []RouteRule{
				{Path: "/api/auth/login", Requests: 5, Window: 15 * time.Minute},
				{Path: "/api/auth/", Prefix: true, Requests: 20, Window: time.Minute},
				{Path: "/api/export/", Prefix: true, Requests: 10, Window: time.Hour},
			},
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			AttemptWindow:     15 * time.Minute,
			LockoutDuration:   30 * time.Minute,
			CaptchaThreshold:  3,
		},
		Session: SessionConfig{
			MaxConcurrentSessions: 3,
			ConcurrentWindow:      60 * time.Second,
			MaxIPChangesPerHour:   5,
			DeviceLookback:        24 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			FailedLoginsPerOrigin: 5,
			OriginChurnCount:      3,
			OriginChurnWindow:     5 * time.Minute,
			CompromiseViewCount:   20,
			ExportThreshold:       5,
			EventHistoryLimit:     100,
			EventRetention:        7 * 24 * time.Hour,
			SweepInterval:         time.Hour,
		},
		Notification: NotificationConfig{
			QueueSize:      256,
			AlertCooldown:  5 * time.Minute,
			WebhookTimeout: 5 * time.Second,
		},
	}
}
