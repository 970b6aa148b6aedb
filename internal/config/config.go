package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Safety      SafetyConfig      `yaml:"safety"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Retry       RetryConfig       `yaml:"retry"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Security    SecurityConfig    `yaml:"security"`
	Mail        MailConfig        `yaml:"mail"`
}

// MailConfig points the email.reply action at the outbound mail gateway.
type MailConfig struct {
	GatewayURL string        `yaml:"gateway_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SafetyConfig controls the gate thresholds. The numbers are documented
// defaults, not business constants; deployments tune them per tier.
type SafetyConfig struct {
	ContactDailyCap  int           `yaml:"contact_daily_cap"` // outbound replies per contact per rolling day
	ContactWindow    time.Duration `yaml:"contact_window"`
	UserBurstCap     int           `yaml:"user_burst_cap"` // actions per user per burst window
	UserBurstWindow  time.Duration `yaml:"user_burst_window"`
	ThrottledActions []string      `yaml:"throttled_actions"` // action types counted against the contact cap
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // cadence for clearing idle window entries
}

type IdempotencyConfig struct {
	Retention     time.Duration `yaml:"retention"`      // how long finished records are kept
	PruneInterval time.Duration `yaml:"prune_interval"` // background prune cadence
}

type CredentialsConfig struct {
	EncryptionKey    string        `yaml:"encryption_key"`    // passphrase for token encryption at rest
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive refresh failures before suspension
	ExpirySkew       time.Duration `yaml:"expiry_skew"`       // refresh this long before actual expiry
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`     // plaintext transport (local/dev)
	SampleRatio float64 `yaml:"sample_ratio"` // 0.0~1.0
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// GetDefaultConfig returns the configuration used when no config file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "flowpilot",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/flowpilot.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "flowpilot",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values for the engine sections so a partial config
// file still yields a safe gate and sane retry behavior.
func applyDefaults(cfg *Config) {
	if cfg.Safety.ContactDailyCap <= 0 {
		cfg.Safety.ContactDailyCap = 2
	}
	if cfg.Safety.ContactWindow <= 0 {
		cfg.Safety.ContactWindow = 24 * time.Hour
	}
	if cfg.Safety.UserBurstCap <= 0 {
		cfg.Safety.UserBurstCap = 50
	}
	if cfg.Safety.UserBurstWindow <= 0 {
		cfg.Safety.UserBurstWindow = 5 * time.Minute
	}
	if len(cfg.Safety.ThrottledActions) == 0 {
		cfg.Safety.ThrottledActions = []string{"email.reply"}
	}
	if cfg.Safety.SweepInterval <= 0 {
		cfg.Safety.SweepInterval = time.Hour
	}
	if cfg.Idempotency.Retention <= 0 {
		cfg.Idempotency.Retention = 30 * 24 * time.Hour
	}
	if cfg.Idempotency.PruneInterval <= 0 {
		cfg.Idempotency.PruneInterval = time.Hour
	}
	if cfg.Credentials.FailureThreshold <= 0 {
		cfg.Credentials.FailureThreshold = 3
	}
	if cfg.Credentials.ExpirySkew <= 0 {
		cfg.Credentials.ExpirySkew = time.Minute
	}
	if cfg.Credentials.RefreshTimeout <= 0 {
		cfg.Credentials.RefreshTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	if cfg.Mail.Timeout <= 0 {
		cfg.Mail.Timeout = 10 * time.Second
	}
}
