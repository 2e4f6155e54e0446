package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	TenantID    string           `mapstructure:"tenant_id"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Security    SecurityConfig   `mapstructure:"security"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring  MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN builds a postgres connection string from the configured fields.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SecurityConfig contains detection thresholds and the webhook shared secret.
//
// Threshold defaults are deliberate: they come from long-running production
// tuning of the monitoring pipeline and the tests assert against them.
type SecurityConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
	WebhookPrefix string `mapstructure:"webhook_prefix"`

	BruteForceIPThreshold     int           `mapstructure:"brute_force_ip_threshold"`
	CredentialStuffThreshold  int           `mapstructure:"credential_stuff_threshold"`
	AuthFailureWindow         time.Duration `mapstructure:"auth_failure_window"`
	AbuseRequestThreshold     int           `mapstructure:"abuse_request_threshold"`
	AbuseWindow               time.Duration `mapstructure:"abuse_window"`
	ForgeryBlockThreshold     int           `mapstructure:"forgery_block_threshold"`
	ForgeryWindow             time.Duration `mapstructure:"forgery_window"`
	RateViolationAutoBlock    int           `mapstructure:"rate_violation_auto_block"`
	DemographicParityMaxDelta float64       `mapstructure:"demographic_parity_max_delta"`
	DisparateImpactMinRatio   float64       `mapstructure:"disparate_impact_min_ratio"`
	IncidentArchiveAge        time.Duration `mapstructure:"incident_archive_age"`
	RetentionHorizon          time.Duration `mapstructure:"retention_horizon"`
	CheckInterval             time.Duration `mapstructure:"check_interval"`
	ErrorBackoff              time.Duration `mapstructure:"error_backoff"`
	CheckTimeout              time.Duration `mapstructure:"check_timeout"`
}

// RateLimitConfig maps path prefixes to request budgets. Longest matching
// prefix wins; the default bucket applies when nothing matches.
type RateLimitConfig struct {
	Default RateLimitBucket            `mapstructure:"default"`
	Paths   map[string]RateLimitBucket `mapstructure:"paths"`
}

// RateLimitBucket is one {max requests, window} budget.
type RateLimitBucket struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// MonitoringConfig contains observability settings
type MonitoringConfig struct {
	EnableMetrics     bool          `mapstructure:"enable_metrics"`
	DashboardInterval time.Duration `mapstructure:"dashboard_interval"`
}

// Load reads configuration from the given file (optional) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.HTTPPort)
	}
	if c.Security.BruteForceIPThreshold <= 0 {
		return fmt.Errorf("brute force threshold must be positive")
	}
	if c.Security.DisparateImpactMinRatio <= 0 || c.Security.DisparateImpactMinRatio > 1 {
		return fmt.Errorf("disparate impact ratio must be in (0, 1]")
	}
	if c.RateLimit.Default.MaxRequests <= 0 || c.RateLimit.Default.Window <= 0 {
		return fmt.Errorf("default rate limit bucket must be positive")
	}
	// Without a secret the signature degrades to sha256(payload), which
	// anyone can compute.
	if c.Environment == "production" && c.Security.WebhookSecret == "" {
		return fmt.Errorf("security.webhook_secret is required in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("tenant_id", "")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "realguard")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)

	// Security defaults
	v.SetDefault("security.webhook_prefix", "/webhooks")
	v.SetDefault("security.brute_force_ip_threshold", 10)
	v.SetDefault("security.credential_stuff_threshold", 5)
	v.SetDefault("security.auth_failure_window", "5m")
	v.SetDefault("security.abuse_request_threshold", 500)
	v.SetDefault("security.abuse_window", "5m")
	v.SetDefault("security.forgery_block_threshold", 3)
	v.SetDefault("security.forgery_window", "1h")
	v.SetDefault("security.rate_violation_auto_block", 10)
	v.SetDefault("security.demographic_parity_max_delta", 0.05)
	v.SetDefault("security.disparate_impact_min_ratio", 0.8)
	v.SetDefault("security.incident_archive_age", "720h") // 30 days
	v.SetDefault("security.retention_horizon", "61320h")  // 7 years
	v.SetDefault("security.check_interval", "15s")
	v.SetDefault("security.error_backoff", "5s")
	v.SetDefault("security.check_timeout", "5s")

	// Rate limit defaults
	v.SetDefault("rate_limit.default.max_requests", 100)
	v.SetDefault("rate_limit.default.window", "1m")
	v.SetDefault("rate_limit.paths", map[string]RateLimitBucket{
		"/api/v1/auth":   {MaxRequests: 20, Window: time.Minute},
		"/webhooks":      {MaxRequests: 200, Window: time.Minute},
		"/api/v1/claude": {MaxRequests: 60, Window: time.Minute},
	})

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.dashboard_interval", "5s")
}
