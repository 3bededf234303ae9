// Package config provides configuration loading for the control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	PayTR     PayTRConfig     `mapstructure:"paytr"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	BaseURL      string        `mapstructure:"base_url"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	// PortMin/PortMax bound the per-workspace code-server port allocation.
	PortMin int `mapstructure:"port_min"`
	PortMax int `mapstructure:"port_max"`
	// BaseDir is the parent of every workspace home directory.
	BaseDir string `mapstructure:"base_dir"`
	// Domain is the apex under which workspace subdomains are routed.
	Domain        string `mapstructure:"domain"`
	CodeServerBin string `mapstructure:"code_server_bin"`
	// ProvisionWorkers bounds concurrent provisioning runs.
	ProvisionWorkers int           `mapstructure:"provision_workers"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
}

// ProxyConfig holds reverse-proxy dynamic configuration settings.
type ProxyConfig struct {
	// DynamicConfigPath is the Traefik file-provider YAML the manager owns.
	DynamicConfigPath string `mapstructure:"dynamic_config_path"`
	// AuthVerifyURL is the forward-auth endpoint the proxy calls per request.
	AuthVerifyURL string `mapstructure:"auth_verify_url"`
	EntryPoint    string `mapstructure:"entry_point"`
	CertResolver  string `mapstructure:"cert_resolver"`
}

// PayTRConfig holds payment gateway credentials.
type PayTRConfig struct {
	MerchantID   string `mapstructure:"merchant_id"`
	MerchantKey  string `mapstructure:"merchant_key"`
	MerchantSalt string `mapstructure:"merchant_salt"`
	TestMode     bool   `mapstructure:"test_mode"`
	TimeoutLimit int    `mapstructure:"timeout_limit"`
}

// AuthConfig holds session configuration for the forward-auth endpoint.
type AuthConfig struct {
	SessionSecret string        `mapstructure:"session_secret"`
	SessionName   string        `mapstructure:"session_name"`
	SessionExpiry time.Duration `mapstructure:"session_expiry"`
	LoginURL      string        `mapstructure:"login_url"`
	// MaxLoginAttempts failures lock an account for LockoutDuration.
	MaxLoginAttempts int           `mapstructure:"max_login_attempts"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// LifecycleConfig holds schedules for the background jobs.
type LifecycleConfig struct {
	AutoStopSchedule  string `mapstructure:"auto_stop_schedule"`
	MetricsSchedule   string `mapstructure:"metrics_schedule"`
	RetentionSchedule string `mapstructure:"retention_schedule"`
	MetricsKeepDays   int    `mapstructure:"metrics_keep_days"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/atolye")

	// Enable environment variable override
	v.SetEnvPrefix("ATOLYE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind PayTR environment variables (nested struct issue with viper)
	v.BindEnv("paytr.merchant_id", "PAYTR_MERCHANT_ID")
	v.BindEnv("paytr.merchant_key", "PAYTR_MERCHANT_KEY")
	v.BindEnv("paytr.merchant_salt", "PAYTR_MERCHANT_SALT")
	v.BindEnv("paytr.test_mode", "PAYTR_TEST_MODE")
	v.BindEnv("paytr.timeout_limit", "PAYTR_TIMEOUT_LIMIT")

	// Conventional DB_* names used by deployment tooling
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_NAME")

	v.BindEnv("server.base_url", "BASE_URL")
	v.BindEnv("auth.session_secret", "SECRET_KEY")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Workspace.PortMin <= 0 || cfg.Workspace.PortMax < cfg.Workspace.PortMin {
		return nil, fmt.Errorf("invalid workspace port range [%d, %d]", cfg.Workspace.PortMin, cfg.Workspace.PortMax)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.base_url", "http://localhost:8080")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "atolye")
	v.SetDefault("database.password", "atolye")
	v.SetDefault("database.database", "atolye")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Workspace defaults
	v.SetDefault("workspace.port_min", 10000)
	v.SetDefault("workspace.port_max", 10999)
	v.SetDefault("workspace.base_dir", "/home")
	v.SetDefault("workspace.domain", "atolye.dev")
	v.SetDefault("workspace.code_server_bin", "/usr/bin/code-server")
	v.SetDefault("workspace.provision_workers", 4)
	v.SetDefault("workspace.command_timeout", "5m")

	// Proxy defaults
	v.SetDefault("proxy.dynamic_config_path", "/etc/traefik/dynamic/workspaces.yml")
	v.SetDefault("proxy.auth_verify_url", "http://127.0.0.1:8080/api/auth/verify")
	v.SetDefault("proxy.entry_point", "websecure")
	v.SetDefault("proxy.cert_resolver", "letsencrypt")

	// PayTR defaults
	v.SetDefault("paytr.test_mode", true)
	v.SetDefault("paytr.timeout_limit", 30)

	// Auth defaults
	v.SetDefault("auth.session_name", "atolye_session")
	v.SetDefault("auth.session_expiry", "168h") // 7 days
	v.SetDefault("auth.login_url", "/login")
	v.SetDefault("auth.max_login_attempts", 5)
	v.SetDefault("auth.lockout_duration", "15m")

	// Lifecycle defaults
	v.SetDefault("lifecycle.auto_stop_schedule", "@every 10m")
	v.SetDefault("lifecycle.metrics_schedule", "@every 1m")
	v.SetDefault("lifecycle.retention_schedule", "@daily")
	v.SetDefault("lifecycle.metrics_keep_days", 30)
}
