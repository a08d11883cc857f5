// Package config provides configuration management for the Carelink
// integration pipeline.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	River    RiverConfig    `mapstructure:"river"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	EMR      EMRConfig      `mapstructure:"emr"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Security SecurityConfig `mapstructure:"security"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins configures CORS. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings. A single pgxpool
// is shared between the stores and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains the settings for the shared Redis client backing
// processing locks, the outbound rate limiter, and the EMR read cache.
// Leave Addr empty to fall back to in-memory implementations.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// OCRConfig contains OCR provider and pipeline settings.
type OCRConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`

	// MaxDocumentBytes caps upload size before submission.
	MaxDocumentBytes int64 `mapstructure:"max_document_bytes"`

	// Thresholds maps document type to minimum acceptable confidence.
	Thresholds map[string]float64 `mapstructure:"thresholds"`

	// RatePerMinute caps outbound submissions to the provider.
	RatePerMinute int `mapstructure:"rate_per_minute"`

	// LockTTL bounds how long a document stays claimed when a worker dies.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// Threshold returns the confidence floor for a document type, with a
// conservative default for unknown types.
func (c OCRConfig) Threshold(docType string) float64 {
	if t, ok := c.Thresholds[docType]; ok {
		return t
	}
	return 0.85
}

// EMRConfig contains the EMR endpoint and OAuth client settings.
type EMRConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadCacheTTL   time.Duration `mapstructure:"read_cache_ttl"`
}

// WebhookConfig contains outbound delivery settings.
type WebhookConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`

	// ReplayWindow bounds signature timestamp age on verification.
	ReplayWindow time.Duration `mapstructure:"replay_window"`
}

// BreakerConfig contains circuit breaker settings shared by all targets.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// SecurityConfig contains security-related settings.
// Secrets are auto-generated on first boot if missing.
type SecurityConfig struct {
	// EncryptionKey is the master key for PHI field encryption. Hex or raw,
	// at least 32 bytes of material.
	EncryptionKey string `mapstructure:"encryption_key"`

	// FieldKeyIDs are the known key derivation IDs; ActiveKeyID is used for
	// new encryptions, the rest stay readable for rotation.
	FieldKeyIDs []string `mapstructure:"field_key_ids"`
	ActiveKeyID string   `mapstructure:"active_key_id"`

	JWTSecret string `mapstructure:"jwt_secret"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize  int `mapstructure:"general_pool_size"`
	DeliveryPoolSize int `mapstructure:"delivery_pool_size"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_URL, SERVER_PORT).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/carelink")

	// Maps nested config: database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Security.EncryptionKey) < 32 {
		return fmt.Errorf("security.encryption_key must be at least 32 characters")
	}
	if c.Security.ActiveKeyID == "" {
		return fmt.Errorf("security.active_key_id must not be empty")
	}
	for _, id := range c.Security.FieldKeyIDs {
		if id == c.Security.ActiveKeyID {
			return nil
		}
	}
	return fmt.Errorf("security.active_key_id %q not in security.field_key_ids", c.Security.ActiveKeyID)
}

// ensureSecrets auto-generates missing secrets.
func (c *Config) ensureSecrets() error {
	if c.Security.EncryptionKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate encryption key: %w", err)
		}
		c.Security.EncryptionKey = key
		logBootstrapWarn(
			"auto-generated encryption_key; set SECURITY_ENCRYPTION_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	if c.Security.JWTSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt secret: %w", err)
		}
		c.Security.JWTSecret = secret
		logBootstrapWarn(
			"auto-generated jwt_secret; set SECURITY_JWT_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "carelink")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "carelink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis (empty addr means in-memory fallbacks)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// OCR
	v.SetDefault("ocr.base_url", "http://localhost:9090")
	v.SetDefault("ocr.request_timeout", "30s")
	v.SetDefault("ocr.poll_interval", "2s")
	v.SetDefault("ocr.poll_timeout", "2m")
	v.SetDefault("ocr.max_document_bytes", 10*1024*1024)
	v.SetDefault("ocr.rate_per_minute", 100)
	v.SetDefault("ocr.lock_ttl", "5m")
	v.SetDefault("ocr.thresholds", map[string]float64{
		"id_document":      0.99,
		"proof_of_address": 0.95,
		"medical_report":   0.90,
	})

	// EMR
	v.SetDefault("emr.base_url", "http://localhost:9091/fhir")
	v.SetDefault("emr.request_timeout", "30s")
	v.SetDefault("emr.read_cache_ttl", "1h")

	// Webhook
	v.SetDefault("webhook.delivery_timeout", "30s")
	v.SetDefault("webhook.max_payload_bytes", 5*1024*1024)
	v.SetDefault("webhook.replay_window", "5m")

	// Security
	v.SetDefault("security.field_key_ids", []string{"primary"})
	v.SetDefault("security.active_key_id", "primary")

	// Breaker
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "60s")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.delivery_pool_size", 50)
}
