package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`

	// DefaultTenant applies to requests that name no tenant.
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	HIPAAMasterKey         string `mapstructure:"HIPAA_MASTER_KEY"`
	HIPAARSAPrivateKey     string `mapstructure:"HIPAA_RSA_PRIVATE_KEY"`
	HIPAARSAPrivateKeyFile string `mapstructure:"HIPAA_RSA_PRIVATE_KEY_FILE"`
	HIPAAKDFIterations     int    `mapstructure:"HIPAA_KDF_ITERATIONS"`

	AuditBufferSize    int           `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuditFlushInterval time.Duration `mapstructure:"AUDIT_FLUSH_INTERVAL"`
	AuditRiskMedium    float64       `mapstructure:"AUDIT_RISK_MEDIUM"`
	AuditRiskHigh      float64       `mapstructure:"AUDIT_RISK_HIGH"`
	AuditRiskCritical  float64       `mapstructure:"AUDIT_RISK_CRITICAL"`

	FallbackQueueKey      string        `mapstructure:"FALLBACK_QUEUE_KEY"`
	FallbackWarnDepth     int64         `mapstructure:"FALLBACK_WARN_DEPTH"`
	FallbackCriticalDepth int64         `mapstructure:"FALLBACK_CRITICAL_DEPTH"`
	FallbackFile          string        `mapstructure:"FALLBACK_FILE"`
	FallbackRetryInterval time.Duration `mapstructure:"FALLBACK_RETRY_INTERVAL"`
	FallbackRetryBatch    int           `mapstructure:"FALLBACK_RETRY_BATCH"`

	// Optional operator endpoint for fallback queue depth alerts.
	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`

	RetentionRulesFile        string        `mapstructure:"RETENTION_RULES_FILE"`
	RetentionScheduleInterval time.Duration `mapstructure:"RETENTION_SCHEDULE_INTERVAL"`
}

var defaults = map[string]any{
	"PORT":                        "8000",
	"ENV":                         "development",
	"LOG_LEVEL":                   "info",
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                5,
	"DB_SCHEMA":                   "public",
	"DEFAULT_TENANT":              "default",
	"REDIS_URL":                   "redis://localhost:6379/0",
	"CORS_ORIGINS":                "http://localhost:3000",
	"HIPAA_KDF_ITERATIONS":        100000,
	"AUDIT_BUFFER_SIZE":           100,
	"AUDIT_FLUSH_INTERVAL":        "30s",
	"AUDIT_RISK_MEDIUM":           0.30,
	"AUDIT_RISK_HIGH":             0.55,
	"AUDIT_RISK_CRITICAL":         0.75,
	"FALLBACK_QUEUE_KEY":          "compliance:audit:fallback",
	"FALLBACK_WARN_DEPTH":         1000,
	"FALLBACK_CRITICAL_DEPTH":     10000,
	"FALLBACK_FILE":               "./audit_fallback.jsonl",
	"FALLBACK_RETRY_INTERVAL":     "1m",
	"FALLBACK_RETRY_BATCH":        100,
	"RETENTION_SCHEDULE_INTERVAL": "24h",
}

// keys without defaults that still need binding so Unmarshal sees them.
var envOnly = []string{
	"DATABASE_URL", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"HIPAA_MASTER_KEY", "HIPAA_RSA_PRIVATE_KEY", "HIPAA_RSA_PRIVATE_KEY_FILE",
	"RETENTION_RULES_FILE", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
}

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range envOnly {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether the admin API runs without token checks. That is
// only the case in development with no signing key configured.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == ""
}

// RSAPrivateKeyPEM returns the configured RSA key, inline or from file.
func (c *Config) RSAPrivateKeyPEM() ([]byte, error) {
	if c.HIPAARSAPrivateKey != "" {
		return []byte(c.HIPAARSAPrivateKey), nil
	}
	if c.HIPAARSAPrivateKeyFile == "" {
		return nil, fmt.Errorf("HIPAA_RSA_PRIVATE_KEY or HIPAA_RSA_PRIVATE_KEY_FILE is required")
	}
	data, err := os.ReadFile(c.HIPAARSAPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read HIPAA_RSA_PRIVATE_KEY_FILE: %w", err)
	}
	return data, nil
}

// Validate checks that the configuration is safe to run. Key material is
// always required; there is no default master key in any environment.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}

	if !schemaPattern.MatchString(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA must be a plain identifier, got %q", c.DBSchema)
	}

	if c.HIPAAMasterKey == "" {
		return fmt.Errorf("HIPAA_MASTER_KEY is required")
	}
	keyBytes, err := hex.DecodeString(c.HIPAAMasterKey)
	if err != nil {
		return fmt.Errorf("HIPAA_MASTER_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("HIPAA_MASTER_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	if c.HIPAARSAPrivateKey == "" && c.HIPAARSAPrivateKeyFile == "" {
		return fmt.Errorf("HIPAA_RSA_PRIVATE_KEY or HIPAA_RSA_PRIVATE_KEY_FILE is required")
	}
	if c.HIPAAKDFIterations < 10000 {
		return fmt.Errorf("HIPAA_KDF_ITERATIONS must be at least 10000, got %d", c.HIPAAKDFIterations)
	}

	if !c.DevAuth() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes outside development")
	}

	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be positive, got %d", c.AuditBufferSize)
	}
	if c.AuditFlushInterval <= 0 {
		return fmt.Errorf("AUDIT_FLUSH_INTERVAL must be positive, got %s", c.AuditFlushInterval)
	}
	if !(0 < c.AuditRiskMedium && c.AuditRiskMedium < c.AuditRiskHigh && c.AuditRiskHigh < c.AuditRiskCritical) {
		return fmt.Errorf("AUDIT_RISK thresholds must satisfy 0 < medium < high < critical, got %.2f/%.2f/%.2f",
			c.AuditRiskMedium, c.AuditRiskHigh, c.AuditRiskCritical)
	}

	if c.FallbackWarnDepth <= 0 || c.FallbackWarnDepth >= c.FallbackCriticalDepth {
		return fmt.Errorf("FALLBACK_WARN_DEPTH must be positive and below FALLBACK_CRITICAL_DEPTH, got %d/%d",
			c.FallbackWarnDepth, c.FallbackCriticalDepth)
	}
	if c.FallbackFile == "" {
		return fmt.Errorf("FALLBACK_FILE is required")
	}
	if c.FallbackRetryInterval <= 0 || c.FallbackRetryBatch <= 0 {
		return fmt.Errorf("FALLBACK_RETRY_INTERVAL and FALLBACK_RETRY_BATCH must be positive")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if c.RetentionScheduleInterval < 0 {
		return fmt.Errorf("RETENTION_SCHEDULE_INTERVAL must not be negative")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
