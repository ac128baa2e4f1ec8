package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Auth: HS256 shared key or RS256 PEM public key.
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthPublicKey  string `mapstructure:"AUTH_PUBLIC_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// AWS
	AWSRegion        string `mapstructure:"AWS_REGION"`
	AWSEndpointURL   string `mapstructure:"AWS_ENDPOINT_URL"`
	DeliveryQueueURL string `mapstructure:"DELIVERY_QUEUE_URL"`
	DLQURL           string `mapstructure:"DLQ_URL"`
	AlertTopicARN    string `mapstructure:"ALERT_TOPIC_ARN"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
	SecretNamePrefix string `mapstructure:"SECRET_NAME_PREFIX"`

	// Delivery
	DeliveryTimeout     time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	DeliveryConcurrency int           `mapstructure:"DELIVERY_CONCURRENCY"`
	RetryBaseDelay      time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay       time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	EventDedupeTTL      time.Duration `mapstructure:"EVENT_DEDUPE_TTL"`

	// Health and alerting
	DegradedThreshold    int `mapstructure:"HEALTH_DEGRADED_THRESHOLD"`
	UnhealthyThreshold   int `mapstructure:"HEALTH_UNHEALTHY_THRESHOLD"`
	AutoDisableThreshold int `mapstructure:"AUTO_DISABLE_THRESHOLD"`
	DLQAlertThreshold    int `mapstructure:"DLQ_ALERT_THRESHOLD"`

	RetentionDays int `mapstructure:"RETENTION_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_PUBLIC_KEY", "AUTH_ISSUER", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AWS_REGION", "AWS_ENDPOINT_URL", "DELIVERY_QUEUE_URL", "DLQ_URL", "ALERT_TOPIC_ARN",
	"METRICS_NAMESPACE", "SECRET_NAME_PREFIX", "DELIVERY_TIMEOUT", "DELIVERY_CONCURRENCY",
	"RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "EVENT_DEDUPE_TTL", "HEALTH_DEGRADED_THRESHOLD",
	"HEALTH_UNHEALTHY_THRESHOLD", "AUTO_DISABLE_THRESHOLD", "DLQ_ALERT_THRESHOLD", "RETENTION_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("METRICS_NAMESPACE", "Foresight/Webhooks")
	v.SetDefault("SECRET_NAME_PREFIX", "foresight/webhooks")
	v.SetDefault("DELIVERY_TIMEOUT", "30s")
	v.SetDefault("DELIVERY_CONCURRENCY", 10)
	v.SetDefault("RETRY_BASE_DELAY", "10s")
	v.SetDefault("RETRY_MAX_DELAY", "15m")
	v.SetDefault("EVENT_DEDUPE_TTL", "24h")
	v.SetDefault("HEALTH_DEGRADED_THRESHOLD", 5)
	v.SetDefault("HEALTH_UNHEALTHY_THRESHOLD", 10)
	v.SetDefault("AUTO_DISABLE_THRESHOLD", 20)
	v.SetDefault("DLQ_ALERT_THRESHOLD", 5)
	v.SetDefault("RETENTION_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthPublicKey == "" {
		log.Println("WARNING: running in development mode without an auth key; all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests are authenticated by the development
// middleware instead of bearer tokens.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthPublicKey == ""
}

// Retention returns the delivery record retention period.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate checks the settings every process needs and, for the API server,
// that a token verification key is present outside development.
func (c *Config) Validate() error {
	if err := c.ValidatePipeline(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthPublicKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_PUBLIC_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && c.AuthPublicKey != "" {
		return fmt.Errorf("set only one of AUTH_SIGNING_KEY and AUTH_PUBLIC_KEY")
	}
	return nil
}

// ValidatePipeline checks the delivery settings used by the workers and
// Lambda handlers. The health thresholds must be strictly increasing.
func (c *Config) ValidatePipeline() error {
	if c.DegradedThreshold <= 0 ||
		c.UnhealthyThreshold <= c.DegradedThreshold ||
		c.AutoDisableThreshold <= c.UnhealthyThreshold {
		return fmt.Errorf("health thresholds must satisfy 0 < degraded (%d) < unhealthy (%d) < disable (%d)",
			c.DegradedThreshold, c.UnhealthyThreshold, c.AutoDisableThreshold)
	}
	if c.DeliveryConcurrency <= 0 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be positive, got %d", c.DeliveryConcurrency)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive, got %s", c.DeliveryTimeout)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be less than RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}
