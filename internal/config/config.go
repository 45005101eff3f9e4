package config

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

// Config is constructed once in main and passed into each component.
// Nothing reads the environment after startup.
type Config struct {
	Port    string `envconfig:"PORT" default:"8080"`
	BaseURL string `envconfig:"BASE_URL" default:"https://convia.vip"`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"license.db"`

	PaddleWebhookSecret   string        `envconfig:"PADDLE_WEBHOOK_SECRET"`
	PaddleSignatureMaxAge time.Duration `envconfig:"PADDLE_SIGNATURE_MAX_AGE" default:"5m"`

	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`

	MagicTokenTTL time.Duration `envconfig:"MAGIC_TOKEN_TTL" default:"24h"`

	SMTPHost     string        `envconfig:"SMTP_HOST"`
	SMTPPort     string        `envconfig:"SMTP_PORT"`
	SMTPUsername string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD"`
	EmailFrom    string        `envconfig:"EMAIL_FROM" default:"licenses@convia.vip"`
	EmailTimeout time.Duration `envconfig:"EMAIL_TIMEOUT" default:"10s"`

	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
}

func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if c.PaddleWebhookSecret == "" {
		result = multierror.Append(result, errors.New("PADDLE_WEBHOOK_SECRET environment variable is required"))
	}
	if c.AdminAPIKey == "" {
		result = multierror.Append(result, errors.New("ADMIN_API_KEY environment variable is required"))
	}
	if c.SMTPConfigured() {
		if c.SMTPHost == "" || c.SMTPPort == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			result = multierror.Append(result, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD must all be set to enable SMTP"))
		}
	}
	if c.RateLimitRequests < 0 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_REQUESTS must not be negative"))
	}

	return result.ErrorOrNil()
}

// SMTPConfigured reports whether any SMTP setting is present. Partially
// configured SMTP is a validation error; fully absent SMTP means magic-link
// emails are logged instead of sent.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" || c.SMTPPort != "" || c.SMTPUsername != "" || c.SMTPPassword != ""
}
