// Package config loads the platform configuration from the environment with
// an optional YAML overlay for non-secret settings. Every option maps to one
// documented effect; Validate enforces the production-only requirements.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment tier and gates production-only checks.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
	Test        Environment = "test"
)

// defaultAdminPassword is the bootstrap credential shipped with dev images.
// Production deployments must override it.
const defaultAdminPassword = "admin123"

type (
	// Config is the materialized environment for one service process.
	Config struct {
		Environment Environment `yaml:"environment"`
		Debug       bool        `yaml:"debug"`
		ServiceName string      `yaml:"service_name"`
		Version     string      `yaml:"version"`
		HTTPAddr    string      `yaml:"http_addr"`

		AdminPassword string `yaml:"-"`
		InviteSecret  string `yaml:"-"`
		BotToken      string `yaml:"-"`

		RedisURL      string `yaml:"redis_url"`
		MongoURL      string `yaml:"mongo_url"`
		MongoDatabase string `yaml:"mongo_database"`

		// Timezone anchors the daily request-number sequence reset.
		Timezone string `yaml:"timezone"`

		RateLimit RateLimit `yaml:"rate_limit"`
		Auth      Auth      `yaml:"auth"`
		Webhook   Webhook   `yaml:"webhook"`
		Notify    Notify    `yaml:"notify"`
		Media     Media     `yaml:"media"`
		Trust     Trust     `yaml:"-"`
	}

	// RateLimit carries the per-window maxima and burst caps.
	RateLimit struct {
		PerMinute      int `yaml:"per_minute"`
		PerHour        int `yaml:"per_hour"`
		Burst          int `yaml:"burst"`
		LoginPerMinute int `yaml:"login_per_minute"`
		UploadSmall    int `yaml:"upload_small_per_hour"`
		UploadMedium   int `yaml:"upload_medium_per_hour"`
		UploadLarge    int `yaml:"upload_large_per_hour"`
	}

	// Auth carries credential and session policy.
	Auth struct {
		SessionExpire      time.Duration `yaml:"session_expire"`
		RefreshExpire      time.Duration `yaml:"refresh_expire"`
		MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
		MaxLoginAttempts   int           `yaml:"max_login_attempts"`
		LockoutDuration    time.Duration `yaml:"lockout_duration"`
		PasswordMinLength  int           `yaml:"password_min_length"`
		PasswordHashRounds int           `yaml:"password_hash_rounds"`
	}

	// Webhook carries ingress policy shared by all sources.
	Webhook struct {
		MaxPayloadMB       int    `yaml:"max_payload_mb"`
		RequireHTTPS       bool   `yaml:"require_https"`
		SignatureAlgorithm string `yaml:"signature_algorithm"`
		// Secret signs inbound webhook calls. Sources without it accept
		// unsigned calls.
		Secret string `yaml:"-"`
	}

	// Notify gates delivery channels and carries adapter endpoints.
	Notify struct {
		EmailEnabled  bool   `yaml:"email_enabled"`
		SMSEnabled    bool   `yaml:"sms_enabled"`
		SMTPHost      string `yaml:"smtp_host"`
		SMTPPort      int    `yaml:"smtp_port"`
		SMTPUser      string `yaml:"-"`
		SMTPPassword  string `yaml:"-"`
		EmailFrom     string `yaml:"email_from"`
		SMSGatewayURL string `yaml:"sms_gateway_url"`
		SMSAPIKey     string `yaml:"-"`
		// MirrorChannelID receives best-effort copies of messenger broadcasts.
		MirrorChannelID int64 `yaml:"mirror_channel_id"`
	}

	// Media bounds streaming uploads.
	Media struct {
		MaxUploadMB  int      `yaml:"max_upload_mb"`
		AllowedTypes []string `yaml:"allowed_types"`
		TempDir      string   `yaml:"temp_dir"`
	}

	// Trust carries peer service credentials: static API keys and HMAC
	// secrets keyed by service name. Names outside trust.Known fail
	// authentication regardless of key material.
	Trust struct {
		ServiceKeys    map[string]string
		ServiceSecrets map[string]string
	}

	// LookupFunc abstracts os.LookupEnv for tests.
	LookupFunc func(string) (string, bool)
)

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadWith(os.LookupEnv, os.Getenv("CONFIG_FILE"))
}

// LoadWith reads the configuration from the given lookup, applying the YAML
// overlay at path first (when non-empty) and environment values on top.
func LoadWith(lookup LookupFunc, path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment:   Development,
		ServiceName:   "infrasafe",
		Version:       "dev",
		HTTPAddr:      ":8080",
		RedisURL:      "redis://localhost:6379/0",
		// MongoURL stays empty: without DATABASE_URL the entrypoint runs
		// on in-memory stores.
		MongoDatabase: "infrasafe",
		Timezone:      "UTC",
		RateLimit: RateLimit{
			PerMinute:      60,
			PerHour:        1000,
			Burst:          0,
			LoginPerMinute: 5,
			UploadSmall:    100,
			UploadMedium:   30,
			UploadLarge:    10,
		},
		Auth: Auth{
			SessionExpire:      24 * time.Hour,
			RefreshExpire:      30 * 24 * time.Hour,
			MaxSessionsPerUser: 5,
			MaxLoginAttempts:   5,
			LockoutDuration:    15 * time.Minute,
			PasswordMinLength:  8,
			PasswordHashRounds: 12,
		},
		Webhook: Webhook{
			MaxPayloadMB:       1,
			RequireHTTPS:       true,
			SignatureAlgorithm: "hmac-sha256",
		},
		Notify: Notify{
			SMTPPort: 587,
		},
		Media: Media{
			MaxUploadMB:  20,
			AllowedTypes: []string{"image/jpeg", "image/png", "application/pdf", "video/mp4"},
			TempDir:      os.TempDir(),
		},
		Trust: Trust{
			ServiceKeys:    map[string]string{},
			ServiceSecrets: map[string]string{},
		},
	}
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	hours := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(n) * time.Hour
		}
	}
	minutes := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(n) * time.Minute
		}
	}
	days := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(n) * 24 * time.Hour
		}
	}

	if v, ok := lookup("ENVIRONMENT"); ok {
		env := Environment(strings.ToLower(v))
		switch env {
		case Development, Staging, Production, Test:
			c.Environment = env
		default:
			errs = append(errs, fmt.Errorf("ENVIRONMENT: unknown value %q", v))
		}
	}
	boolean("DEBUG", &c.Debug)
	str("SERVICE_NAME", &c.ServiceName)
	str("SERVICE_VERSION", &c.Version)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("ADMIN_PASSWORD", &c.AdminPassword)
	str("INVITE_SECRET", &c.InviteSecret)
	str("BOT_TOKEN", &c.BotToken)
	str("REDIS_URL", &c.RedisURL)
	str("DATABASE_URL", &c.MongoURL)
	str("DATABASE_NAME", &c.MongoDatabase)
	str("TIMEZONE", &c.Timezone)

	integer("RATE_LIMIT_PER_MINUTE", &c.RateLimit.PerMinute)
	integer("RATE_LIMIT_PER_HOUR", &c.RateLimit.PerHour)
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)
	integer("RATE_LIMIT_LOGIN_PER_MINUTE", &c.RateLimit.LoginPerMinute)
	integer("RATE_LIMIT_UPLOAD_SMALL", &c.RateLimit.UploadSmall)
	integer("RATE_LIMIT_UPLOAD_MEDIUM", &c.RateLimit.UploadMedium)
	integer("RATE_LIMIT_UPLOAD_LARGE", &c.RateLimit.UploadLarge)

	hours("SESSION_EXPIRE_HOURS", &c.Auth.SessionExpire)
	days("JWT_REFRESH_EXPIRE_DAYS", &c.Auth.RefreshExpire)
	integer("MAX_SESSIONS_PER_USER", &c.Auth.MaxSessionsPerUser)
	integer("MAX_LOGIN_ATTEMPTS", &c.Auth.MaxLoginAttempts)
	minutes("LOCKOUT_DURATION_MINUTES", &c.Auth.LockoutDuration)
	integer("PASSWORD_MIN_LENGTH", &c.Auth.PasswordMinLength)
	integer("PASSWORD_HASH_ROUNDS", &c.Auth.PasswordHashRounds)

	integer("WEBHOOK_MAX_PAYLOAD_MB", &c.Webhook.MaxPayloadMB)
	boolean("WEBHOOK_REQUIRE_HTTPS", &c.Webhook.RequireHTTPS)
	str("WEBHOOK_SIGNATURE_ALGORITHM", &c.Webhook.SignatureAlgorithm)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)

	boolean("EMAIL_ENABLED", &c.Notify.EmailEnabled)
	boolean("SMS_ENABLED", &c.Notify.SMSEnabled)
	str("SMTP_HOST", &c.Notify.SMTPHost)
	integer("SMTP_PORT", &c.Notify.SMTPPort)
	str("SMTP_USER", &c.Notify.SMTPUser)
	str("SMTP_PASSWORD", &c.Notify.SMTPPassword)
	str("EMAIL_FROM", &c.Notify.EmailFrom)
	str("SMS_GATEWAY_URL", &c.Notify.SMSGatewayURL)
	str("SMS_API_KEY", &c.Notify.SMSAPIKey)
	if v, ok := lookup("NOTIFY_MIRROR_CHANNEL_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("NOTIFY_MIRROR_CHANNEL_ID: %w", err))
		} else {
			c.Notify.MirrorChannelID = id
		}
	}

	integer("MEDIA_MAX_UPLOAD_MB", &c.Media.MaxUploadMB)
	if v, ok := lookup("MEDIA_ALLOWED_TYPES"); ok {
		c.Media.AllowedTypes = splitCSV(v)
	}
	str("MEDIA_TEMP_DIR", &c.Media.TempDir)

	if v, ok := lookup("SERVICE_API_KEYS"); ok {
		m, err := parsePairs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SERVICE_API_KEYS: %w", err))
		} else {
			c.Trust.ServiceKeys = m
		}
	}
	if v, ok := lookup("SERVICE_HMAC_SECRETS"); ok {
		m, err := parsePairs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SERVICE_HMAC_SECRETS: %w", err))
		} else {
			c.Trust.ServiceSecrets = m
		}
	}

	return errors.Join(errs...)
}

// Validate enforces cross-field and environment-gated requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.PasswordMinLength < 4 {
		errs = append(errs, errors.New("PASSWORD_MIN_LENGTH must be at least 4"))
	}
	if c.Auth.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be positive"))
	}
	if c.Auth.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS_PER_USER must be positive"))
	}
	if c.Auth.RefreshExpire < c.Auth.SessionExpire {
		errs = append(errs, errors.New("refresh expiry must not precede session expiry"))
	}
	if c.Webhook.MaxPayloadMB < 1 {
		errs = append(errs, errors.New("WEBHOOK_MAX_PAYLOAD_MB must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}

	if c.Environment == Production {
		if c.AdminPassword == "" || c.AdminPassword == defaultAdminPassword {
			errs = append(errs, errors.New("ADMIN_PASSWORD must be set to a non-default value in production"))
		}
		if c.InviteSecret == "" {
			errs = append(errs, errors.New("INVITE_SECRET is required in production"))
		}
		if c.Debug {
			errs = append(errs, errors.New("DEBUG must be disabled in production"))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction reports whether production-only checks apply.
func (c *Config) IsProduction() bool { return c.Environment == Production }

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses "name:value,name:value" maps used for peer credentials.
func parsePairs(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}
