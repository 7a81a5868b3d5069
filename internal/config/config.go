// config.go

// Environment variable loading and validation.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vln-gg/vlnauth/internal/aead"
)

// Mail providers accepted by MAIL_PROVIDER.
const (
	MailNone     = "none"
	MailSMTP     = "smtp"
	MailSendGrid = "sendgrid"
)

// MinBcryptCost mirrors the hasher's floor; lower values are raised, never honoured.
const MinBcryptCost = 12

// RatePolicy is one rate limit: Max attempts per Window, then locked for Lockout.
// Max 0 disables the limit.
type RatePolicy struct {
	Max     int
	Window  time.Duration
	Lockout time.Duration
}

// Config holds all env configuration vars for vlnauth.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// MetricsAddr is the private listener for /metrics, kept off the public port.
	// "off" (or empty) disables it.
	MetricsAddr string

	// PublicURL is the portal origin; link and redirect defaults derive from it.
	PublicURL          string
	CORSAllowedOrigins []string

	// RequireEmailVerification gates password login on a verified email.
	// Default true; set REQUIRE_EMAIL_VERIFICATION=false to disable.
	RequireEmailVerification bool

	// SessionCookieSecure controls the Secure flag and __Host- prefix on the session cookie.
	// Only disable for local http development.
	SessionCookieSecure bool

	BcryptCost int

	// Two-factor: 32-byte AES key (hex in env) for TOTP secrets and an HMAC key for challenges.
	// Both optional; 2FA endpoints fail until they are set.
	TwoFactorEncryptionKey []byte
	TwoFactorSigningKey    []byte
	TwoFactorIssuer        string

	// Outbound email.
	MailProvider     string // none | smtp | sendgrid
	MailFrom         string
	MailFromName     string
	MailQueue        bool   // enqueue to Redis and send from a worker
	MailQueueKey     []byte // optional 32-byte key sealing tokens in the queue
	VerifyURLBase    string
	MagicLinkURLBase string

	SMTPHost     string
	SMTPPort     string // defaults to 587
	SMTPUsername string
	SMTPPassword string

	SendGridAPIKey string

	// OAuth providers. A provider is enabled when both its id and secret are set.
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	OAuthRedirectBase  string

	// Rate limits. Defaults: login 10/10m lock 15m, magic link 5/1h lock 1h,
	// 2FA 5/5m lock 15m, resend 3/1h lock 1h.
	RateLoginEmail RatePolicy
	RateMagicLink  RatePolicy
	RateTwoFactor  RatePolicy
	RateResend     RatePolicy
}

// LoadDotEnv loads path into the environment if it exists. Variables already
// set in the environment win over the file.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing
// or an enabled feature is misconfigured.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = envString("PORT", "7865")
	cfg.MetricsAddr = envString("METRICS_ADDR", "127.0.0.1:9465")

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.PublicURL = strings.TrimRight(envString("PUBLIC_URL", "https://vln.gg"), "/")
	cfg.CORSAllowedOrigins = envList("CORS_ALLOWED_ORIGINS")

	// Default true, only explicit "false" disables
	cfg.RequireEmailVerification = os.Getenv("REQUIRE_EMAIL_VERIFICATION") != "false"
	cfg.SessionCookieSecure = os.Getenv("SESSION_COOKIE_SECURE") != "false"

	cfg.BcryptCost = max(envInt("BCRYPT_COST", MinBcryptCost), MinBcryptCost)

	if v := os.Getenv("TWO_FACTOR_ENCRYPTION_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != aead.KeySize {
			return nil, fmt.Errorf("TWO_FACTOR_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
		}
		cfg.TwoFactorEncryptionKey = key
	}
	if v := os.Getenv("TWO_FACTOR_SIGNING_KEY"); v != "" {
		if len(v) < 32 {
			return nil, fmt.Errorf("TWO_FACTOR_SIGNING_KEY must be at least 32 characters")
		}
		cfg.TwoFactorSigningKey = []byte(v)
	}
	cfg.TwoFactorIssuer = envString("TWO_FACTOR_ISSUER", "VLN")

	if err := loadMail(cfg); err != nil {
		return nil, err
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")
	cfg.OAuthRedirectBase = strings.TrimRight(envString("OAUTH_REDIRECT_BASE", cfg.PublicURL), "/")

	// A misconfigured value falls back to the default rather than silently disabling the limit
	cfg.RateLoginEmail = envPolicy("RATE_LOGIN_EMAIL", RatePolicy{10, 10 * time.Minute, 15 * time.Minute})
	cfg.RateMagicLink = envPolicy("RATE_MAGIC_LINK", RatePolicy{5, time.Hour, time.Hour})
	cfg.RateTwoFactor = envPolicy("RATE_TWO_FACTOR", RatePolicy{5, 5 * time.Minute, 15 * time.Minute})
	cfg.RateResend = envPolicy("RATE_RESEND", RatePolicy{3, time.Hour, time.Hour})

	return cfg, nil
}

func loadMail(cfg *Config) error {
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = envString("SMTP_PORT", "587")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	cfg.MailFrom = os.Getenv("MAIL_FROM")
	cfg.MailFromName = envString("MAIL_FROM_NAME", "VLN")
	cfg.MailQueue = os.Getenv("MAIL_QUEUE") == "true"
	cfg.VerifyURLBase = envString("VERIFY_URL", cfg.PublicURL+"/auth/verify-email")
	cfg.MagicLinkURLBase = envString("MAGIC_LINK_URL", cfg.PublicURL+"/auth/magic-link")

	if v := os.Getenv("MAIL_QUEUE_ENCRYPTION_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != aead.KeySize {
			return fmt.Errorf("MAIL_QUEUE_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
		}
		cfg.MailQueueKey = key
	}

	// Unset provider infers SMTP from SMTP_HOST, else no email
	cfg.MailProvider = strings.ToLower(os.Getenv("MAIL_PROVIDER"))
	if cfg.MailProvider == "" {
		cfg.MailProvider = MailNone
		if cfg.SMTPHost != "" {
			cfg.MailProvider = MailSMTP
		}
	}

	switch cfg.MailProvider {
	case MailNone:
		return nil
	case MailSMTP:
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_PROVIDER=smtp")
		}
	case MailSendGrid:
		if cfg.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required when MAIL_PROVIDER=sendgrid")
		}
	default:
		return fmt.Errorf("MAIL_PROVIDER must be one of none, smtp, sendgrid (got %q)", cfg.MailProvider)
	}

	if cfg.MailFrom == "" {
		return fmt.Errorf("MAIL_FROM is required when email is enabled")
	}
	// Tokens in emailed links must not travel over plain HTTP
	if !strings.HasPrefix(cfg.VerifyURLBase, "https://") {
		return fmt.Errorf("VERIFY_URL must start with https://")
	}
	if !strings.HasPrefix(cfg.MagicLinkURLBase, "https://") {
		return fmt.Errorf("MAGIC_LINK_URL must start with https://")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envList splits a comma-separated env var, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envPolicy reads PREFIX_MAX, PREFIX_WINDOW and PREFIX_LOCKOUT.
func envPolicy(prefix string, def RatePolicy) RatePolicy {
	return RatePolicy{
		Max:     envInt(prefix+"_MAX", def.Max),
		Window:  envDuration(prefix+"_WINDOW", def.Window),
		Lockout: envDuration(prefix+"_LOCKOUT", def.Lockout),
	}
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
