// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// Port is the HTTP listen port (default: 8080).
	Port int

	// BaseURL is the public-facing URL used for links and redirects.
	BaseURL string

	// FrontendURL is where OAuth callbacks redirect the browser to. The
	// redirect carries only the one-shot handoff code, never tokens.
	FrontendURL string

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// Database holds MariaDB connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Auth holds authentication-related settings.
	Auth AuthConfig

	// OAuth holds third-party identity provider settings.
	OAuth OAuthConfig

	// SMTP holds outbound mail settings for OTP delivery.
	SMTP SMTPConfig
}

// DatabaseConfig holds MariaDB connection parameters. Individual fields
// (Host, User, Password, Name) are read from separate env vars so container
// orchestrators can manage each independently. If DATABASE_URL is set, it
// takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format (default: "localhost:3306").
	// If no port is specified, 3306 is appended automatically.
	Host string

	// User is the MariaDB username (default: "campuslink").
	User string

	// Password is the MariaDB password (default: "campuslink").
	Password string

	// Name is the database name (default: "campuslink").
	Name string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built from the individual
// Host/User/Password/Name fields using the driver's Config.FormatDSN()
// to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
// Allows users to set DB_HOST=mydb (gets :3306) or DB_HOST=mydb:3307 (as-is).
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string
}

// AuthConfig holds authentication settings. Access and refresh tokens are
// signed with independent secrets so a leaked access secret cannot mint
// long-lived refresh tokens.
type AuthConfig struct {
	// AccessSecret signs short-lived access tokens (32+ chars in production).
	AccessSecret string

	// RefreshSecret signs refresh tokens. Must differ from AccessSecret.
	RefreshSecret string

	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime. Device sessions in Redis
	// expire on the same clock.
	RefreshTTL time.Duration

	// OTPTTL is how long a one-time code stays verifiable.
	OTPTTL time.Duration

	// MaxLoginAttempts is the consecutive-failure count that trips a lockout.
	MaxLoginAttempts int

	// LockDuration is how long a tripped lockout lasts.
	LockDuration time.Duration

	// MaxOTPAttempts is the wrong-code count that kills a challenge.
	MaxOTPAttempts int

	// HandoffTTL is the lifetime of the one-shot OAuth handoff code.
	HandoffTTL time.Duration

	// AllowedEmailDomains restricts registration and OAuth identities to
	// campus addresses (e.g., "nitc.ac.in"). Empty list allows any domain.
	AllowedEmailDomains []string
}

// OAuthConfig holds the third-party identity provider endpoints and
// credentials. The shape is OIDC-style: authorize, token, userinfo.
type OAuthConfig struct {
	// ClientID is the provider-issued application ID.
	ClientID string

	// ClientSecret is the provider-issued application secret.
	ClientSecret string

	// AuthURL is the provider's authorization endpoint.
	AuthURL string

	// TokenURL is the provider's code-exchange endpoint.
	TokenURL string

	// UserInfoURL is the provider's profile endpoint.
	UserInfoURL string

	// RedirectURL is our callback, registered with the provider.
	RedirectURL string

	// Scopes requested during authorization.
	Scopes []string
}

// Enabled reports whether OAuth login is configured.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// SMTPConfig holds outbound mail settings. OTP delivery is fire-and-forget;
// an unconfigured SMTP block simply logs codes in development.
type SMTPConfig struct {
	// Host is the SMTP server hostname.
	Host string

	// Port is the SMTP server port (default: 587).
	Port int

	// Username authenticates against the SMTP server.
	Username string

	// Password authenticates against the SMTP server.
	Password string

	// FromAddress is the envelope sender (e.g., "no-reply@campuslink.edu").
	FromAddress string

	// FromName is the display name on outgoing mail.
	FromName string

	// Encryption is "starttls", "tls", or "none".
	Encryption string
}

// Configured reports whether mail can actually be sent.
func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.FromAddress != ""
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),
		LogLevel:    getEnv("LOG_LEVEL", "debug"),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "campuslink"),
			Password:        getEnv("DB_PASSWORD", "campuslink"),
			Name:            getEnv("DB_NAME", "campuslink"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		Auth: AuthConfig{
			AccessSecret:        getEnv("ACCESS_TOKEN_SECRET", ""),
			RefreshSecret:       getEnv("REFRESH_TOKEN_SECRET", ""),
			AccessTTL:           getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:          getEnvDuration("REFRESH_TOKEN_TTL", 168*time.Hour),
			OTPTTL:              getEnvDuration("OTP_TTL", 5*time.Minute),
			MaxLoginAttempts:    getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
			LockDuration:        getEnvDuration("LOCK_DURATION", 5*time.Minute),
			MaxOTPAttempts:      getEnvInt("MAX_OTP_ATTEMPTS", 5),
			HandoffTTL:          getEnvDuration("OAUTH_HANDOFF_TTL", 5*time.Minute),
			AllowedEmailDomains: getEnvList("ALLOWED_EMAIL_DOMAINS", nil),
		},

		OAuth: OAuthConfig{
			ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
			AuthURL:      getEnv("OAUTH_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
			TokenURL:     getEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			UserInfoURL:  getEnv("OAUTH_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo"),
			RedirectURL:  getEnv("OAUTH_REDIRECT_URL", ""),
			Scopes:       getEnvList("OAUTH_SCOPES", []string{"openid", "email", "profile"}),
		},

		SMTP: SMTPConfig{
			Host:        getEnv("SMTP_HOST", ""),
			Port:        getEnvInt("SMTP_PORT", 587),
			Username:    getEnv("SMTP_USERNAME", ""),
			Password:    getEnv("SMTP_PASSWORD", ""),
			FromAddress: getEnv("SMTP_FROM_ADDRESS", ""),
			FromName:    getEnv("SMTP_FROM_NAME", "CampusLink"),
			Encryption:  getEnv("SMTP_ENCRYPTION", "starttls"),
		},
	}

	// Validate required fields in production. Case-insensitive check catches
	// common variants like "Production", "prod", etc.
	envLower := strings.ToLower(cfg.Env)
	if envLower == "production" || envLower == "prod" {
		if len(cfg.Auth.AccessSecret) < 32 {
			return nil, fmt.Errorf("ACCESS_TOKEN_SECRET must be at least 32 characters in production")
		}
		if len(cfg.Auth.RefreshSecret) < 32 {
			return nil, fmt.Errorf("REFRESH_TOKEN_SECRET must be at least 32 characters in production")
		}
		if cfg.Auth.AccessSecret == cfg.Auth.RefreshSecret {
			return nil, fmt.Errorf("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
		}
	}

	// Provide dev-only defaults so local dev works without .env.
	if cfg.Auth.AccessSecret == "" {
		cfg.Auth.AccessSecret = "dev-access-secret-do-not-use-in-prod!!"
	}
	if cfg.Auth.RefreshSecret == "" {
		cfg.Auth.RefreshSecret = "dev-refresh-secret-do-not-use-in-prod!"
	}
	if cfg.OAuth.RedirectURL == "" {
		cfg.OAuth.RedirectURL = cfg.BaseURL + "/api/auth/oauth/callback"
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "15m") or returns the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList reads a comma-separated env var or returns the default.
func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
