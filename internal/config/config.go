package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var backupUsernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)

type BackupUser struct {
	PasswordHash string         `json:"password_hash"`
	IsAdmin      bool           `json:"is_admin"`
	Permissions  map[string]any `json:"permissions"`
	Email        string         `json:"email"`
	FullName     string         `json:"full_name"`
}

type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	DatabaseURL              string `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns           int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns           int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetimeMinutes int    `env:"DB_CONN_MAX_LIFETIME_MINUTES" envDefault:"30"`
	DBConnMaxIdleTimeMinutes int    `env:"DB_CONN_MAX_IDLE_TIME_MINUTES" envDefault:"10"`

	JWTSecret                string `env:"JWT_SECRET,required,notEmpty"`
	AccessTokenExpireMinutes int    `env:"JWT_ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`
	RefreshTokenExpireDays   int    `env:"JWT_REFRESH_TOKEN_EXPIRE_DAYS" envDefault:"7"`

	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	BackendURL  string `env:"BACKEND_URL" envDefault:"http://localhost:8080"`

	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	OAuthAutoCreateUsers   bool `env:"OAUTH_AUTO_CREATE_USERS" envDefault:"false"`
	ProviderTimeoutSeconds int  `env:"PROVIDER_TIMEOUT_SECONDS" envDefault:"10"`

	BackupUsersJSON                   string `env:"BACKUP_USERS"`
	BackupLoginMaxAttempts            int    `env:"BACKUP_LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	BackupLoginLockMinutes            int    `env:"BACKUP_LOGIN_LOCK_MINUTES" envDefault:"15"`
	BackupLoginRateLimitMax           int    `env:"BACKUP_LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	BackupLoginRateLimitWindowSeconds int    `env:"BACKUP_LOGIN_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	AdminAPIToken string `env:"ADMIN_API_TOKEN"`
	CronSecret    string `env:"CRON_SECRET"`
	SentryDSN     string `env:"SENTRY_DSN"`

	RefreshTokenRetentionDays int `env:"AUTH_REFRESH_TOKEN_RETENTION_DAYS" envDefault:"14"`
	LoginAttemptRetentionDays int `env:"AUTH_LOGIN_ATTEMPT_RETENTION_DAYS" envDefault:"30"`
	CleanupBatchSize          int `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`

	BackupUsers map[string]BackupUser `env:"-"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	users, err := parseBackupUsers(cfg.BackupUsersJSON)
	if err != nil {
		return nil, err
	}
	cfg.BackupUsers = users

	return &cfg, nil
}

func parseBackupUsers(raw string) (map[string]BackupUser, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var users map[string]BackupUser
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, fmt.Errorf("parse BACKUP_USERS: %w", err)
	}

	for username, user := range users {
		if !backupUsernameRegex.MatchString(username) {
			return nil, fmt.Errorf("BACKUP_USERS: invalid username %q", username)
		}
		if !strings.HasPrefix(user.PasswordHash, "$2") {
			return nil, fmt.Errorf("BACKUP_USERS: user %q: password_hash must be a bcrypt hash", username)
		}
	}

	return users, nil
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenExpireDays) * 24 * time.Hour
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) BackupLoginLockDuration() time.Duration {
	return time.Duration(c.BackupLoginLockMinutes) * time.Minute
}

func (c *Config) BackupLoginRateLimitWindow() time.Duration {
	return time.Duration(c.BackupLoginRateLimitWindowSeconds) * time.Second
}

func (c *Config) RefreshTokenRetention() time.Duration {
	return time.Duration(c.RefreshTokenRetentionDays) * 24 * time.Hour
}

func (c *Config) LoginAttemptRetention() time.Duration {
	return time.Duration(c.LoginAttemptRetentionDays) * 24 * time.Hour
}
