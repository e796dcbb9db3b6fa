package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"atrium-auth/internal/admin"
	"atrium-auth/internal/auth"
	"atrium-auth/internal/config"
	"atrium-auth/internal/db"
	"atrium-auth/internal/maintenance"
	"atrium-auth/internal/oauth"
	"atrium-auth/internal/observability"
	"atrium-auth/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Port    string
	Close   func() error
}

// Build is the process-wide composition root: every service is constructed
// once here and passed down explicitly.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)
	database.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeMinutes) * time.Minute)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	codec := token.NewCodec(cfg.JWTSecret, cfg.AccessTokenTTL())
	repo := auth.NewRepository(database)

	service := auth.NewService(repo, codec, logger)
	service.WithSecurityConfig(cfg.RefreshTokenTTL(), cfg.BackupLoginLockDuration(), cfg.BackupLoginMaxAttempts)
	service.WithBackupUsers(cfg.BackupUsers)
	service.WithOAuthPolicy(cfg.OAuthAutoCreateUsers)

	broker := oauth.NewBroker(oauth.Providers(cfg), cfg.ProviderTimeout(), logger)
	authHandler := auth.NewHandler(service, broker, cfg.FrontendURL, cfg.BackendURL)
	adminHandler := admin.NewHandler(service, logger, cfg.AdminAPIToken)
	cleanupHandler := maintenance.NewCleanupHandler(
		repo,
		logger,
		cfg.CronSecret,
		cfg.RefreshTokenRetention(),
		cfg.LoginAttemptRetention(),
		cfg.CleanupBatchSize,
	)

	backupLimiter := auth.NewBackupLoginRateLimiter(cfg.BackupLoginRateLimitMax, cfg.BackupLoginRateLimitWindow())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/login/{provider}", authHandler.Login)
	mux.HandleFunc("GET /auth/callback/{provider}", authHandler.Callback)
	mux.Handle("POST /auth/backup-login", backupLimiter.Middleware(http.HandlerFunc(authHandler.BackupLogin)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", auth.Middleware(codec, http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("POST /admin/pre-register", adminHandler.PreRegister)
	mux.HandleFunc("GET /admin/users", adminHandler.ListUsers)
	mux.HandleFunc("GET /admin/users/{id}", adminHandler.GetUser)
	mux.HandleFunc("DELETE /admin/users/{id}", adminHandler.DeleteUser)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Port:    cfg.Port,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
