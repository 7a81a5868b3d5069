package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vln-gg/vlnauth/internal/auth"
	"github.com/vln-gg/vlnauth/internal/config"
	"github.com/vln-gg/vlnauth/internal/handler"
	"github.com/vln-gg/vlnauth/internal/mail"
	vlnmw "github.com/vln-gg/vlnauth/internal/middleware"
	"github.com/vln-gg/vlnauth/internal/oauth"
	"github.com/vln-gg/vlnauth/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cleanupRetention is how long expired verification tokens are kept for auditing.
const cleanupRetention = 7 * 24 * time.Hour

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(envFile)
			if err != nil {
				return err
			}
			// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, nil, nil)
		},
	}

	root := &cobra.Command{
		Use:           "vlnauth",
		Short:         "Authentication and session service for VLN.gg",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file, ignored if missing")

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(envFile)
				if err != nil {
					return err
				}
				ps, err := store.NewPostgresStore(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to set up postgres store: %w", err)
				}
				defer ps.Close()
				return migrate(cmd.Context(), ps)
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete expired sessions and verification tokens once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(envFile)
				if err != nil {
					return err
				}
				ps, err := store.NewPostgresStore(cmd.Context(), cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to set up postgres store: %w", err)
				}
				defer ps.Close()
				return cleanup(cmd.Context(), ps)
			},
		},
	)
	return root
}

// loadConfig reads the env (and dotenv file) and installs the JSON logger.
func loadConfig(envFile string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))
	return cfg, nil
}

func migrate(ctx context.Context, ps *store.PostgresStore) error {
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func cleanup(ctx context.Context, ps *store.PostgresStore) error {
	sessions, tokens, err := ps.CleanupExpired(ctx, cleanupRetention)
	if err != nil {
		return err
	}
	slog.Info("cleanup complete", "sessions_deleted", sessions, "tokens_deleted", tokens)
	return nil
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rs.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil ml replaces the mailer built from cfg (tests capture tokens this way).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml auth.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	if err := migrate(ctx, ps); err != nil {
		return err
	}

	// One Redis client serves the session cache, rate limiter, replay guard and mail queue.
	rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis store: %w", err)
	}
	defer rs.Close()

	// Background work stops when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if ml == nil {
		ml, err = newMailer(bgCtx, cfg, rs)
		if err != nil {
			return err
		}
	}

	providers, err := newOAuthProviders(ctx, cfg)
	if err != nil {
		return err
	}

	svc := &auth.Service{
		Store:                    ps,
		Cache:                    rs,
		Limiter:                  rs,
		Replay:                   rs,
		Mailer:                   ml,
		Logger:                   slog.Default(),
		BcryptCost:               cfg.BcryptCost,
		RequireEmailVerification: cfg.RequireEmailVerification,
		RateLimits: auth.RateLimits{
			Login:     rateLimit(cfg.RateLoginEmail),
			MagicLink: rateLimit(cfg.RateMagicLink),
			TwoFactor: rateLimit(cfg.RateTwoFactor),
			Resend:    rateLimit(cfg.RateResend),
		},
		TwoFactor: auth.TwoFactorConfig{
			EncryptionKey: cfg.TwoFactorEncryptionKey,
			SigningKey:    cfg.TwoFactorSigningKey,
			Issuer:        cfg.TwoFactorIssuer,
		},
	}

	h := &handler.Handler{
		Auth:           svc,
		OAuthProviders: providers,
		Postgres:       ps,
		Redis:          rs,
		SecureCookies:  cfg.SessionCookieSecure,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Metrics get their own listener so scrapes never go through the public port.
	var metricsServer *http.Server
	var metricsLn net.Listener
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "off" {
		metricsLn, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		metricsServer = &http.Server{
			Handler:           buildMetricsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// Daily cleanup of expired sessions and verification tokens.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := cleanup(bgCtx, ps); err != nil {
					slog.Warn("cleanup failed", "error", err)
				}
			case <-bgCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 2)
	go func() {
		slog.Info("vlnauth listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if metricsServer != nil {
		go func() {
			slog.Info("metrics listening", "addr", metricsLn.Addr().String())
			if err := metricsServer.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight requests get 30s to finish before Shutdown gives up.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newMailer builds the configured transport, wrapped in the Redis queue when MAIL_QUEUE is set.
// The queue worker runs until ctx is cancelled.
func newMailer(ctx context.Context, cfg *config.Config, rs *store.RedisStore) (auth.Mailer, error) {
	links := mail.Links{VerifyURLBase: cfg.VerifyURLBase, MagicLinkURLBase: cfg.MagicLinkURLBase}

	var ml mail.Mailer
	switch cfg.MailProvider {
	case config.MailSMTP:
		ml = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.MailFrom,
			Links:       links,
		})
	case config.MailSendGrid:
		sg, err := mail.NewSendGridMailer(mail.SendGridConfig{
			APIKey:      cfg.SendGridAPIKey,
			FromAddress: cfg.MailFrom,
			FromName:    cfg.MailFromName,
			Links:       links,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up sendgrid mailer: %w", err)
		}
		ml = sg
	default:
		slog.Warn("email disabled, verification and magic links will not be delivered")
		return mail.NopMailer{}, nil
	}

	if !cfg.MailQueue {
		return ml, nil
	}
	q, err := mail.NewQueuedMailer(ml, rs.Client(), mail.DefaultMaxQueueSize, cfg.MailQueueKey, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to set up mail queue: %w", err)
	}
	go q.StartWorker(ctx)
	return q, nil
}

// newOAuthProviders returns every provider with both a client id and secret configured.
func newOAuthProviders(ctx context.Context, cfg *config.Config) (map[string]oauth.Provider, error) {
	providers := make(map[string]oauth.Provider)
	callback := func(name string) string {
		return cfg.OAuthRedirectBase + "/auth/oauth/" + name + "/callback"
	}

	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		g, err := oauth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, callback("google"))
		if err != nil {
			return nil, fmt.Errorf("failed to set up google oauth: %w", err)
		}
		providers[g.Name()] = g
	}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		gh := oauth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, callback("github"))
		providers[gh.Name()] = gh
	}
	return providers, nil
}

func rateLimit(p config.RatePolicy) store.RateLimit {
	return store.RateLimit{MaxAttempts: p.Max, Window: p.Window, LockoutTTL: p.Lockout}
}

// buildRouter wires all routes and middleware.
// Called from run() and directly by smoke tests.
func buildRouter(h *handler.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(vlnmw.SecurityHeaders)
	r.Use(vlnmw.CORS(allowedOrigins))
	r.Use(vlnmw.Metrics)

	h.Routes(r)

	return r
}

// buildMetricsRouter serves the Prometheus registry on the private metrics listener.
func buildMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
