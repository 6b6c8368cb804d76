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

	"github.com/MGallo-Code/agegate/internal/captcha"
	"github.com/MGallo-Code/agegate/internal/config"
	"github.com/MGallo-Code/agegate/internal/metrics"
	"github.com/MGallo-Code/agegate/internal/oauth"
	"github.com/MGallo-Code/agegate/internal/ratelimit"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/telemetry"
	"github.com/MGallo-Code/agegate/internal/verify"
	"github.com/MGallo-Code/agegate/internal/vtoken"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

const serviceName = "agegate"

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	applied, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations complete", "applied", applied)

	// Create shared Redis client; all Redis structs share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	idp, err := oauth.NewIdentityProvider(ctx, oauth.Config{
		Name:         cfg.IDPName,
		ClientID:     cfg.IDPClientID,
		ClientSecret: cfg.IDPClientSecret,
		AuthURL:      cfg.IDPAuthURL,
		TokenURL:     cfg.IDPTokenURL,
		RedirectURL:  cfg.CallbackURL(),
		Scopes:       cfg.IDPScopes,
		OIDCIssuer:   cfg.IDPOIDCIssuer,
		Timeout:      cfg.IDPTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to set up identity provider: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rs := store.NewRedisStore(rdb)
	// Rate limiting survives a Redis outage on a per-instance limiter.
	rl := ratelimit.NewFailover(store.NewRedisRateLimiter(rdb), ratelimit.NewLocal(time.Now), m.LimiterFailover)

	h := verify.Handler{
		FS:      rs,
		PS:      ps,
		RS:      rs,
		RL:      rl,
		IdP:     idp,
		Signer:  vtoken.NewSigner([]byte(cfg.TokenSigningKey), cfg.TokenIssuer),
		Metrics: m,
		Cfg:     settingsFromConfig(cfg),
	}
	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret)
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(&h, metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Verification cleanup goroutine; removes rows expired longer than the retention period.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := ps.CleanupExpiredVerifications(cleanupCtx, cfg.RetentionPeriod)
				if err != nil {
					slog.Warn("verification cleanup failed", "error", err)
				} else {
					m.CleanedUp(n)
					slog.Info("verification cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agegate listening", "addr", ln.Addr().String(), "idp", idp.Name())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections and waits for in-flight requests, up to 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func settingsFromConfig(cfg *config.Config) verify.Settings {
	return verify.Settings{
		PublicBaseURL:       cfg.PublicBaseURL,
		FlowStateTTL:        cfg.FlowStateTTL,
		AccountAgeThreshold: cfg.AccountAgeThreshold,
		AccountValidityDays: cfg.AccountValidityDays,
		InitiatePolicy: store.RateLimit{
			MaxAttempts: cfg.RateInitiateMax,
			Window:      cfg.RateInitiateWindow,
			LockoutTTL:  cfg.RateInitiateLockout,
		},
		CompletePolicy: store.RateLimit{
			MaxAttempts: cfg.RateCompleteMax,
			Window:      cfg.RateCompleteWindow,
			LockoutTTL:  cfg.RateCompleteLockout,
		},
		StatusPolicy: store.RateLimit{
			MaxAttempts: cfg.RateStatusMax,
			Window:      cfg.RateStatusWindow,
			LockoutTTL:  cfg.RateStatusLockout,
		},
		PopupCloseDelay:        cfg.PopupCloseDelay,
		OpenerTimeout:          cfg.OpenerTimeout,
		RequireCompletionToken: cfg.RequireCompletionToken,
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *verify.Handler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.MethodNotAllowed(verify.MethodNotAllowed)

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", metricsHandler)

	r.Route("/v1/age-verification", func(r chi.Router) {
		// Runs before method routing, so preflights and unsupported methods never reach handlers.
		r.Use(verify.AllowMethods)
		r.Use(verify.PublicCORS)

		r.Get("/widget.js", h.WidgetScript)
		r.Get("/popup", h.Popup)
		r.Post("/initiate", h.Initiate)
		r.Get("/callback", h.Callback)
		r.Post("/complete", h.Complete)
		r.Get("/session", h.SessionStatus)

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			// CSRF reads token injected by RequireAuth above
			// DO NOT RUN CSRF BEFORE RequireAuth
			r.Use(verify.CSRFMiddleware)
			r.Post("/account/initiate", h.AccountInitiate)
			r.Get("/account/status", h.AccountStatus)
		})
	})

	return r
}
