package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/speechgw/internal/config"
	"github.com/antoniostano/speechgw/internal/httpapi"
	"github.com/antoniostano/speechgw/internal/logging"
	"github.com/antoniostano/speechgw/internal/observability"
	"github.com/antoniostano/speechgw/internal/ratelimit"
	"github.com/antoniostano/speechgw/internal/reliability"
	"github.com/antoniostano/speechgw/internal/session"
	"github.com/antoniostano/speechgw/internal/speech"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "speechgw: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dotenv := strings.TrimSpace(os.Getenv("DOTENV_PATH"))
	if dotenv == "" {
		dotenv = ".env"
	}
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load(dotenv)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.Debug)
	slog.SetDefault(logger)

	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}
	if cfg.SecretKeyGenerated {
		logger.Warn("SECRET_KEY not set, using a random key; limiter keys will not survive restarts")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "speechgw", config.Version)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	speechLimiter, err := newLimiter("speech", cfg.RateLimitStorageURI, cfg.DefaultRateLimits, metrics, logger)
	if err != nil {
		return err
	}
	defer speechLimiter.Close()

	var apiLimiter *ratelimit.Limiter
	if windows := cfg.APIWindow(); windows != nil {
		if apiLimiter, err = newLimiter("api", cfg.RateLimitStorageURI, windows, metrics, logger); err != nil {
			return err
		}
		defer apiLimiter.Close()
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		defer c.Close()
	}

	client := speech.NewClient(provider, speech.ClientConfig{
		CallTimeout: cfg.BackendCallTimeout,
		Retry: reliability.Policy{
			MaxAttempts: cfg.BackendMaxAttempts,
			Base:        cfg.BackendRetryBase,
			Cap:         cfg.BackendRetryCap,
		},
	}, metrics, logger)

	sessions := session.NewManager(client, speechLimiter, session.Config{
		IdleTimeout:     cfg.SessionIdleTimeout,
		FinalizeTimeout: cfg.SessionFinalizeTimeout,
		QueueSize:       cfg.SessionQueueSize,
	}, logger, metrics)
	sessions.SetExpireHook(func(s session.Session) {
		logger.Info("session expired", "session_id", s.ID, "direction", s.Direction, "state", s.State)
	})

	api := httpapi.New(cfg, sessions, apiLimiter, metrics, logger.With("component", "http"))
	httpServer := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, 5*time.Second)
	g.Go(func() error {
		logger.Info("server listening",
			"addr", cfg.BindAddr(),
			"backend", provider.Name(),
			"version", config.Version,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		api.Drain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not finish before shutdown deadline", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func newLimiter(scope, uri string, windows []ratelimit.Window, metrics *observability.Metrics, logger *slog.Logger) (*ratelimit.Limiter, error) {
	store, err := ratelimit.NewStoreFromURI(uri)
	if err != nil {
		return nil, fmt.Errorf("rate limit store (%s): %w", scope, err)
	}
	return ratelimit.New(scope, store, windows,
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(func(scope string, d ratelimit.Decision) {
			metrics.ObserveRateLimit(scope, d.Allowed)
		}),
	), nil
}

func newProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (speech.Provider, error) {
	if cfg.SpeechBackend == config.BackendMock {
		return speech.NewMockProvider(50 * time.Millisecond), nil
	}
	p, err := speech.NewGoogleProvider(ctx, cfg.GoogleCredentials)
	if err != nil {
		return nil, fmt.Errorf("google speech client init failed: %w", err)
	}
	if cfg.FallbackBackend != config.BackendMock {
		return p, nil
	}
	return speech.NewFailoverProvider(p, speech.NewMockProvider(50*time.Millisecond), func(from, to string, err error) {
		logger.Warn("speech backend failover", "from", from, "to", to, "error", err)
	}), nil
}
