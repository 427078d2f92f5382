package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-gatekeeper/internal/app"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auditlog"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auth"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/httpserver"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/metrics"
)

const serviceName = "gatekeeper"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("GATEKEEPER_HTTP_ADDR", ":8085")
	shutdownTimeout, err := env.Duration("GATEKEEPER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	alertMaxSkew, err := env.Duration("GATEKEEPER_ALERT_MAX_SKEW", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	alertSecret := strings.TrimSpace(env.String("GATEKEEPER_ALERT_SECRET", ""))
	if alertSecret == "" {
		logger.Error("GATEKEEPER_ALERT_SECRET is required")
		os.Exit(2)
	}

	cfg, err := app.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	pol, err := app.LoadPolicy(cfg.PolicyPath, cfg.Epsilon)
	if err != nil {
		logger.Error("invalid policy", "path", cfg.PolicyPath, "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("backends unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backends.Close() }()

	m := metrics.New()
	sinks, err := app.OpenSinks(ctx, cfg, backends, m, logger)
	if err != nil {
		logger.Error("verdict sinks unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sinks.Close() }()

	engines, err := app.NewEngines(backends, pol, sinks, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	api := newGatekeeperAPI(apiConfig{
		Logger:       logger,
		Gate:         engines.Gatekeeper,
		Rollback:     engines.Rollback,
		Registry:     backends.Registry,
		Verdicts:     backends.Verdicts,
		Metrics:      m,
		Audit:        backends.Audit,
		AlertSecret:  alertSecret,
		AlertMaxSkew: alertMaxSkew,
	})
	checks := append(append([]httpserver.ReadinessCheck{}, backends.Checks...), sinks.Checks...)
	handler := api.routes(checks, authenticator, func(ctx context.Context, event auth.DenyEvent) error {
		return backends.Audit(ctx, auditlog.AuthDenyEvent(serviceName, event))
	})

	logger.Info("gatekeeper starting",
		"registry_backend", cfg.RegistryBackend,
		"runs_backend", cfg.RunsBackend,
		"policy_rules", len(pol.Rules()),
		"auth_mode", authCfg.Mode,
		"sinks", sinks.Names(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Service:         serviceName,
			Addr:            addr,
			ShutdownTimeout: shutdownTimeout,
		}, httpserver.Wrap(logger, m, handler))
	})
	if backends.Badger != nil {
		g.Go(func() error { return backends.Badger.RunGC(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
