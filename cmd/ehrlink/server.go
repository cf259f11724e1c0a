package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/config"
	"github.com/ehr/ehrlink/internal/domain/ehr"
	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/internal/platform/hipaa"
	"github.com/ehr/ehrlink/internal/platform/middleware"
	"github.com/ehr/ehrlink/internal/platform/outbound"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
	"github.com/ehr/ehrlink/migrations"
)

const (
	version              = "0.1.0"
	callbackPath         = "/api/v1/ehr/callback"
	launchCleanupPeriod  = 5 * time.Minute
	launchCleanupTimeout = 30 * time.Second
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTelEnabled {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName:    "ehrlink",
			ServiceVersion: version,
			MetricInterval: cfg.OTelMetricInterval,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up telemetry")
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown failed")
			}
		}()
		logger.Info().Msg("exporting traces and metrics over OTLP")
	}

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key error")
	}
	if signingKey == nil {
		logger.Warn().Msg("no signing key configured; private_key_jwt providers cannot connect")
	}

	svc := newService(cfg, store, signingKey, logger)
	e := newRouter(cfg, logger, svc, signingKey)

	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS)))
		if cleaner, ok := store.(*ehr.PGStore); ok {
			go cleanupLaunches(ctx, cleaner, logger)
		}
	}

	addr := ":" + cfg.Port
	logger.Info().
		Str("addr", addr).
		Str("store", cfg.Store).
		Bool("tls", cfg.TLSEnabled).
		Int("issuer_allowlist", len(cfg.IssuerAllowlist)).
		Msg("starting server")
	return serveUntilSignal(e, logger, func() error {
		if cfg.TLSEnabled {
			return e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		}
		return e.Start(addr)
	})
}

// openStore returns the configured persistence. The pool is nil for the
// memory store.
func openStore(ctx context.Context, cfg *config.Config) (ehr.Store, *pgxpool.Pool, error) {
	if cfg.Store != config.StorePostgres {
		return ehr.NewMemoryStore(), nil, nil
	}
	key, err := cfg.TokenKey()
	if err != nil {
		return nil, nil, err
	}
	sealer, err := hipaa.NewTokenSealer(key)
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "ehrlink", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return ehr.NewPGStore(pool, sealer), pool, nil
}

// loadSigningKey returns nil when no key is configured.
func loadSigningKey(cfg *config.Config) (*auth.SigningKey, error) {
	pemData, err := cfg.SigningKeyPEM()
	if err != nil || pemData == nil {
		return nil, err
	}
	return auth.ParseSigningKeyPEM(pemData, cfg.JWKSKeyID)
}

func newService(cfg *config.Config, store ehr.Store, key *auth.SigningKey, logger zerolog.Logger) *ehr.Service {
	httpClient := outbound.New(
		outbound.WithTimeout(cfg.HTTPTimeout),
		outbound.WithRateLimit(cfg.FHIRRPS),
		outbound.WithBurst(cfg.FHIRBurst),
		outbound.WithLogger(logger),
	)
	return ehr.NewService(ehr.NewRegistry(), store, httpClient, ehr.ServiceConfig{
		RedirectURI:   cfg.RedirectURI,
		LaunchTTL:     cfg.LaunchTTL,
		SigningKey:    key,
		Allowlist:     auth.NewIssuerAllowlist(cfg.IssuerAllowlist),
		CapabilityTTL: cfg.CapabilityTTL,
	}, logger)
}

// newRouter wires global middleware, health and the integration API.
func newRouter(cfg *config.Config, logger zerolog.Logger, svc *ehr.Service, key *auth.SigningKey) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.Tenant(cfg.DefaultTenant, callbackPath))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	var keys []*auth.SigningKey
	if key != nil {
		keys = append(keys, key)
	}
	ehr.NewHandler(svc, keys...).RegisterRoutes(e, apiV1)
	return e
}

// cleanupLaunches purges expired launch contexts until ctx ends.
func cleanupLaunches(ctx context.Context, store *ehr.PGStore, logger zerolog.Logger) {
	ticker := time.NewTicker(launchCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, launchCleanupTimeout)
			n, err := store.CleanupLaunches(runCtx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("launch context cleanup failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired launch contexts removed")
			}
		}
	}
}
