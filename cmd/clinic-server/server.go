package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/teaclinic/clinic/internal/config"
	"github.com/teaclinic/clinic/internal/domain/admin"
	"github.com/teaclinic/clinic/internal/domain/evaluation"
	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/domain/procedure"
	"github.com/teaclinic/clinic/internal/domain/refdata"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/auth"
	"github.com/teaclinic/clinic/internal/platform/db"
	"github.com/teaclinic/clinic/internal/platform/middleware"
	"github.com/teaclinic/clinic/internal/platform/reporting"
	"github.com/teaclinic/clinic/internal/platform/telemetry"
	"github.com/teaclinic/clinic/internal/platform/websocket"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
	bodyLimit      = "1M"
	auditStreamLen = 100000
)

// app holds the services shared by the server and the maintenance commands.
type app struct {
	pool        *pgxpool.Pool
	auditLog    *audit.PGStore
	identity    *identity.Service
	refdata     *refdata.Service
	procedures  *procedure.Service
	evaluations *evaluation.Service
	admin       *admin.Service
	live        *websocket.Hub
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, sink audit.Sink, logger zerolog.Logger) *app {
	var poolStats func() *db.PoolStats
	if pool != nil {
		poolStats = func() *db.PoolStats { return db.GetPoolStats(pool) }
	}
	live := websocket.NewHub(logger)
	metrics := telemetry.New(poolStats)

	rec := audit.NewRecorder(audit.Fanout{sink, live, metrics}, logger)
	tx := db.NewRunner(pool)
	auditLog := audit.NewPGStore(pool)

	identitySvc := identity.NewService(identity.NewPatientRepoPG(pool), identity.NewClinicianRepoPG(pool), rec, logger)
	procedureSvc := procedure.NewService(procedure.NewRepoPG(pool), tx, rec, logger)

	return &app{
		pool:        pool,
		auditLog:    auditLog,
		identity:    identitySvc,
		refdata:     refdata.NewService(refdata.NewRepoPG(pool), logger),
		procedures:  procedureSvc,
		evaluations: evaluation.NewService(evaluation.NewRepoPG(pool), tx, procedureSvc, identitySvc, identitySvc, rec, logger),
		admin:       admin.NewService(admin.NewRepoPG(pool), auditLog, tx, rec, logger),
		live:        live,
		metrics:     metrics,
		logger:      logger,
	}
}

// openAuditSinks builds the audit fan-out: the audit_log table and the
// log are always on, Redis and Kafka only when configured. The returned
// func releases the optional clients.
func openAuditSinks(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (audit.Sink, func(), error) {
	sinks := audit.Fanout{audit.NewLogSink(logger)}
	if pool != nil {
		sinks = append(sinks, audit.NewPGStore(pool))
	}
	var closers []func()

	if cfg.RedisURL != "" {
		client, err := audit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, audit.NewStreamSink(client, cfg.AuditStream, auditStreamLen))
		closers = append(closers, func() { closeRedis(client, logger) })
		logger.Info().Str("stream", cfg.AuditStream).Msg("audit stream sink enabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := audit.NewKafkaSink(audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.AuditTopic))
		sinks = append(sinks, kafkaSink)
		closers = append(closers, func() {
			if err := kafkaSink.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka writer")
			}
		})
		logger.Info().Str("topic", cfg.AuditTopic).Strs("brokers", cfg.KafkaBrokers).Msg("audit kafka sink enabled")
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func closeRedis(client *redis.Client, logger zerolog.Logger) {
	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("close redis client")
	}
}

// resolveSigningKey returns the configured signing key, or a random one in
// development when none is set. The second value reports a generated key.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey), false, nil
	}
	if !cfg.IsDev() {
		return nil, false, fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}

func newServer(cfg *config.Config, a *app, jwtCfg auth.JWTConfig) *echo.Echo {
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.PoolHealthHandler(a.pool))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))

	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}
	apiV1.Use(auth.SkipPaths(authMW, "/api/v1/auth/login"))
	apiV1.Use(middleware.AccessAudit(logger, nil))

	tokens := auth.NewTokenIssuer(jwtCfg, cfg.AuthTokenTTL)
	identity.NewHandler(a.identity, tokens).RegisterRoutes(apiV1)
	refdata.NewHandler(a.refdata).RegisterRoutes(apiV1)
	procedure.NewHandler(a.procedures, a.identity).RegisterRoutes(apiV1)
	evaluation.NewHandler(a.evaluations).RegisterRoutes(apiV1)
	admin.NewHandler(a.admin).RegisterRoutes(apiV1)

	reports := procedure.NewReports(a.procedures)
	reporting.NewHandler(a.pool, reports, reports).RegisterRoutes(apiV1)
	websocket.NewHandler(a.live, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "clinic-server",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	sink, closeSinks, err := openAuditSinks(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open audit sinks")
	}
	defer closeSinks()

	key, generated, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve signing key")
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set: using a random key, tokens will not survive a restart")
	}

	a := newApp(cfg, pool, sink, logger)
	if err := a.refdata.EnsureDefaults(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to seed reference data")
	}

	e := newServer(cfg, a, auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: key})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
