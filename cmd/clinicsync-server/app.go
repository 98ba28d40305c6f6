package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicsync/clinicsync/internal/config"
	"github.com/clinicsync/clinicsync/internal/domain/availability"
	"github.com/clinicsync/clinicsync/internal/domain/calsync"
	"github.com/clinicsync/clinicsync/internal/domain/scheduling"
	"github.com/clinicsync/clinicsync/internal/domain/syncstate"
	"github.com/clinicsync/clinicsync/internal/domain/vault"
	"github.com/clinicsync/clinicsync/internal/platform/auth"
	"github.com/clinicsync/clinicsync/internal/platform/db"
	"github.com/clinicsync/clinicsync/internal/platform/gcal"
	"github.com/clinicsync/clinicsync/internal/platform/jobs"
	"github.com/clinicsync/clinicsync/internal/platform/lock"
	"github.com/clinicsync/clinicsync/internal/platform/middleware"
)

const requestTimeout = 30 * time.Second

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	// Set when REDIS_URL is configured.
	redisOpts *redis.Options
	rdb       *redis.Client
	tasks     *asynq.Client

	svc    *scheduling.Service
	blocks calsync.BlockRepository

	// Calendar integration; nil unless Google is configured.
	vault     *vault.Vault
	states    *syncstate.Store
	runner    *calsync.Runner
	publisher *calsync.Publisher
	handlers  *jobs.Handlers
	inline    *jobs.Inline
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redisOpts = opts
		a.rdb = redis.NewClient(opts)
		a.tasks = asynq.NewClient(redisConnOpt(opts))
	}

	events := scheduling.NewEventRepoPG(pool)
	a.blocks = calsync.NewBlockRepoPG(pool)
	engine := availability.NewEngine(events, a.blocks)
	a.svc = scheduling.NewService(events, scheduling.NewChangeRequestRepoPG(pool), engine, db.NewTransactor(pool))

	if !cfg.GoogleEnabled() {
		logger.Warn().Msg("GOOGLE_CLIENT_ID not set; calendar sync disabled")
		return a, nil
	}
	if err := a.wireCalendar(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireCalendar() error {
	vaultKey, err := a.cfg.VaultKey()
	if err != nil {
		return err
	}
	cipher, err := vault.NewCipher(vaultKey)
	if err != nil {
		return err
	}
	stateKey, err := oauthStateKey(a.cfg, vaultKey)
	if err != nil {
		return err
	}
	provider := gcal.NewOAuth(a.cfg.GoogleClientID, a.cfg.GoogleClientSecret, a.cfg.GoogleRedirectURL, a.cfg.GoogleHTTPTimeout)
	a.vault = vault.New(vault.NewRepoPG(a.pool), cipher, provider, vault.NewStateSigner(stateKey), a.logger)

	directory := calsync.NewDirectoryPG(a.pool)
	a.states = syncstate.NewStore(syncstate.NewRepoPG(a.pool))
	importer := calsync.NewImporter(a.blocks, a.svc, a.states, a.logger)
	a.runner = calsync.NewRunner(a.vault, directory, a.states, importer, newLocker(a.rdb, a.logger), channelConfig(a.cfg), a.logger)
	a.publisher = calsync.NewPublisher(a.svc, a.vault, directory, a.logger)
	a.handlers = jobs.NewHandlers(a.runner, a.publisher, a.logger)

	if a.tasks != nil {
		a.svc.SetNotifier(jobs.NewQueue(a.tasks, a.logger))
	} else {
		a.inline = jobs.NewInline(a.handlers)
		a.svc.SetNotifier(a.inline)
	}
	return nil
}

// trigger is how webhook notifications and fresh connections start a sync.
func (a *app) trigger() calsync.Trigger {
	if a.tasks != nil {
		return jobs.NewQueue(a.tasks, a.logger)
	}
	return a.inline
}

func (a *app) schedule() jobs.ScheduleConfig {
	return jobs.ScheduleConfig{
		SyncInterval:  a.cfg.SyncInterval,
		RenewInterval: a.cfg.RenewInterval,
		RenewLead:     a.cfg.ChannelRenewLead,
	}
}

func (a *app) close() {
	if a.inline != nil {
		a.inline.Wait()
	}
	if a.tasks != nil {
		_ = a.tasks.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.pool.Close()
}

func (a *app) healthChecks() []db.Check {
	checks := []db.Check{db.PoolCheck(a.pool)}
	if a.rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

// newServer builds the HTTP surface: public OAuth callback and webhook,
// authenticated API under /api/v1.
func (a *app) newServer() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	e.Use(middleware.RequestTimeout(requestTimeout, "/webhooks/"))

	e.GET("/health", db.HealthHandler(a.healthChecks()...))
	e.GET("/health/db", func(c echo.Context) error {
		return c.JSON(http.StatusOK, db.GetPoolStats(a.pool))
	})

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}
	apiV1 := e.Group("/api/v1", authMW)

	scheduling.NewHandler(a.svc).RegisterRoutes(apiV1)

	if a.vault != nil {
		trigger := a.trigger()
		vaultHandler := vault.NewHandler(a.vault, cfg.OAuthDefaultReturnURL, cfg.CORSOrigins, a.logger)
		vaultHandler.SetConnectHook(func(ctx context.Context, resourceID uuid.UUID) {
			log := a.logger.With().Str("resource_id", resourceID.String()).Logger()
			if err := trigger.TriggerSync(ctx, resourceID); err != nil {
				log.Error().Err(err).Msg("initial sync not started")
			}
			if err := a.runner.EnsureChannel(ctx, resourceID); err != nil {
				log.Error().Err(err).Msg("push channel not opened")
			}
		})
		vaultHandler.RegisterPublicRoutes(e)
		vaultHandler.RegisterRoutes(apiV1)

		calsync.NewHandler(a.runner, a.blocks, cfg.ChannelRenewLead).RegisterRoutes(apiV1)
		calsync.NewWebhookHandler(a.runner, trigger, a.logger).RegisterRoutes(e)
	}
	return e
}

// oauthStateKey prefers an explicit OAUTH_STATE_SECRET and otherwise derives
// the signing key from the vault key.
func oauthStateKey(cfg *config.Config, vaultKey []byte) ([]byte, error) {
	if cfg.OAuthStateSecret != "" {
		return []byte(cfg.OAuthStateSecret), nil
	}
	return vault.DeriveStateKey(vaultKey)
}

func channelConfig(cfg *config.Config) calsync.ChannelConfig {
	return calsync.ChannelConfig{
		Address: cfg.WebhookAddress(),
		Token:   cfg.WebhookChannelToken,
		TTL:     cfg.ChannelTTL,
	}
}

// newLocker picks the Redis-backed run lock when Redis is available so
// cycles are exclusive across processes.
func newLocker(client *redis.Client, logger zerolog.Logger) lock.Locker {
	if client == nil {
		return lock.NewLocalLocker()
	}
	return lock.NewRedisLocker(client, "clinicsync:lock:", logger)
}

func redisConnOpt(opts *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   opts.Network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

// rateLimitConfig applies configured limits over the middleware defaults.
func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}
