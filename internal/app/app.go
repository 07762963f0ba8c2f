package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/adhilroshan/callendar/internal/alerts"
	"github.com/adhilroshan/callendar/internal/auth"
	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/adhilroshan/callendar/internal/config"
	"github.com/adhilroshan/callendar/internal/cycle"
	"github.com/adhilroshan/callendar/internal/database"
	"github.com/adhilroshan/callendar/internal/metrics"
	"github.com/adhilroshan/callendar/internal/notify"
	"github.com/adhilroshan/callendar/internal/scheduler"
	"github.com/adhilroshan/callendar/internal/server"
	"github.com/adhilroshan/callendar/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the wired components of the alerting service.
type App struct {
	Orchestrator *cycle.Orchestrator
	Handler      http.Handler
	Scheduler    *scheduler.Scheduler
	Users        *users.Store

	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
}

// Options overrides infrastructure for callers that already hold it.
type Options struct {
	Database   *gorm.DB
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// New wires every component from configuration.
func New(cfg config.AppConfig, logger *zap.Logger, options Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db := options.Database
	if db == nil {
		opened, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db = opened
	}

	registerer := options.Registerer
	gatherer := options.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(promcollectors.NewGoCollector(), promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}))
		registerer = registry
		gatherer = registry
	}
	collectors := metrics.NewCollectors(registerer)

	userStore, err := users.NewStore(users.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	ledger, err := alerts.NewLedger(alerts.LedgerConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	var refresher auth.Refresher
	oauthRefresher, err := auth.NewOAuthRefresher(auth.OAuthRefresherConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenURL:     cfg.GoogleTokenURL,
	})
	if err != nil {
		logger.Warn("credential refresh disabled", zap.Error(err))
		refresher = unavailableRefresher{err: err}
	} else {
		refresher = oauthRefresher
	}
	resolver, err := auth.NewResolver(auth.ResolverConfig{
		Refresher: refresher,
		Store:     userStore,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	fetcher, err := calendar.NewFetcher(calendar.FetcherConfig{
		Provider:  calendar.NewGoogleProvider(calendar.GoogleProviderConfig{Logger: logger}),
		Lookahead: cfg.Lookahead,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	notifier := notify.NewTwilioNotifier(notify.TwilioConfig{
		AccountSID:     cfg.TwilioAccountSID,
		AuthToken:      cfg.TwilioAuthToken,
		FromNumber:     cfg.TwilioFromNumber,
		CallsPerSecond: cfg.TwilioCallsPerSecond,
		RequestTimeout: cfg.CallTimeout,
		Logger:         logger,
	})
	dispatcher, err := alerts.NewDispatcher(alerts.DispatcherConfig{
		Ledger:      ledger,
		Notifier:    notifier,
		CallTimeout: cfg.CallTimeout,
		Metrics:     collectors,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	app := &App{Users: userStore, db: db, logger: logger}

	var guard cycle.Guard = cycle.NewLocalGuard()
	if cfg.RedisURL != "" {
		client, err := cycle.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		redisGuard, err := cycle.NewRedisGuard(cycle.RedisGuardConfig{Client: client, TTL: cfg.LockTTL, Logger: logger})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		app.redis = client
		guard = redisGuard
	}

	orchestrator, err := cycle.NewOrchestrator(cycle.OrchestratorConfig{
		Users:            userStore,
		Resolver:         resolver,
		Fetcher:          fetcher,
		Dispatcher:       dispatcher,
		Notifier:         notifier,
		Guard:            guard,
		CallTimeout:      cfg.CallTimeout,
		MaxParallelUsers: cfg.MaxParallelUsers,
		Metrics:          collectors,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	app.Orchestrator = orchestrator

	var sessions server.SessionValidator
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SessionSigningSecret),
		Issuer:        cfg.SessionIssuer,
		CookieName:    cfg.SessionCookieName,
	})
	if err != nil {
		logger.Warn("per-user endpoints disabled", zap.Error(err))
		sessions = disabledSessions{err: err}
	} else {
		sessions = sessionValidator
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Cycle:         orchestrator,
		Notifier:      notifier,
		Sessions:      sessions,
		Users:         userStore,
		Fetcher:       fetcher,
		Resolver:      resolver,
		CronSecret:    cfg.CronSecret,
		DisplayWindow: cfg.DisplayWindow,
		Gatherer:      gatherer,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	app.Handler = handler

	cronScheduler, err := scheduler.New(scheduler.Config{
		Schedule: cfg.Schedule,
		Job: func(ctx context.Context) {
			_, _ = orchestrator.Run(ctx)
		},
		// A run must not outlive its run token.
		JobTimeout: cfg.LockTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	app.Scheduler = cronScheduler

	return app, nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

type unavailableRefresher struct {
	err error
}

func (r unavailableRefresher) Refresh(context.Context, string) (auth.Credential, error) {
	return auth.Credential{}, r.err
}

type disabledSessions struct {
	err error
}

func (s disabledSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, s.err
}
