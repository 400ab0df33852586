package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/docrelay/internal/config"
	"github.com/MarcoPoloResearchLab/docrelay/internal/database"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"github.com/MarcoPoloResearchLab/docrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/docrelay/internal/notify"
	"github.com/MarcoPoloResearchLab/docrelay/internal/persistence"
	"github.com/MarcoPoloResearchLab/docrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/docrelay/internal/server"
	"github.com/MarcoPoloResearchLab/docrelay/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// appRuntime bundles what every subcommand needs: validated config, a logger and the database.
type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *documents.Store
}

func openRuntime() (*appRuntime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, nil, err
	}

	cleanup := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return &appRuntime{config: appConfig, logger: logger, db: db, store: store}, cleanup, nil
}

func runServer(ctx context.Context) error {
	rt, cleanup, err := openRuntime()
	if err != nil {
		return err
	}
	defer cleanup()
	appConfig := rt.config
	logger := rt.logger

	identities, err := users.NewService(users.ServiceConfig{Database: rt.db, Clock: time.Now})
	if err != nil {
		return err
	}
	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		Identities:    identities,
	})
	if err != nil {
		return err
	}
	gate, err := access.NewGate(access.GateConfig{Tokens: validator, Permissions: rt.store, Logger: logger})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()
	notifiers := notify.Multi{dispatcher}
	if appConfig.RedisURL != "" {
		publisher, err := notify.NewRedisPublisher(ctx, appConfig.RedisURL, appConfig.RedisChannel)
		if err != nil {
			return err
		}
		defer publisher.Close() //nolint:errcheck
		notifiers = append(notifiers, publisher)
	}
	if appConfig.MeiliURL != "" {
		notifiers = append(notifiers, notify.NewSearchIndexer(appConfig.MeiliURL, appConfig.MeiliAPIKey, logger))
	}

	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{
		Store:      rt.store,
		Notifier:   notifiers,
		Logger:     logger,
		Debounce:   appConfig.Persistence.Debounce,
		MaxDelay:   appConfig.Persistence.MaxDelay,
		RetryBase:  appConfig.Persistence.RetryBase,
		RetryMax:   appConfig.Persistence.RetryMax,
		AlertAfter: appConfig.Persistence.AlertAfter,
		Workers:    appConfig.Persistence.Workers,
		QueueSize:  appConfig.Persistence.QueueSize,
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	registry, err := relay.NewRegistry(relay.RegistryConfig{
		Store:            rt.store,
		Persister:        scheduler,
		Logger:           logger,
		PresenceTick:     appConfig.Relay.PresenceTick,
		AwarenessTimeout: appConfig.Relay.AwarenessTimeout,
	})
	if err != nil {
		return err
	}

	sweeper, err := persistence.NewSweeper(persistence.SweeperConfig{
		Store:     rt.store,
		Live:      registry,
		Retention: appConfig.Persistence.GCRetention,
		Interval:  appConfig.Persistence.GCInterval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:     gate,
		Registry: registry,
		Events:   dispatcher,
		Connection: relay.ConnectionConfig{
			SendQueueFrames: appConfig.Relay.SendQueueFrames,
			SendQueueBytes:  appConfig.Relay.SendQueueBytes,
			MaxFrameBytes:   appConfig.Relay.MaxFrameBytes,
			KeepAlive:       appConfig.Relay.KeepAliveInterval,
			IdleTimeout:     appConfig.Relay.IdleTimeout,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go sweeper.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Sessions go first so peers see going-away and final snapshots are queued before the
	// scheduler drains.
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	cancelBase()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("snapshot queue not drained", zap.Int("pending", scheduler.Pending()), zap.Error(err))
	}
	return serveErr
}
