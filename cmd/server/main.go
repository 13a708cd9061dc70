package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/config"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/httpapi"
	"tillpoint/backend/internal/logging"
	"tillpoint/backend/internal/notify"
	"tillpoint/backend/internal/observability"
	"tillpoint/backend/internal/refresh"
	"tillpoint/backend/internal/service"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/store/memory"
	pgstore "tillpoint/backend/internal/store/postgres"
	"tillpoint/backend/internal/xid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	origin := xid.New("node")
	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(startCtx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	ctx, cancelAll := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancelAll()
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background task stopped", zap.String("task", name), zap.Error(err))
			}
		}()
	}

	hub := notify.NewHub(origin, logger)
	var notifier notify.Notifier = hub
	var sink notify.Sink = hub
	viewCache := cache.ViewCache(cache.NoopViewCache{})
	if cfg.RedisAddr != "" {
		client := notify.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rn := notify.NewRedis(client, cfg.NotifyChannel, origin, logger)
		if err := rn.Ping(startCtx); err != nil {
			logger.Warn("redis unavailable, change notifications stay in-process", zap.Error(err))
			_ = client.Close()
		} else {
			notifier, sink = rn, rn
			viewCache = cache.NewRedisViewCache(client)
			closers = append(closers, rn.Close)
			background("redis-listen", rn.Listen)
			logger.Info("notifier: redis", zap.String("channel", cfg.NotifyChannel))
		}
	} else {
		logger.Info("notifier: in-process")
	}
	if cfg.DatabaseURL != "" {
		background("postgres-listen", notify.NewPGListener(cfg.DatabaseURL, pgstore.NotifyChannel, sink, logger).Run)
	}

	metrics := observability.NewMetrics()
	refresher := refresh.New(repo, refresh.Options{
		Debounce:    cfg.RefreshDebounce,
		Concurrency: cfg.RefreshConcurrency,
		Cache:       viewCache,
		Recorder:    metrics,
		Logger:      logger,
	})

	svc := service.New(service.Deps{
		Repo:            repo,
		Publisher:       notifier,
		Views:           refresher,
		Recorder:        metrics,
		Logger:          logger,
		DefaultSystem:   cfg.DefaultSystemType,
		CheckoutTimeout: cfg.CheckoutTimeout,
	})
	// Open carts track stock and prices from every refreshed view.
	defer refresher.Listen(func(v domain.View) {
		if !v.Stale {
			svc.Carts().Observe(v.Products)
		}
	})()
	background("refresh", func(ctx context.Context) error { return refresher.Run(ctx, notifier) })

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Subscriber:    notifier,
		Views:         refresher,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.CheckoutTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("PIN must be digits only")
		}
	}
	return nil
}
