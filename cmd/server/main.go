package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/log"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/scheduler"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	boltstore "posledger/backend/internal/store/bolt"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		log.L.Fatalf("server exited: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCloser, err := log.Setup(log.Options{
		Level:      cfg.App.LogLevel,
		Production: cfg.IsProduction(),
		File:       cfg.App.LogFile,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	repo, closers, err := openStore(startupCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.L.WithError(err).Warn("close error")
			}
		}
	}()

	statsCache, cacheCloser := openStatsCache(startupCtx, cfg)
	if cacheCloser != nil {
		closers = append(closers, cacheCloser)
	}

	recorder := metrics.New()
	svc := service.New(repo, statsCache, service.Options{
		Driver:    cfg.StoreDriver(),
		CostBasis: cfg.Stats.CostBasis,
		CacheTTL:  cfg.Stats.CacheTTL,
		Metrics:   recorder,
	})

	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.AccessTokenTTL(), cfg.Auth.ManagerPIN, repo)
	if err := auth.Refresh(startupCtx); err != nil {
		return fmt.Errorf("load user accounts: %w", err)
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Metrics:       recorder,
	})

	warmer := scheduler.NewStatsWarmerService(svc, scheduler.StatsWarmerConfig{
		CronSchedule: cfg.Stats.WarmCron,
		Enabled:      cfg.Stats.WarmEnabled,
	})
	if err := warmer.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.L.WithFields(log.Fields{
			"address": cfg.Address(),
			"store":   cfg.StoreDriver(),
		}).Info("posledger listening")
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
		log.L.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.L.WithError(err).Error("shutdown error")
	}

	log.L.Info("server stopped")
	return nil
}

// openStore builds the repository named by the configuration, migrating and
// seeding it as needed. Postgres never falls back to memory when it is
// configured but unreachable.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	switch driver := cfg.StoreDriver(); driver {
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		if err := pg.Seed(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("seed postgres: %w", err)
		}
		log.L.Info("repository: postgres")
		return pg, []func() error{pg.Close}, nil

	case config.DriverBolt:
		db, err := boltstore.Open(cfg.Database.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Seed(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("seed bolt: %w", err)
		}
		log.L.WithField("path", cfg.Database.BoltPath).Info("repository: bolt")
		return db, []func() error{db.Close}, nil

	default:
		mem, err := memory.NewSeeded()
		if err != nil {
			return nil, nil, err
		}
		log.L.Info("repository: in-memory")
		return mem, nil, nil
	}
}

// openStatsCache connects to Redis when REDIS_ADDR is set. An unreachable
// Redis degrades to the noop cache.
func openStatsCache(ctx context.Context, cfg config.Config) (cache.StatsCache, func() error) {
	if cfg.Redis.Addr == "" {
		log.L.Info("stats cache: noop")
		return cache.NoopStatsCache{}, nil
	}

	redisCache := cache.NewRedisStatsCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisCache.Ping(ctx); err != nil {
		log.L.WithError(err).Warn("redis unavailable, using noop stats cache")
		redisCache.Close()
		return cache.NoopStatsCache{}, nil
	}
	log.L.WithField("addr", cfg.Redis.Addr).Info("stats cache: redis")
	return redisCache, redisCache.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are non-numeric, a single repeated
// digit, a straight run, or on the common-PIN list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	common := map[string]bool{
		"121212": true, "112233": true, "123123": true, "102030": true,
		"696969": true, "131313": true, "159753": true,
	}
	if common[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
