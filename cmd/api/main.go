package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rently/internal/api"
	"rently/internal/config"
	"rently/internal/database"
	"rently/internal/domain"
	"rently/internal/events"
	"rently/internal/logging"
	"rently/internal/metrics"
	"rently/internal/models"
	"rently/internal/repository"
	"rently/internal/service"
	"rently/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error().Err(err).Str("catalog_path", cfg.CatalogPath).Msg("load catalog")
		return err
	}

	db, err := initDatabase(cfg, catalog, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	locker := initLocker(cfg, redisClient, logger)

	bus := events.NewEventBus()
	broker := initBroker(cfg, bus, logger)
	if broker != nil {
		defer broker.Close()
	}

	loc, err := cfg.Reservations.Location()
	if err != nil {
		return err
	}
	window, _, _ := cfg.Reservations.Durations()

	reservations := service.NewReservationService(
		db, db, db, locker, bus,
		service.Options{CancellationWindow: window, Location: loc},
		logging.Component(logger, "reservations"),
	)
	identity := service.NewIdentityService(cfg.API.Auth.APIKeys, db)
	httpServer := api.NewHTTPServer(cfg.API, reservations, db, identity, db.PingContext, logging.Component(logger, "http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, logger)
	startBackground(ctx, cfg, db, reservations, logger)

	return startServer(ctx, httpServer, cfg, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

// catalogFile is the seed of accounts and accommodations owned by other services.
type catalogFile struct {
	Accounts       []models.Account       `yaml:"accounts"`
	Accommodations []models.Accommodation `yaml:"accommodations"`
}

func loadCatalog(path string) (*catalogFile, error) {
	if envPath := os.Getenv("CATALOG_PATH"); envPath != "" {
		path = envPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for _, a := range catalog.Accounts {
		if !a.Role.Valid() {
			return nil, fmt.Errorf("account %d has invalid role %q", a.ID, a.Role)
		}
	}
	return &catalog, nil
}

func initDatabase(cfg *config.Config, catalog *catalogFile, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.SyncAccounts(ctx, catalog.Accounts); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync accounts: %w", err)
	}
	if err := db.SyncAccommodations(ctx, catalog.Accommodations); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync accommodations: %w", err)
	}
	logger.Info().
		Int("accounts", len(catalog.Accounts)).
		Int("accommodations", len(catalog.Accommodations)).
		Msg("catalog synced")
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled || cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing with in-process locks")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initLocker(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.Locker {
	_, ttl, wait := cfg.Reservations.Durations()
	memory := repository.NewMemoryLocker(wait)
	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverLocker(
		repository.NewRedisLocker(redisClient, ttl, wait),
		memory,
		logging.Component(logger, "locker"),
	)
}

func initBroker(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *events.Broker {
	if !cfg.Broker.Enabled {
		return nil
	}
	broker, err := events.DialBroker(cfg.Broker.URL, cfg.Broker.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("broker connection failed, events stay in-process")
		return nil
	}
	events.NewAMQPForwarder(broker.Channel(), cfg.Broker.Exchange, logging.Component(logger, "events")).Attach(bus)
	logger.Info().Str("exchange", cfg.Broker.Exchange).Msg("broker connected")
	return broker
}

func startBackground(ctx context.Context, cfg *config.Config, db *database.DB, reservations *service.ReservationService, logger *zerolog.Logger) {
	if cfg.Scheduler.Enabled {
		w := worker.NewCompletionWorker(reservations, cfg.Scheduler.IntervalDuration(), worker.RetryPolicy{}, logging.Component(logger, "completion"))
		go w.Start(ctx)
	}
	if cfg.Backup.Enabled {
		go database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup")).Run(ctx)
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
