package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"integrahub/internal/api"
	"integrahub/internal/breaker"
	"integrahub/internal/config"
	"integrahub/internal/dispatcher"
	"integrahub/internal/lock"
	"integrahub/internal/metrics"
	"integrahub/internal/middleware"
	"integrahub/internal/model"
	"integrahub/internal/queue"
	"integrahub/internal/repository"
	"integrahub/internal/service"
	"integrahub/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	locker, etcdCli, err := initLocker(cfg.Etcd)
	if err != nil {
		return err
	}
	if etcdCli != nil {
		defer etcdCli.Close()
	}
	defer locker.Close()

	// 2. Core components
	store := repository.NewGormStore(db)
	observer := metrics.NewPrometheusObserver()
	jobs := queue.NewRedisQueue(rdb, cfg.Redis.Prefix)
	circuits := breaker.New(rdb, breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
		Prefix:    cfg.Redis.Prefix,
	}, observer)
	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.BufferSize)

	processor := service.NewProcessor(store, dispatcher.NewSender(cfg.Delivery.Timeout), circuits, hub, observer, service.ProcessorConfig{
		MaxAttempts:       cfg.Delivery.MaxAttempts,
		BaseBackoff:       cfg.Delivery.BaseBackoff,
		MaxBackoff:        cfg.Delivery.MaxBackoff,
		Parallelism:       cfg.Delivery.Parallelism,
		RetryClientErrors: cfg.Delivery.RetryClientErrors,
	})

	events := service.NewEventService(store, jobs)
	operators := service.NewOperatorService(store, processor, circuits)
	monitor := service.NewMonitorService(store, circuits, jobs, service.MonitorConfig{
		DeadLetterThreshold: cfg.Monitor.DeadLetterThreshold,
		RetryThreshold:      cfg.Monitor.RetryThreshold,
		PendingThreshold:    cfg.Monitor.PendingThreshold,
		CircuitOpenAlert:    cfg.Monitor.CircuitOpenAlert,
	})
	clients := service.NewClientCache(store.Clients(), cfg.Server.ClientCacheTTL)

	// 3. Background workers
	pool := service.NewWorkerPool(jobs, processor, cfg.Workers.PoolSize, cfg.Workers.QueueTimeout)
	scheduler := service.NewRetryScheduler(store.Retries(), processor, locker, observer, service.SchedulerConfig{
		Interval:    cfg.Workers.RetryInterval,
		BatchSize:   cfg.Workers.RetryBatchSize,
		Parallelism: cfg.Delivery.Parallelism,
	})
	sweeper := service.NewPendingSweeper(store, processor, cfg.Workers.PendingInterval, cfg.Workers.PendingGrace, cfg.Workers.PendingBatchSize)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("starting " + name)
			fn(ctx)
			logger.Info(name + " stopped")
		}()
	}
	start("hub", hub.Run)
	start("worker pool", pool.Run)
	start("retry scheduler", scheduler.Run)
	start("pending sweeper", sweeper.Run)

	// 4. HTTP server
	limiter := middleware.NewRateLimiter(rdb, middleware.RateLimiterConfig{
		Limit:     cfg.RateLimit.RequestsPerMinute,
		Window:    cfg.RateLimit.Window,
		KeyPrefix: cfg.Redis.Prefix + ":ratelimit",
	}, metrics.RecordRateLimited)

	r := api.RegisterRoutes(api.Handlers{
		Events:   api.NewEventHandler(events),
		Webhooks: api.NewWebhookHandler(events),
		Admin:    api.NewAdminHandler(operators, monitor),
		Stream:   api.NewStreamHandler(hub),
	}, api.Guards{
		Auth:        clients,
		Secrets:     clients,
		Limiter:     limiter,
		AdminKey:    cfg.Admin.Key,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if cfg.Admin.Key == "" {
		logger.Warn("admin key not configured, admin API disabled")
	}

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// workers stop first so in-flight deliveries are requeued, not lost
	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	wg.Wait()

	logger.Info("server exited properly")
	return nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// initLocker guards the retry scheduler with an etcd lease when a cluster is
// configured. A single instance runs without one.
func initLocker(cfg config.EtcdConfig) (lock.Locker, *clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		logger.Info("no etcd endpoints, retry scheduler runs without leader lock")
		return lock.LocalLocker{}, nil, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	locker, err := lock.NewEtcdLocker(client, cfg.LockKey, 30)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return locker, client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	err = db.AutoMigrate(
		&model.IntegrationEvent{},
		&model.WebhookEndpoint{},
		&model.WebhookDelivery{},
		&model.DeliveryAttempt{},
		&model.RetryQueueEntry{},
		&model.DeadLetterEntry{},
		&model.APIClient{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
