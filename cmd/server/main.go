package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/flash-sale-settlement/internal/adapter/handler"
	"github.com/rl1809/flash-sale-settlement/internal/adapter/notify"
	"github.com/rl1809/flash-sale-settlement/internal/adapter/payment"
	"github.com/rl1809/flash-sale-settlement/internal/adapter/storage"
	"github.com/rl1809/flash-sale-settlement/internal/config"
	"github.com/rl1809/flash-sale-settlement/internal/core/service"
	"github.com/rl1809/flash-sale-settlement/internal/platform/logging"
	"github.com/rl1809/flash-sale-settlement/internal/platform/tracing"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

const (
	healthCheckInterval = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("tracer shutdown", zap.Error(err))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var cache port.IdempotencyCache = storage.NewLRUCache(cfg.IdempotencyCacheSize, cfg.IdempotencyTTL)
	if rdb != nil {
		cache = storage.NewLayeredCache(cache, storage.NewRedisCache(rdb, cfg.IdempotencyTTL))
	}

	sink, closeSinks, err := buildSinks(cfg, log, rdb)
	if err != nil {
		return err
	}
	defer closeSinks()

	publisher := notify.NewPublisher(sink, cfg.NotifyWorkers, cfg.NotifyQueueSize, log)
	publisher.Start()
	log.Info("started notification workers", zap.Int("workers", cfg.NotifyWorkers), zap.Strings("sinks", cfg.NotifySinks))

	opts := []service.Option{
		service.WithLogger(log),
		service.WithReservationTTL(cfg.ReservationTTL),
		service.WithPaymentTTL(cfg.PaymentTTL),
		service.WithCancelPolicy(service.CancelPolicy(cfg.OrderCancelPolicy)),
		service.WithSweepInterval(cfg.SweepInterval),
		service.WithSweepBatchSize(cfg.SweepBatchSize),
	}
	guard := service.NewIdempotencyGuard(store, cache, log)
	inventory := service.NewInventoryService(store, publisher, opts...)
	reservations := service.NewReservationService(store, guard, publisher, opts...)
	orders := service.NewOrderService(store, guard, payment.NewFakeOracle(decimal.Zero), publisher, opts...)
	sweeper := service.NewSweeper(store, reservations, orders, opts...)

	for _, seed := range cfg.SeedProducts {
		if _, err := inventory.Provision(ctx, seed.ID, seed.ID, seed.Price, seed.Stock); err != nil {
			return fmt.Errorf("seed %s: %w", seed.ID, err)
		}
		log.Info("seeded product", zap.String("product_id", seed.ID), zap.Int("stock", seed.Stock))
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweeper stopped", zap.Error(err))
		}
	}()

	grpcServer := grpc.NewServer()
	grpcHandler := handler.NewGRPCHandler(store)
	grpcHandler.Register(grpcServer)
	go grpcHandler.Watch(ctx, healthCheckInterval)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.NewHTTPHandler(reservations, orders, inventory, log).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown", zap.Error(err))
	}
	log.Info("HTTP server stopped")

	grpcHandler.Shutdown()
	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	cancel()
	<-sweepDone
	log.Info("sweeper stopped")

	// Drain events committed before shutdown.
	publisher.Close()
	log.Info("notification workers stopped",
		zap.Uint64("dropped", publisher.Dropped()),
		zap.Uint64("failed", publisher.Failed()),
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.Store, func(), error) {
	var (
		driver, dsn string
		dialect     storage.Dialect
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Info("using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	case config.StoreMySQL:
		driver, dsn, dialect = "mysql", cfg.MySQLDSN, storage.DialectMySQL
	case config.StorePostgres:
		driver, dsn, dialect = "pgx", cfg.PostgresURL, storage.DialectPostgres
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	store := storage.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("connected to database", zap.String("driver", driver))
	return store, func() { db.Close() }, nil
}

func buildSinks(cfg *config.Config, log *zap.Logger, rdb *redis.Client) (port.NotificationSink, func(), error) {
	var (
		sinks   notify.Fanout
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Error("close sink", zap.Error(err))
			}
		}
	}

	for _, name := range cfg.NotifySinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.NewLogSink(log))
		case "redis":
			sinks = append(sinks, notify.NewRedisSink(rdb))
		case "kafka":
			s := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		case "rabbitmq":
			s, err := notify.NewRabbitSink(cfg.RabbitMQURL, cfg.RabbitMQExchange)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		}
	}
	return sinks, closeAll, nil
}
