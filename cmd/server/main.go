package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/warehouse-allocation/internal/adapter/handler"
	"github.com/rl1809/warehouse-allocation/internal/adapter/messaging"
	"github.com/rl1809/warehouse-allocation/internal/adapter/storage"
	"github.com/rl1809/warehouse-allocation/internal/config"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
	"github.com/rl1809/warehouse-allocation/internal/logging"
	"github.com/rl1809/warehouse-allocation/internal/metrics"
	"github.com/rl1809/warehouse-allocation/internal/observability"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Storage
	newUoW, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.IdempotencyTTL)

	publisher, closePublisher := openPublisher(cfg, redisAdapter)
	defer closePublisher()

	notifier, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// Message bus
	registry, err := service.NewDefaultRegistry(service.NewHandlers(publisher, notifier, logger, service.HandlerConfig{
		AllocatedChannel: cfg.AllocatedChannel,
		NotifyRecipient:  cfg.NotifyRecipient,
	}))
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	bus := service.NewBus(registry, newUoW, logger, service.WithRecorder(m))
	svc := service.NewAllocationService(bus, newUoW, redisAdapter, logger, cfg.ConflictRetries)

	// gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterAllocationServiceServer(grpcServer, handler.NewGRPCHandler(svc))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	// HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(svc, m, logger).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler(promRegistry))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumer := handler.NewRedisConsumer(rdb, cfg.ChangeQuantityChannel, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (port.UnitOfWorkFactory, func(), error) {
	if cfg.StorageDriver == config.DriverMemory {
		logger.Warn("using in-memory storage; state is lost on exit")
		return storage.NewMemoryStore().NewUnitOfWork, func() {}, nil
	}

	db, err := sqlx.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("connected to mysql")

	return storage.NewSQLStore(db).NewUnitOfWork, func() { db.Close() }, nil
}

func openPublisher(cfg config.Config, redisAdapter *storage.RedisAdapter) (port.EventPublisher, func()) {
	switch cfg.Publisher {
	case config.PublisherKafka:
		p := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		return p, func() { p.Close() }
	case config.PublisherNone:
		return nil, func() {}
	default:
		return redisAdapter, func() {}
	}
}

func openNotifier(cfg config.Config, logger *zap.Logger) (port.Notifier, func(), error) {
	if cfg.Notifier != config.NotifierAMQP {
		return messaging.NewLogNotifier(logger), func() {}, nil
	}
	n, err := messaging.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		return nil, nil, err
	}
	return n, func() { n.Close() }, nil
}
