package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storefront-orders/config"
	"storefront-orders/consumers"
	"storefront-orders/controllers"
	"storefront-orders/database"
	"storefront-orders/idempotency"
	"storefront-orders/kafka"
	"storefront-orders/middlewares"
	"storefront-orders/rabbitmq"
	"storefront-orders/services"
	"storefront-orders/telemetry"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig()
	setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		slog.Error("Tracing initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "err", err)
		}
	}()

	// 初始化存储
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Database initialization failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := []services.Option{services.WithTxTimeout(cfg.TxTimeout)}

	// 初始化RabbitMQ
	var rmq *rabbitmq.RabbitMQ
	if cfg.HasSink("rabbitmq") {
		rmq, err = rabbitmq.NewRabbitMQ(cfg)
		if err != nil {
			slog.Error("RabbitMQ initialization failed", "err", err)
			os.Exit(1)
		}
		defer rmq.Close()

		// 设置队列和交换机
		if err := rmq.SetupQueues(); err != nil {
			slog.Error("Failed to setup RabbitMQ queues", "err", err)
			os.Exit(1)
		}
		opts = append(opts,
			services.WithPublishers(rmq),
			services.WithPaymentScheduler(rmq, cfg.PaymentTimeout),
		)
	}

	if cfg.HasSink("kafka") {
		kp := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		opts = append(opts, services.WithPublishers(kp))
	}

	orders := services.NewOrderService(store, opts...)

	// 启动消息消费者
	consumerDone := make(chan struct{})
	if rmq != nil {
		consumer := consumers.NewOrderConsumer(rmq.Channel, cfg, orders)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				slog.Error("Order consumer failed", "err", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	var guard controllers.IdempotencyGuard
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Redis initialization failed", "err", err)
			os.Exit(1)
		}
		guard = idempotency.NewGuard(rdb, cfg.IdempotencyTTL)
	}

	// 创建Gin路由
	r := gin.New()
	r.Use(gin.Recovery())

	// 应用Prometheus中间件
	r.Use(middlewares.PrometheusMiddleware())

	// 暴露Prometheus指标端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查端点
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := r.Group("/api")
	authGroup := r.Group("/api", middlewares.AuthMiddleware(cfg.JWTSecret))
	adminGroup := r.Group("/api/admin", middlewares.AuthMiddleware(cfg.JWTSecret), middlewares.AdminOnly())
	controllers.NewOrderController(orders, guard).RegisterRoutes(public, authGroup, adminGroup)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 启动服务器
	go func() {
		slog.Info("Order service starting", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "sinks", cfg.EventSinks)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "err", err)
	}
	<-consumerDone
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	var store database.Store
	if cfg.StoreDriver == "memory" {
		store = database.NewMemoryStore()
		slog.Warn("Using in-memory store; data is lost on restart")
	} else {
		db, err := database.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = database.NewMySQLStore(db)
	}

	if cfg.SeedFile != "" {
		seed, err := database.LoadSeed(cfg.SeedFile)
		if err == nil {
			err = seed.Apply(ctx, store)
		}
		if err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("Catalog seeded", "file", cfg.SeedFile, "users", len(seed.Users), "products", len(seed.Products))
	}
	return store, nil
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	if level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
}
