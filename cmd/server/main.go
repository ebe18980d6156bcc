package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"jewellery-backend/internal/config"
	controllers "jewellery-backend/internal/controllers/http"
	"jewellery-backend/internal/infra/mysql"
	"jewellery-backend/internal/infra/rabbitmq"
	"jewellery-backend/internal/infra/razorpay"
	mysqlrepo "jewellery-backend/internal/repository/mysql"
	"jewellery-backend/internal/services"
	"jewellery-backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	db, err := mysql.NewMySQL(cfg.MySQL)
	if err != nil {
		logger.Fatal("mysql connection failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unavailable, order reads will skip the cache", zap.Error(err))
		rdb = nil
	}

	var publisher rabbitmq.PublisherInterface
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, "jewellery.events")
		if err != nil {
			logger.Warn("rabbitmq unavailable, notifications disabled", zap.Error(err))
		} else {
			publisher = pub
			defer pub.Close()
		}
	}

	gateway := razorpay.NewClient(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Razorpay.WebhookSecret)

	ledger := mysqlrepo.NewLedger(db)
	orderService := services.NewOrderService(ledger, publisher, logger)
	paymentService := services.NewPaymentService(ledger, gateway, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := worker.NewReconciliationWorker(
		ledger, paymentService, logger,
		cfg.Jobs.ReconcileInterval, cfg.Jobs.ReconcileLookback, cfg.Jobs.ReconcileBatch,
	)
	go reconciler.Run(ctx)

	retrier := worker.NewWebhookRetryWorker(
		ledger, paymentService, gateway, logger,
		cfg.Jobs.RetryInterval, cfg.Jobs.RetryBatch, cfg.Jobs.MaxWebhookRetries,
	)
	go retrier.Run(ctx)

	router := gin.New()
	router.Use(gin.Recovery())

	handler := controllers.NewHandler(orderService, paymentService, rdb, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
