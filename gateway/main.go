package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/flashsale/engine/cache"
	"github.com/flashsale/engine/common/config"
	"github.com/flashsale/engine/common/logger"
	"github.com/flashsale/engine/common/tracing"
)

func main() {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.GetEnv("POSTGRES_USER", "flashsale"),
		config.GetEnv("POSTGRES_PASSWORD", "flashsale123"),
		config.GetEnv("POSTGRES_HOST", "localhost"),
		config.GetEnv("POSTGRES_PORT", "5432"),
		config.GetEnv("POSTGRES_DB", "flashsale"),
	)

	holdDuration := config.GetEnvDuration("HOLD_DURATION", 120*time.Second)
	ttls := cache.DefaultTTLs(holdDuration)
	ttls.Stock = config.GetEnvDuration("CACHE_STOCK_TTL", ttls.Stock)
	ttls.Product = config.GetEnvDuration("CACHE_PRODUCT_TTL", ttls.Product)
	ttls.UserPurchased = config.GetEnvDuration("CACHE_PURCHASED_TTL", ttls.UserPurchased)
	ttls.Rejection = config.GetEnvDuration("CACHE_REJECTION_TTL", ttls.Rejection)

	cfg := Config{
		ServiceName:    config.GetEnv("SERVICE_NAME", "gateway"),
		HTTPAddr:       config.GetEnv("HTTP_ADDR", "localhost:8080"),
		KafkaBrokers:   config.GetEnv("KAFKA_BROKERS", "localhost:9092"),
		RequestTopic:   config.GetEnv("REQUEST_TOPIC", "reservation-requests"),
		PublishTimeout: config.GetEnvDuration("PUBLISH_TIMEOUT", 500*time.Millisecond),
		AMQPUser:       config.GetEnv("RABBITMQ_USER", "guest"),
		AMQPPass:       config.GetEnv("RABBITMQ_PASS", "guest"),
		AMQPHost:       config.GetEnv("RABBITMQ_HOST", "localhost"),
		AMQPPort:       config.GetEnv("RABBITMQ_PORT", "5672"),

		PostgresConnStr: connStr,
		StmtTimeout:     config.GetEnvDuration("STMT_TIMEOUT", time.Second),
		RedisAddr:       config.GetEnv("REDIS_ADDR", "localhost:6379"),
		CacheTTLs:       ttls,
		HoldDuration:    holdDuration,
		IntakeDeadline:  config.GetEnvDuration("INTAKE_DEADLINE", 2*time.Second),
	}

	log := logger.New(cfg.ServiceName)
	defer log.Sync()

	log.Info("starting service", zap.String("http_addr", cfg.HTTPAddr))

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		log.Error("failed to initialize tracer", zap.Error(err))
		os.Exit(1)
	}
	defer shutdownTracer()

	app := NewApp(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("app failed", zap.Error(err))
		os.Exit(1)
	}

	log.Info("service stopped")
}
