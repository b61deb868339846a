package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/common/config"
	"github.com/flashsale/engine/common/logger"
	"github.com/flashsale/engine/common/tracing"
	"github.com/flashsale/engine/domain"
)

var (
	serviceName = "notifier"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:8082")
	amqpUser    = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass    = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost    = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort    = config.GetEnv("RABBITMQ_PORT", "5672")

	// Dedup retention tracks the hold window: replays older than two hold
	// durations are past any redelivery the broker will attempt.
	holdDuration = config.GetEnvDuration("HOLD_DURATION", 120*time.Second)
)

// logNotifier is the default delivery channel: structured log lines a
// downstream shipper can fan out to push or email.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) Notify(ev domain.ReservationEvent) error {
	n.logger.Info("notification",
		zap.String("type", ev.Type),
		zap.String("user_id", ev.UserID),
		zap.String("sku_id", ev.SKUID),
		zap.String("reservation_id", ev.ReservationID),
		zap.Time("occurred_at", ev.OccurredAt))
	return nil
}

func main() {
	log := logger.New(serviceName)
	defer log.Sync()

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer closeBroker()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := NewConsumer(ch, &logNotifier{logger: log}, log, 2*holdDuration)
	go consumer.Listen()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("notifier started", zap.String("addr", httpAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http server failed", zap.Error(err))
	}

	log.Info("notifier stopped")
}
