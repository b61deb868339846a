package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flashsale/engine/cache"
	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/common/bus"
	"github.com/flashsale/engine/common/config"
	"github.com/flashsale/engine/common/logger"
	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/common/tracing"
	"github.com/flashsale/engine/store"
)

var (
	serviceName = "allocator"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:8081")

	kafkaBrokers  = config.GetEnv("KAFKA_BROKERS", "localhost:9092")
	requestTopic  = config.GetEnv("REQUEST_TOPIC", "reservation-requests")
	dlqTopic      = config.GetEnv("REQUEST_DLQ_TOPIC", "reservation-requests.dlq")
	consumerGroup = config.GetEnv("KAFKA_GROUP", "allocator")

	amqpUser = config.GetEnv("RABBITMQ_USER", "guest")
	amqpPass = config.GetEnv("RABBITMQ_PASS", "guest")
	amqpHost = config.GetEnv("RABBITMQ_HOST", "localhost")
	amqpPort = config.GetEnv("RABBITMQ_PORT", "5672")

	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "flashsale")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "flashsale123")
	postgresDB   = config.GetEnv("POSTGRES_DB", "flashsale")

	redisAddr = config.GetEnv("REDIS_ADDR", "localhost:6379")

	holdDuration    = config.GetEnvDuration("HOLD_DURATION", 120*time.Second)
	batchSize       = config.GetEnvInt("BATCH_SIZE", 250)
	batchMaxWait    = config.GetEnvDuration("BATCH_MAX_WAIT", 10*time.Millisecond)
	stmtTimeout     = config.GetEnvDuration("STMT_TIMEOUT", time.Second)
	sweepInterval   = config.GetEnvDuration("EXPIRY_SWEEP_INTERVAL", 10*time.Second)
	sweepBatch      = config.GetEnvInt("EXPIRY_SWEEP_BATCH", 100)
	sweepTimeout    = config.GetEnvDuration("SWEEP_STMT_TIMEOUT", 5*time.Second)
	poisonThreshold = config.GetEnvInt("POISON_THRESHOLD", 5)
	probeInterval   = config.GetEnvDuration("OVERSELL_PROBE_INTERVAL", time.Minute)
)

func main() {
	log := logger.New(serviceName)
	defer log.Sync()

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)

	// Hot-path store with the tight statement timeout; the sweep gets its
	// own handle with a looser one.
	st, err := store.New(connStr, stmtTimeout)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer st.Close()
	log.Info("connected to postgres", zap.String("database", postgresDB))

	sweepStore, err := store.New(connStr, sweepTimeout)
	if err != nil {
		log.Fatal("failed to connect to postgres for sweep", zap.Error(err))
	}
	defer sweepStore.Close()

	ttls := cache.DefaultTTLs(holdDuration)
	ttls.Stock = config.GetEnvDuration("CACHE_STOCK_TTL", ttls.Stock)
	ttls.Product = config.GetEnvDuration("CACHE_PRODUCT_TTL", ttls.Product)
	ttls.UserPurchased = config.GetEnvDuration("CACHE_PURCHASED_TTL", ttls.UserPurchased)
	ttls.Rejection = config.GetEnvDuration("CACHE_REJECTION_TTL", ttls.Rejection)

	coord, err := cache.New(redisAddr, ttls)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer coord.Close()
	log.Info("connected to redis", zap.String("addr", redisAddr))

	ch, closeBroker, err := broker.Connect(amqpUser, amqpPass, amqpHost, amqpPort)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer closeBroker()

	brokers := strings.Split(kafkaBrokers, ",")
	reader := bus.NewBatchReader(brokers, requestTopic, consumerGroup, batchSize, batchMaxWait)
	defer reader.Close()
	deadLetter := bus.NewDeadLetter(brokers, dlqTopic)
	defer deadLetter.Close()

	m := metrics.NewReservationMetrics(serviceName)
	events := &amqpEvents{ch: ch}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warmStockCache(ctx, st, coord, log)

	alloc := NewAllocator(st, coord, events, m, log, holdDuration)
	consumer := NewConsumer(reader, deadLetter, alloc, m, log, poisonThreshold)
	reconciler := NewReconciler(sweepStore, coord, events, m, log, sweepInterval, sweepBatch)

	go reconciler.Run(ctx)
	go probeAllSKUs(ctx, st, alloc, log)
	go serveOps(ctx, log)

	log.Info("allocator started",
		zap.String("topic", requestTopic),
		zap.String("group", consumerGroup),
		zap.Int("batch_size", batchSize),
		zap.Duration("hold_duration", holdDuration))

	if err := consumer.Run(ctx); err != nil {
		log.Fatal("consumer failed", zap.Error(err))
	}

	log.Info("allocator stopped")
}

// warmStockCache seeds the cached stock counters from the canonical rows so
// the first availability reads and rejection fast paths have data.
func warmStockCache(ctx context.Context, st *store.Store, coord *cache.Cache, log *zap.Logger) {
	rows, err := st.ListInventory(ctx)
	if err != nil {
		log.Warn("failed to warm stock cache", zap.Error(err))
		return
	}
	for _, inv := range rows {
		if err := coord.SeedStock(ctx, inv.SKUID, inv.AvailableCount); err != nil {
			log.Warn("failed to seed stock counter",
				zap.String("sku_id", inv.SKUID), zap.Error(err))
		}
	}
	log.Info("stock cache warmed", zap.Int("skus", len(rows)))
}

// probeAllSKUs runs the oversell probe across every SKU on a slow ticker,
// catching drift on SKUs with no recent batch traffic.
func probeAllSKUs(ctx context.Context, st *store.Store, alloc *Allocator, log *zap.Logger) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := st.ListInventory(ctx)
			if err != nil {
				log.Warn("oversell sweep failed to list inventory", zap.Error(err))
				continue
			}
			for _, inv := range rows {
				alloc.probeOversell(ctx, inv.SKUID)
			}
		}
	}
}

// serveOps exposes /metrics and /healthz on the operational port.
func serveOps(ctx context.Context, log *zap.Logger) {
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

	log.Info("ops endpoint listening", zap.String("addr", httpAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("ops server failed", zap.Error(err))
	}
}
