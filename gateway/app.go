package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flashsale/engine/cache"
	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/common/bus"
	"github.com/flashsale/engine/common/logger"
	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/store"
)

type App struct {
	config      Config
	logger      *zap.Logger
	httpServer  *http.Server
	httpMetrics *metrics.HTTPMetrics

	store       *store.Store
	cache       *cache.Cache
	publisher   *bus.Publisher
	closeBroker func() error
}

type Config struct {
	ServiceName string
	HTTPAddr    string

	KafkaBrokers   string
	RequestTopic   string
	PublishTimeout time.Duration

	AMQPUser string
	AMQPPass string
	AMQPHost string
	AMQPPort string

	PostgresConnStr string
	StmtTimeout     time.Duration

	RedisAddr string
	CacheTTLs cache.TTLs

	HoldDuration   time.Duration
	IntakeDeadline time.Duration
}

func NewApp(config Config) *App {
	return &App{
		config: config,
		logger: logger.New(config.ServiceName),
	}
}

func (a *App) Start(ctx context.Context) error {
	st, err := store.New(a.config.PostgresConnStr, a.config.StmtTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.store = st
	a.logger.Info("connected to postgres")

	c, err := cache.New(a.config.RedisAddr, a.config.CacheTTLs)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.cache = c
	a.logger.Info("connected to redis", zap.String("addr", a.config.RedisAddr))

	brokers := strings.Split(a.config.KafkaBrokers, ",")
	a.publisher = bus.NewPublisher(brokers, a.config.RequestTopic, a.config.PublishTimeout)

	ch, closeBroker, err := broker.Connect(a.config.AMQPUser, a.config.AMQPPass, a.config.AMQPHost, a.config.AMQPPort)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	a.closeBroker = closeBroker

	a.httpMetrics = metrics.NewHTTPMetrics(a.config.ServiceName)
	resMetrics := metrics.NewReservationMetrics(a.config.ServiceName)

	var service ReservationService = NewService(st, c, a.publisher, &amqpEvents{ch: ch}, resMetrics, a.logger, a.config.IntakeDeadline)
	service = NewTelemetryMiddleware(service)

	mux := http.NewServeMux()
	handler := NewHandler(service, a.logger)
	handler.registerRoutes(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:    a.config.HTTPAddr,
		Handler: a.metricsMiddleware(mux),
	}

	a.logger.Info("starting http server", zap.String("addr", a.config.HTTPAddr))
	return a.httpServer.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.closeBroker != nil {
		a.closeBroker()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// metricsMiddleware records request counts and latency per route.
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		status := strconv.Itoa(recorder.statusCode)
		a.httpMetrics.RecordHTTPRequest(r.Method, r.URL.Path, status, duration)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
