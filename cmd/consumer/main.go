package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deliveryhero/asya/asya-consumer/internal/backend/postgres"
	"github.com/deliveryhero/asya/asya-consumer/internal/backend/rabbitmq"
	"github.com/deliveryhero/asya/asya-consumer/internal/backend/retry"
	"github.com/deliveryhero/asya/asya-consumer/internal/backend/sqs"
	"github.com/deliveryhero/asya/asya-consumer/internal/config"
	"github.com/deliveryhero/asya/asya-consumer/internal/consumer"
	"github.com/deliveryhero/asya/asya-consumer/internal/metrics"
	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
	"github.com/deliveryhero/asya/asya-consumer/pkg/cache"
	"github.com/deliveryhero/asya/asya-consumer/pkg/provider"
	asyatesting "github.com/deliveryhero/asya/asya-consumer/pkg/testing"
)

const (
	shutdownTimeout = 10 * time.Second
	bodyPreviewLen  = 200
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to configure logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Consumer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Consumer shutdown complete")
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting asya consumer",
		"transport", cfg.Transport,
		"queue", cfg.Queue,
		"prefetchCount", cfg.PrefetchCount,
		"waitTimeSeconds", cfg.WaitTimeSeconds,
		"cache", cfg.Cache)

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	var ready atomic.Bool

	httpSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newRouter(m, &ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.MetricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	backend, closeBackend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.Transport, err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("Failed to close backend", "error", err)
		}
	}()

	p, err := newProvider(cfg, backend, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create message provider: %w", err)
	}

	c, err := consumer.New(p, logHandler(logger),
		consumer.WithRequeueOnError(cfg.RequeueOnError),
		consumer.WithMetrics(m),
		consumer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	ready.Store(true)
	runErr := c.Run(ctx)
	ready.Store(false)

	releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Release(releaseCtx); err != nil {
		logger.Warn("Failed to release prefetched messages", "error", err)
	}
	return runErr
}

// newProvider builds the message provider. Without a cache every receive
// asks for a single message, since nothing could hold the rest of a batch.
func newProvider(cfg *config.Config, backend broker.QueueBackend, m *metrics.Metrics, logger *slog.Logger) (*provider.MessageProvider, error) {
	maxMessages := cfg.PrefetchCount
	if cfg.Cache == config.CacheNone {
		maxMessages = 1
	}
	return provider.New(backend, cfg.Queue, newCache(cfg),
		provider.WithMaxMessages(maxMessages),
		provider.WithWaitSeconds(cfg.WaitTimeSeconds),
		provider.WithLogger(logger),
		provider.WithRecorder(m))
}

// newBackend builds the configured transport and wraps it with retries when
// ASYA_RETRY_MAX is positive. The returned func releases transport resources.
func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.QueueBackend, func() error, error) {
	var (
		backend broker.QueueBackend
		closer  = func() error { return nil }
	)

	switch cfg.Transport {
	case config.TransportSQS:
		b, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			VisibilityTimeout: int32(cfg.SQS.VisibilityTimeout),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = b

	case config.TransportRabbitMQ:
		b, err := rabbitmq.Dial(ctx, rabbitmq.Config{
			Host:              cfg.RabbitMQ.Host,
			Port:              cfg.RabbitMQ.Port,
			Username:          cfg.RabbitMQ.Username,
			Password:          cfg.RabbitMQ.Password,
			VHost:             cfg.RabbitMQ.VHost,
			DeclareQueues:     cfg.RabbitMQ.DeclareQueues,
			VisibilityTimeout: time.Duration(cfg.RabbitMQ.VisibilityTimeout) * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		backend, closer = b, b.Close

	case config.TransportPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN, postgres.PoolConfig{
			MaxConns:        int32(cfg.Postgres.MaxConns),
			MinConns:        int32(cfg.Postgres.MinConns),
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		b := postgres.New(pool, postgres.Config{
			VisibilityTimeout: time.Duration(cfg.Postgres.VisibilityTimeout) * time.Second,
		}, logger)
		if cfg.Postgres.EnsureSchema {
			if err := b.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		backend = b
		closer = func() error {
			pool.Close()
			return nil
		}

	case config.TransportMemory:
		logger.Warn("Using in-memory transport, messages are lost on exit")
		backend = asyatesting.NewMockBackend()

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	if cfg.Retry.MaxRetries > 0 {
		backend = retry.New(backend, retry.Config{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}, logger)
	}
	return backend, closer, nil
}

// newCache sizes the prefetch cache to hold the remainder of a full batch
func newCache(cfg *config.Config) cache.MessageCache {
	if cfg.Cache == config.CacheNone {
		return cache.NoopCache{}
	}
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = max(cache.DefaultCapacity, cfg.PrefetchCount-1)
	}
	return cache.NewPrefetchCache(capacity)
}

func newRouter(m *metrics.Metrics, ready *atomic.Bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

// logHandler logs each message and reports success
func logHandler(logger *slog.Logger) consumer.HandlerFunc {
	return func(ctx context.Context, msg broker.Message) error {
		messageID, _ := msg.Property(broker.PropertyMessageID)
		logger.Info("Received message",
			"messageId", messageID,
			"size", len(msg.Body),
			"body", preview(msg.Body, bodyPreviewLen))
		return nil
	}
}

// preview returns at most n bytes of body without splitting a UTF-8 rune
func preview(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
