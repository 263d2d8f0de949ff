// Package main runs the nearby-alerts service: geo-proximity matching of
// community safety reports and notification fan-out to push devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"google.golang.org/api/fcm/v1"

	"nearby-alerts/badge"
	"nearby-alerts/community"
	"nearby-alerts/config"
	"nearby-alerts/dispatch"
	"nearby-alerts/feed"
	"nearby-alerts/match"
	"nearby-alerts/poll"
	"nearby-alerts/push"
	"nearby-alerts/server"
	tokenstore "nearby-alerts/storage"
	"nearby-alerts/store"
)

// tokenRegistry stores device push tokens.
type tokenRegistry interface {
	community.TokenRegistry
	dispatch.TokenStore
}

// documentStore is everything the services need from the document store.
type documentStore interface {
	community.Store
	dispatch.Store
	match.Querier
	poll.Store
	badge.Subscriber
	feed.Subscriber
	tokenRegistry
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		logger.Error("Invalid configuration", "error", errors.Join(errs...))
		os.Exit(1)
	}
	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("Configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	docs, closeDocs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDocs()

	tokens, closeTokens, err := openTokens(ctx, cfg, docs, logger)
	if err != nil {
		return err
	}
	defer closeTokens()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	d := dispatch.New(docs, tokens, provider, metrics, logger, dispatch.Config{
		MaxAlertRadiusKm: cfg.MaxAlertRadiusKm,
		DeliveryAttempts: uint(cfg.DeliveryAttempts),
		RetryDelay:       cfg.RetryDelay,
		MaxRetryDelay:    cfg.MaxRetryDelay,
		Concurrency:      cfg.Concurrency,
	})

	comm := community.New(docs, tokens, d, logger, cfg.MaxAlertRadiusKm)
	srv := server.New(&server.Config{
		Dispatcher: d,
		Store:      docs,
		Finder:     match.New(docs, logger),
		Community:  comm,
		Badge:      badge.New(docs),
		Feed:       feed.New(docs, logger),
		Poller:     poll.New(docs, d, logger, cfg.SweepMinAge, cfg.SweepMaxAge),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:     logger,
		RateLimit:  rate.Limit(cfg.RateLimit),
		RateBurst:  cfg.RateBurst,
	})
	err = srv.ListenAndServe(ctx, strconv.Itoa(cfg.Port))

	// Stores close after the last background fan-out has written its records.
	logger.Info("Waiting for background fan-out to finish")
	comm.Wait()
	return err
}

// openStore connects to Redis when configured and falls back to the
// in-memory store for local development.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (documentStore, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("No REDIS_ADDR set, using in-memory document store")
		return store.NewMemory(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // best effort
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Connected to Redis document store", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)

	r := store.NewRedis(client, cfg.RedisPrefix, logger)
	return r, func() {
		if err := r.Close(); err != nil {
			logger.Warn("Failed to close redis store", "error", err)
		}
	}, nil
}

// openTokens returns the device token registry: Cloud Storage when a bucket
// is set, JSON files on disk in local development mode, and the document
// store otherwise.
func openTokens(ctx context.Context, cfg *config.Config, docs documentStore, logger *slog.Logger) (tokenRegistry, func(), error) {
	salt := []byte(cfg.TokenSalt)
	if cfg.Bucket == "" && cfg.LocalStorage == "" {
		logger.Info("No token bucket set, keeping push tokens in the document store")
		return docs, func() {}, nil
	}
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return tokenstore.New(nil, "", cfg.LocalStorage, salt, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	return tokenstore.New(client, cfg.Bucket, "", salt, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Provider, error) {
	switch cfg.PushProvider {
	case config.ProviderExpo:
		logger.Info("Using Expo push provider", "endpoint", cfg.ExpoEndpoint)
		return push.NewExpoProvider(cfg.ExpoEndpoint, cfg.ExpoAccessToken, logger), nil
	case config.ProviderFCM:
		svc, err := fcm.NewService(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize FCM service: %w", err)
		}
		logger.Info("Using FCM push provider", "project_id", cfg.FCMProjectID)
		return push.NewFCMProvider(svc, cfg.FCMProjectID, logger), nil
	default:
		logger.Info("Mock push mode enabled")
		return push.NewMockProvider(logger), nil
	}
}
