package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/maltedev/metro-scraper/internal/api"
	"github.com/maltedev/metro-scraper/internal/config"
	"github.com/maltedev/metro-scraper/internal/database"
	"github.com/maltedev/metro-scraper/internal/events"
	"github.com/maltedev/metro-scraper/internal/jobs"
	"github.com/maltedev/metro-scraper/internal/logger"
	"github.com/maltedev/metro-scraper/internal/queue"
	"github.com/maltedev/metro-scraper/internal/scraper"
	"github.com/maltedev/metro-scraper/internal/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN()})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	runs := database.NewRunRepository(db)
	outbox := database.NewOutboxRepository(db, cfg.Redis.Stream)

	var wg sync.WaitGroup

	relay := database.NewRelay(outbox, redisClient, logger, database.RelayConfig{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	sink := storage.NewMulti(logger).Add("postgres", events.NewPublisher(db, outbox, logger))
	if cfg.Mongo.URI != "" {
		mongoSink, err := storage.NewMongoSink(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			logger.Error("failed to connect to MongoDB", "error", err)
			os.Exit(1)
		}
		defer mongoSink.Close(context.Background())
		sink.Add("mongo", mongoSink)
	}

	runner, err := scraper.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize scraper", "error", err)
		os.Exit(1)
	}

	q := queue.NewInMemoryQueue(cfg.Queue.MaxSize)
	manager := jobs.NewManager(runs, runner, sink, q, logger)

	if _, err := manager.Recover(ctx); err != nil {
		logger.Error("failed to recover pending runs", "error", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.StartWorker(ctx)
	}()

	handlers := api.NewHandlers(manager, db, runs, outbox, logger)
	router := api.NewRouter(handlers, api.RouterOptions{RequestTimeout: cfg.Server.WriteTimeout}, logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		q.Close()
		cancel()
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("server stopped")
}
