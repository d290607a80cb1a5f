package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/handler"
	"github.com/sudoku-rooms/internal/kafka"
	"github.com/sudoku-rooms/internal/postgres"
	"github.com/sudoku-rooms/internal/redis"
	"github.com/sudoku-rooms/internal/service"
	"github.com/sudoku-rooms/internal/store"
	"github.com/sudoku-rooms/internal/websocket"
	"github.com/sudoku-rooms/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the room store backend
	var roomStore store.RoomStore
	switch cfg.Store.Backend {
	case "memory":
		logger.Info("using in-memory room store")
		roomStore = store.NewMemoryStore()
	default:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		redisStore, err := redis.NewRoomStore(&cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to Redis")
		roomStore = redisStore
	}
	defer roomStore.Close()

	// Initialize the PostgreSQL match archive
	var archive *postgres.Archive
	if cfg.Postgres.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		archive, err = postgres.NewArchive(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		logger.Info("connected to PostgreSQL")

		// Run database migrations
		if err := archive.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	// Initialize services
	var archiver service.Archiver
	if archive != nil {
		archiver = archive
	}
	roomService := service.NewRoomService(roomStore, archiver, &cfg.Game, logger)

	// Initialize WebSocket hub and the room snapshot feed
	wsHub := websocket.NewHub(logger)
	feed := websocket.NewFeed(roomService, wsHub, logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize maintenance worker
	maintenanceWorker := worker.NewMaintenanceWorker(
		roomService,
		&cfg.Maintenance,
		&cfg.Game,
		logger,
	)
	if cfg.Maintenance.Enabled {
		if err := maintenanceWorker.Start(ctx); err != nil {
			logger.Error("failed to start maintenance worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for high-load progress ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, roomService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler
	var matchArchive handler.MatchArchive
	if archive != nil {
		matchArchive = archive
	}
	httpHandler := handler.NewHandler(roomService, matchArchive, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the snapshot feed and WebSocket hub
	feed.Close()
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop maintenance worker
	if err := maintenanceWorker.Stop(); err != nil {
		logger.Error("failed to stop maintenance worker", "error", err)
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
