package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/anomaly"
	"github.com/custodialabs/armorytrace/internal/anomaly/notify"
	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/internal/anomaly/trainer"
	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/internal/custody"
	"github.com/custodialabs/armorytrace/internal/database"
	"github.com/custodialabs/armorytrace/internal/server"
	"github.com/custodialabs/armorytrace/internal/telemetry"
	"github.com/custodialabs/armorytrace/pkg/logger"
	"github.com/custodialabs/armorytrace/pkg/metrics"
	"github.com/custodialabs/armorytrace/pkg/models"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Install tracing
	shutdownTracer, err := telemetry.InitTracer("armorytrace", cfg.Environment)
	if err != nil {
		zapLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.AutoMigrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Optional Redis cache for the active model
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis unreachable, model caching disabled", zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	// Create stores and services
	historyStore := store.NewHistoryStore(db, logger.Named(zapLogger, "store"))
	modelStore := store.NewModelStore(db, redisClient, logger.Named(zapLogger, "store"))
	modelTrainer := trainer.NewTrainer(historyStore, modelStore, cfg.Anomaly, logger.Named(zapLogger, "trainer"))
	notifier := notify.NewNotifier(cfg.Kafka, models.Severity(cfg.Anomaly.NotifyMinSeverity), logger.Named(zapLogger, "notify"))
	anomalySvc := anomaly.NewService(historyStore, modelStore, modelTrainer, notifier, cfg.Anomaly, logger.Named(zapLogger, "anomaly"))
	custodySvc := custody.NewService(db, anomalySvc, logger.Named(zapLogger, "custody"))

	anomalySvc.Start()

	// Schedule the periodic retraining check
	retrainTicker := time.NewTicker(cfg.Anomaly.Retrain.CheckInterval)
	go func() {
		for range retrainTicker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			decision, err := anomalySvc.CheckRetrain(ctx)
			if err != nil {
				zapLogger.Error("Retrain check failed", zap.Error(err))
				cancel()
				continue
			}
			if decision.Needed {
				zapLogger.Info("Retraining model", zap.String("reason", decision.Reason))
				if _, err := anomalySvc.RunTraining(ctx); err != nil {
					zapLogger.Error("Scheduled training failed", zap.Error(err))
				}
			}
			cancel()
		}
	}()

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	// Create and start HTTP server
	apiServer := server.NewServer(zapLogger, custodySvc, anomalySvc)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	retrainTicker.Stop()
	tickerDB.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Drain the scoring queue before closing downstreams
	anomalySvc.Stop()

	if err := notifier.Close(); err != nil {
		zapLogger.Error("Failed to close alert notifier", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close Redis client", zap.Error(err))
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
