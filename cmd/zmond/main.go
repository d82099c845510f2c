package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/database"
	"zmon/internal/logger"
	"zmon/internal/mqtt"
	"zmon/internal/repository"
	"zmon/internal/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Initialize logging
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "zmond")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. Open storage. Without DB_HOST the daemon runs on in-memory
	// repositories (bench setups, demos).
	var deps service.Deps
	var db *sql.DB
	if cfg.Database.Host != "" {
		db, err = database.NewPostgresDB(&cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		if err := database.EnsureSchema(db); err != nil {
			log.Fatal("Failed to apply database schema", zap.Error(err))
		}
		deps.Telemetry = repository.NewPostgresTelemetryRepository(db)
		deps.Alarms = repository.NewPostgresAlarmRepository(db)
		log.Info("Database connected",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database),
		)
	}

	// 4. Optional Redis event mirror
	if cfg.Redis.Addr != "" {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// 5. MQTT client, only for the gateway sensor source
	if cfg.Sensor.Source == "mqtt" {
		client, err := mqtt.NewClient(&cfg.MQTT, log)
		if err != nil {
			log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		deps.MQTT = client
	}

	// 6. Build and start the monitor pipeline
	monitor, err := service.NewMonitor(cfg, deps, log)
	if err != nil {
		log.Fatal("Failed to build monitor", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.Fatal("Failed to start monitor", zap.Error(err))
	}

	// 7. Wait for a signal, then shut down in dependency order
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	monitor.Stop()
	if deps.Redis != nil {
		_ = deps.Redis.Close()
	}
	if deps.MQTT != nil {
		deps.MQTT.Disconnect()
	}
	if db != nil {
		_ = db.Close()
	}
}
