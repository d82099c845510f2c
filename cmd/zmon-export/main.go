package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/database"
	"zmon/internal/export"
	"zmon/internal/logger"
	"zmon/internal/repository"
)

func main() {
	patient := flag.String("patient", "", "patient ID to export (required)")
	fromArg := flag.String("from", "", "window start, RFC3339 or YYYY-MM-DD (default: 8h before -to)")
	toArg := flag.String("to", "", "window end, RFC3339 or YYYY-MM-DD (default: now)")
	outArg := flag.String("out", "", "output .xlsx path (default: <patient>-<from>.xlsx)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "zmon-export")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if *patient == "" {
		log.Fatal("Missing required -patient flag")
	}

	to := time.Now()
	if *toArg != "" {
		if to, err = parseTimeArg(*toArg); err != nil {
			log.Fatal("Invalid -to value", zap.Error(err))
		}
	}
	from := to.Add(-8 * time.Hour)
	if *fromArg != "" {
		if from, err = parseTimeArg(*fromArg); err != nil {
			log.Fatal("Invalid -from value", zap.Error(err))
		}
	}
	if !from.Before(to) {
		log.Fatal("Window is empty",
			zap.Time("from", from),
			zap.Time("to", to),
		)
	}

	// The exporter reads persisted history, so it needs the database the
	// daemon wrote to.
	if cfg.Database.Host == "" {
		log.Fatal("DB_HOST is required: the exporter reads persisted history")
	}
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	vitals, err := repository.NewPostgresVitalsHistoryRepository(db).GetRange(ctx, *patient, from, to)
	if err != nil {
		log.Fatal("Failed to read vitals history", zap.Error(err))
	}
	alarms, err := repository.NewPostgresAlarmRepository(db).GetHistory(ctx, *patient, from, to)
	if err != nil {
		log.Fatal("Failed to read alarm history", zap.Error(err))
	}

	book, err := export.GenerateShiftReport(vitals, alarms)
	if err != nil {
		log.Fatal("Failed to build report", zap.Error(err))
	}

	outPath := *outArg
	if outPath == "" {
		outPath = fmt.Sprintf("%s-%s.xlsx", *patient, from.Format("2006-01-02"))
	}
	if err := os.WriteFile(outPath, book, 0o644); err != nil {
		log.Fatal("Failed to write report", zap.Error(err))
	}

	log.Info("Report written",
		zap.String("path", outPath),
		zap.String("patient", *patient),
		zap.Int("vitals", len(vitals)),
		zap.Int("alarms", len(alarms)),
	)
}

func parseTimeArg(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q: want RFC3339 or YYYY-MM-DD", s)
}
