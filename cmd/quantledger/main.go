package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"quantledger/internal/cache"
	"quantledger/internal/config"
	"quantledger/internal/db"
	"quantledger/internal/db/conf"
	"quantledger/internal/ledger"
	"quantledger/internal/logging"
	"quantledger/internal/market"
	"quantledger/internal/service"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	log.Info("Starting quantledger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("Shutting down...")
		cancel()
	}()

	if err := runMigrations(ctx, cfg.DBConnStr, log); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.WithError(err).Fatal("Failed to create DB config")
	}

	storage, err := db.New(*dbConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	log.Info("Connected to Postgres/TimescaleDB")

	queryCache := cache.NewMemory()

	marketEngine := market.NewEngine(storage, queryCache, log, market.Config{
		DefaultExchange:  cfg.DefaultExchange,
		LatestTTL:        cfg.LatestTTL,
		RangeTTL:         cfg.RangeTTL,
		AggregateTTL:     cfg.AggregateTTL,
		BulkChunkSize:    cfg.BulkChunkSize,
		StatementTimeout: cfg.StatementTimeout,
	})

	ledgerEngine := ledger.NewEngine(storage, queryCache, marketEngine, log, ledger.Config{
		DefaultExitFeeRate: cfg.ExitFeeRate,
		VaRRate:            cfg.VaRRate,
		Leverage:           cfg.Leverage,
		MarkTimeframe:      cfg.MarkTimeframe,
		OpenTradesTTL:      cfg.OpenTradesTTL,
		AnalyticsTTL:       cfg.AnalyticsTTL,
	})

	svc := service.New(marketEngine, ledgerEngine)

	if res := svc.DataQualityReport(ctx, db.QualityFilter{}); res.Success {
		log.WithFields(logrus.Fields{
			"records":    res.Data.TotalRecords,
			"duplicates": res.Data.Duplicates,
			"coverage":   res.Data.CoveragePercent,
		}).Info("Startup data quality check")
	} else {
		log.WithError(res.Error).Warn("Startup data quality check failed")
	}

	go maintenanceLoop(ctx, marketEngine, log)

	<-ctx.Done()
	log.Info("Graceful shutdown initiated...")

	if err := storage.Close(); err != nil {
		log.WithError(err).Warn("Closing database failed")
	}
	log.Info("Shutdown complete")
}

// maintenanceLoop periodically compresses aged candle chunks.
func maintenanceLoop(ctx context.Context, engine *market.Engine, log *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := engine.Compress(ctx, "", 30)
			if err != nil {
				log.WithError(err).Warn("Compression pass failed")
			} else if report.ChunksCompressed > 0 {
				log.WithFields(logrus.Fields{
					"chunks": report.ChunksCompressed,
					"ratio":  report.CompressionRatio,
				}).Info("Compressed aged candle chunks")
			}
		}
	}
}

// runMigrations creates the database if it doesn't exist and applies schema.sql.
func runMigrations(ctx context.Context, connStr string, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	adminDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer adminDB.Close()

	var exists bool
	err = adminDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if _, err := adminDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		log.WithField("database", dbName).Info("Created database")
	}

	targetDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to target database: %w", err)
	}
	defer targetDB.Close()

	schema, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	var hasTimescaleDB bool
	if err := targetDB.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_available_extensions WHERE name = 'timescaledb')").Scan(&hasTimescaleDB); err != nil {
		log.WithError(err).Warn("Failed to check for TimescaleDB extension")
	}
	if hasTimescaleDB {
		if _, err := targetDB.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;"); err != nil {
			log.WithError(err).Warn("Failed to create TimescaleDB extension")
		}
	}

	for stmt := range strings.SplitSeq(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		lower := strings.ToLower(stmt)
		if !hasTimescaleDB && (strings.Contains(lower, "create_hypertable") || strings.Contains(lower, "timescaledb.compress")) {
			continue
		}
		if _, err := targetDB.ExecContext(ctx, stmt); err != nil {
			// Re-running against an existing schema is expected.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Info("Migrations complete")
	return nil
}
