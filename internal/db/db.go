// Package db
package db

import (
	"context"
	"time"
)

// CandleStorage is the persistence surface consumed by the market data engine.
type CandleStorage interface {
	SaveCandle(ctx context.Context, c Candle) (Candle, error)
	BulkSaveCandles(ctx context.Context, candles []Candle, opts BulkOptions) (BulkResult, error)
	GetCandleRange(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Candle, error)
	GetLatestCandles(ctx context.Context, symbols []string, timeframe string) ([]Candle, error)
	GetCandleQualityStats(ctx context.Context, filter QualityFilter) (QualityStats, error)
	CompressCandles(ctx context.Context, symbol string, olderThan time.Time) (CompressionResult, error)
}

// TradeStorage is the persistence surface consumed by the trade ledger engine.
type TradeStorage interface {
	SaveTrade(ctx context.Context, t Trade) (Trade, error)
	// GetTradeForUpdate locks the trade row for the duration of the enclosing
	// transaction. Returns nil when the trade does not exist.
	GetTradeForUpdate(ctx context.Context, id string) (*Trade, error)
	UpdateTrade(ctx context.Context, t Trade) error
	GetOpenTrades(ctx context.Context, strategyID, symbol string) ([]Trade, error)
	GetTradesByStrategy(ctx context.Context, strategyID string) ([]Trade, error)
	SearchTrades(ctx context.Context, filter TradeFilter, limit, offset int) ([]Trade, int, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	CandleStorage
	TradeStorage

	// Transaction runs fn inside a single transaction. A transaction already
	// present in ctx is reused; otherwise one is begun, committed on nil and
	// rolled back on error.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close releases the underlying resources (the connection pool for
	// Postgres). In-flight queries finish first.
	Close() error
}
