// Package service exposes the persistence and analytics operations as one
// surface with a uniform result envelope. The engines underneath stay plain
// Go; this layer adds the success flag, timing and row counts callers embed
// in their own responses.
package service

import (
	"context"
	"time"

	"quantledger/internal/db"
	"quantledger/internal/ledger"
	"quantledger/internal/market"
	"quantledger/internal/result"
)

type Service struct {
	market *market.Engine
	ledger *ledger.Engine
}

func New(m *market.Engine, l *ledger.Engine) *Service {
	return &Service{market: m, ledger: l}
}

func (s *Service) IngestCandle(ctx context.Context, c market.Candle) result.Result[market.Candle] {
	start := time.Now()
	saved, err := s.market.Ingest(ctx, c)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[market.Candle](err, meta)
	}
	meta.RowCount = 1
	return result.Ok(saved, meta)
}

func (s *Service) IngestCandles(ctx context.Context, candles []market.Candle, opts market.IngestOptions) result.Result[market.IngestReport] {
	start := time.Now()
	report, err := s.market.IngestBatch(ctx, candles, opts)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[market.IngestReport](err, meta)
	}
	meta.RowCount = report.Inserted + report.Updated
	return result.Ok(report, meta)
}

func (s *Service) GetCandleRange(ctx context.Context, symbol, timeframe string, from, to time.Time, limit int) result.Result[[]market.Candle] {
	start := time.Now()
	candles, hit, err := s.market.GetRange(ctx, symbol, timeframe, from, to, limit)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[[]market.Candle](err, meta)
	}
	meta.RowCount = len(candles)
	return result.Ok(candles, meta)
}

func (s *Service) GetLatestCandles(ctx context.Context, symbols []string, timeframe string) result.Result[[]market.Candle] {
	start := time.Now()
	candles, hit, err := s.market.GetLatest(ctx, symbols, timeframe)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[[]market.Candle](err, meta)
	}
	meta.RowCount = len(candles)
	return result.Ok(candles, meta)
}

func (s *Service) Aggregate(ctx context.Context, symbol, sourceTimeframe string, bucket time.Duration, from, to time.Time) result.Result[[]market.Bucket] {
	start := time.Now()
	buckets, hit, err := s.market.Aggregate(ctx, symbol, sourceTimeframe, bucket, from, to)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[[]market.Bucket](err, meta)
	}
	meta.RowCount = len(buckets)
	return result.Ok(buckets, meta)
}

func (s *Service) DetectGaps(ctx context.Context, symbol, timeframe string, lookback time.Duration) result.Result[[]market.Gap] {
	start := time.Now()
	gaps, err := s.market.DetectGaps(ctx, symbol, timeframe, lookback)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[[]market.Gap](err, meta)
	}
	meta.RowCount = len(gaps)
	return result.Ok(gaps, meta)
}

func (s *Service) DataQualityReport(ctx context.Context, filter db.QualityFilter) result.Result[market.QualityReport] {
	start := time.Now()
	report, err := s.market.QualityReport(ctx, filter)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[market.QualityReport](err, meta)
	}
	meta.RowCount = report.TotalRecords
	return result.Ok(report, meta)
}

func (s *Service) CompressCandles(ctx context.Context, symbol string, olderThanDays int) result.Result[market.CompressionReport] {
	start := time.Now()
	report, err := s.market.Compress(ctx, symbol, olderThanDays)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[market.CompressionReport](err, meta)
	}
	meta.RowCount = report.ChunksCompressed
	return result.Ok(report, meta)
}

func (s *Service) Volatility(ctx context.Context, symbol, timeframe string, from, to time.Time) result.Result[market.VolatilityMetrics] {
	start := time.Now()
	metrics, err := s.market.Volatility(ctx, symbol, timeframe, from, to)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[market.VolatilityMetrics](err, meta)
	}
	return result.Ok(metrics, meta)
}

func (s *Service) RecordTrade(ctx context.Context, t ledger.Trade) result.Result[ledger.Trade] {
	start := time.Now()
	saved, err := s.ledger.RecordTrade(ctx, t)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[ledger.Trade](err, meta)
	}
	meta.RowCount = 1
	return result.Ok(saved, meta)
}

func (s *Service) CloseTrade(ctx context.Context, req ledger.CloseRequest) result.Result[ledger.ClosureResult] {
	start := time.Now()
	closure, err := s.ledger.CloseTrade(ctx, req)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[ledger.ClosureResult](err, meta)
	}
	meta.RowCount = 1
	return result.Ok(closure, meta)
}

func (s *Service) OpenTrades(ctx context.Context, strategyID, symbol string) result.Result[[]ledger.OpenTrade] {
	start := time.Now()
	trades, hit, err := s.ledger.OpenTrades(ctx, strategyID, symbol)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[[]ledger.OpenTrade](err, meta)
	}
	meta.RowCount = len(trades)
	return result.Ok(trades, meta)
}

func (s *Service) PositionSummary(ctx context.Context, symbol, strategyID string, markPrice *float64) result.Result[*ledger.PositionSummary] {
	start := time.Now()
	summary, hit, err := s.ledger.PositionSummary(ctx, symbol, strategyID, markPrice)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[*ledger.PositionSummary](err, meta)
	}
	if summary != nil {
		meta.RowCount = 1
	}
	return result.Ok(summary, meta)
}

func (s *Service) PortfolioMetrics(ctx context.Context, strategyID string) result.Result[ledger.PortfolioMetrics] {
	start := time.Now()
	metrics, hit, err := s.ledger.PortfolioMetrics(ctx, strategyID)
	meta := result.Meta{ElapsedMs: result.Since(start), CacheHit: hit}
	if err != nil {
		return result.Fail[ledger.PortfolioMetrics](err, meta)
	}
	meta.RowCount = metrics.TotalTrades
	return result.Ok(metrics, meta)
}

func (s *Service) TradeHistory(ctx context.Context, filter ledger.HistoryFilter, page ledger.Pagination) result.Result[ledger.HistoryPage] {
	start := time.Now()
	history, err := s.ledger.TradeHistory(ctx, filter, page)
	meta := result.Meta{ElapsedMs: result.Since(start)}
	if err != nil {
		return result.Fail[ledger.HistoryPage](err, meta)
	}
	meta.RowCount = len(history.Trades)
	return result.Ok(history, meta)
}
