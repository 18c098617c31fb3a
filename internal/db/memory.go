package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"quantledger/internal/apperr"
)

// MemoryStorage is an in-memory Storage used by engine tests and by running
// without a database. Semantics mirror the Postgres gateway, including
// conflict policies and bulk counting.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candles keyed by time|symbol|timeframe (the identity tuple)
	candles map[string]Candle

	// Trades by ID
	trades map[string]Trade

	// InjectChunkError, when set, makes BulkSaveCandles fail the chunk at the
	// given index. Test seam for per-chunk failure isolation.
	InjectChunkError func(chunkIndex int) error
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]Candle),
		trades:  make(map[string]Trade),
	}
}

func candleKey(ts time.Time, symbol, timeframe string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + strings.ToUpper(symbol) + "|" + timeframe
}

// Transaction runs fn directly; in-memory mutations are guarded per call.
func (m *MemoryStorage) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *MemoryStorage) Close() error {
	return nil
}

// -------- CandleStorage --------

func (m *MemoryStorage) SaveCandle(ctx context.Context, c Candle) (Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(c), nil
}

func (m *MemoryStorage) upsertLocked(c Candle) Candle {
	now := time.Now().UTC()
	c.Time = c.Time.UTC()
	key := candleKey(c.Time, c.Symbol, c.Timeframe)

	if prev, ok := m.candles[key]; ok {
		if c.QuoteVolume == nil {
			c.QuoteVolume = prev.QuoteVolume
		}
		if c.RawData == nil {
			c.RawData = prev.RawData
		}
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.candles[key] = c
	return c
}

func (m *MemoryStorage) BulkSaveCandles(ctx context.Context, candles []Candle, opts BulkOptions) (BulkResult, error) {
	var res BulkResult
	if len(candles) == 0 {
		return res, nil
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chunkIndex := 0
	for start := 0; start < len(candles); start += chunkSize {
		end := start + chunkSize
		if end > len(candles) {
			end = len(candles)
		}
		chunk := candles[start:end]

		if m.InjectChunkError != nil {
			if err := m.InjectChunkError(chunkIndex); err != nil {
				res.Failed += len(chunk)
				res.ChunkErrors = append(res.ChunkErrors, err)
				chunkIndex++
				continue
			}
		}

		if opts.Policy == ConflictError {
			conflict := ""
			for _, c := range chunk {
				if _, ok := m.candles[candleKey(c.Time, c.Symbol, c.Timeframe)]; ok {
					conflict = candleKey(c.Time, c.Symbol, c.Timeframe)
					break
				}
			}
			if conflict != "" {
				res.Failed += len(chunk)
				res.ChunkErrors = append(res.ChunkErrors,
					&apperr.ConflictError{Constraint: "candles_time_symbol_timeframe_key", Detail: conflict})
				chunkIndex++
				continue
			}
		}

		for _, c := range chunk {
			_, exists := m.candles[candleKey(c.Time, c.Symbol, c.Timeframe)]
			switch {
			case !exists:
				m.upsertLocked(c)
				res.Inserted++
			case opts.Policy == ConflictIgnore:
				res.Ignored++ // stored row untouched
			default:
				m.upsertLocked(c)
				res.Updated++
			}
		}
		chunkIndex++
	}

	return res, nil
}

func (m *MemoryStorage) GetCandleRange(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candle
	for _, c := range m.candles {
		if !strings.EqualFold(c.Symbol, symbol) || c.Timeframe != timeframe {
			continue
		}
		if c.Time.Before(start) || c.Time.After(end) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) GetLatestCandles(ctx context.Context, symbols []string, timeframe string) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]Candle)
	for _, c := range m.candles {
		if c.Timeframe != timeframe {
			continue
		}
		match := false
		for _, s := range symbols {
			if strings.EqualFold(c.Symbol, s) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		cur, ok := latest[strings.ToUpper(c.Symbol)]
		if !ok || c.Time.After(cur.Time) {
			latest[strings.ToUpper(c.Symbol)] = c
		}
	}

	out := make([]Candle, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStorage) GetCandleQualityStats(ctx context.Context, filter QualityFilter) (QualityStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats QualityStats
	for _, c := range m.candles {
		if filter.Symbol != "" && !strings.EqualFold(c.Symbol, filter.Symbol) {
			continue
		}
		if filter.Timeframe != "" && c.Timeframe != filter.Timeframe {
			continue
		}
		if !filter.Start.IsZero() && c.Time.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && c.Time.After(filter.End) {
			continue
		}

		stats.Total++
		if c.High < maxFloat(c.Open, c.Close) || c.Low > minFloat(c.Open, c.Close) ||
			c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			stats.PriceAnomalies++
		}
		if c.Volume <= 0 {
			stats.VolumeAnomalies++
		}

		t := c.Time
		if stats.MinTime == nil || t.Before(*stats.MinTime) {
			tt := t
			stats.MinTime = &tt
		}
		if stats.MaxTime == nil || t.After(*stats.MaxTime) {
			tt := t
			stats.MaxTime = &tt
		}
	}
	// Duplicates cannot occur in a map keyed by the identity tuple.
	return stats, nil
}

// CompressCandles is a no-op for in-memory storage.
func (m *MemoryStorage) CompressCandles(ctx context.Context, symbol string, olderThan time.Time) (CompressionResult, error) {
	return CompressionResult{}, nil
}

// -------- TradeStorage --------

func (m *MemoryStorage) SaveTrade(ctx context.Context, t Trade) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return Trade{}, &apperr.ConflictError{Constraint: "trades_pkey", Detail: t.ID}
	}

	now := time.Now().UTC()
	t.EntryTime = t.EntryTime.UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.trades[t.ID] = t
	return t, nil
}

func (m *MemoryStorage) GetTradeForUpdate(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	copied := t
	return &copied, nil
}

func (m *MemoryStorage) UpdateTrade(ctx context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.trades[t.ID]
	if !ok {
		return apperr.NewNotFound("trade", t.ID)
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	m.trades[t.ID] = t
	return nil
}

func (m *MemoryStorage) GetOpenTrades(ctx context.Context, strategyID, symbol string) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Trade
	for _, t := range m.trades {
		if t.ExitTime != nil || (t.Status != "filled" && t.Status != "partial") {
			continue
		}
		if strategyID != "" && t.StrategyID != strategyID {
			continue
		}
		if symbol != "" && !strings.EqualFold(t.Symbol, symbol) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	return out, nil
}

func (m *MemoryStorage) GetTradesByStrategy(ctx context.Context, strategyID string) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Trade
	for _, t := range m.trades {
		if t.StrategyID == strategyID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *MemoryStorage) SearchTrades(ctx context.Context, filter TradeFilter, limit, offset int) ([]Trade, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Trade
	for _, t := range m.trades {
		if !tradeMatches(t, filter) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].EntryTime.After(matched[j].EntryTime) })

	total := len(matched)
	if offset > 0 {
		if offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func tradeMatches(t Trade, f TradeFilter) bool {
	if f.StrategyID != "" && t.StrategyID != f.StrategyID {
		return false
	}
	if f.Symbol != "" && !strings.EqualFold(t.Symbol, f.Symbol) {
		return false
	}
	if len(f.Sides) > 0 && !containsFold(f.Sides, t.Side) {
		return false
	}
	if len(f.Statuses) > 0 && !containsFold(f.Statuses, t.Status) {
		return false
	}
	if f.MinPnL != nil && t.PnL < *f.MinPnL {
		return false
	}
	if f.MaxPnL != nil && t.PnL > *f.MaxPnL {
		return false
	}
	if f.MinQuantity != nil && t.Quantity < *f.MinQuantity {
		return false
	}
	if f.MaxQuantity != nil && t.Quantity > *f.MaxQuantity {
		return false
	}
	if f.MinPrice != nil && t.Price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && t.Price > *f.MaxPrice {
		return false
	}
	if f.Open != nil {
		open := t.ExitTime == nil && (t.Status == "filled" || t.Status == "partial")
		if *f.Open != open {
			return false
		}
	}
	if f.EntryAfter != nil && t.EntryTime.Before(*f.EntryAfter) {
		return false
	}
	if f.EntryBefore != nil && t.EntryTime.After(*f.EntryBefore) {
		return false
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
