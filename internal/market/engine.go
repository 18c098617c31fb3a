package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"quantledger/internal/apperr"
	"quantledger/internal/cache"
	"quantledger/internal/db"
	"quantledger/internal/tfutils"
)

// Config tunes the market data engine.
type Config struct {
	DefaultExchange  string
	LatestTTL        time.Duration
	RangeTTL         time.Duration
	AggregateTTL     time.Duration
	BulkChunkSize    int
	StatementTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultExchange:  "binance",
		LatestTTL:        30 * time.Second,
		RangeTTL:         5 * time.Minute,
		AggregateTTL:     5 * time.Minute,
		BulkChunkSize:    1000,
		StatementTimeout: 30 * time.Second,
	}
}

// IngestOptions tunes a bulk ingestion call.
type IngestOptions struct {
	ChunkSize        int
	Policy           db.ConflictPolicy
	Validate         bool
	StatementTimeout time.Duration
}

// IngestReport is the outcome of a bulk ingestion call.
// IngestReport accounts for every candle of a batch exactly once:
// Inserted+Updated+Ignored+Failed equals the batch size.
type IngestReport struct {
	Inserted  int   `json:"inserted"`
	Updated   int   `json:"updated"`
	Ignored   int   `json:"ignored"`
	Failed    int   `json:"failed"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Bucket is one fixed-width aggregation window over source candles.
type Bucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Symbol      string    `json:"symbol"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	VWAP        float64   `json:"vwap"`
	TradesCount int       `json:"trades_count"`
}

// GapKind classifies a discrepancy against the expected timestamp series.
type GapKind string

const (
	GapMissing GapKind = "missing"
	GapDelayed GapKind = "delayed"
)

// Gap is one missing or delayed tick in the expected series.
type Gap struct {
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Kind         GapKind   `json:"kind"`
	ExpectedTime time.Time `json:"expected_time"`
	ActualTime   time.Time `json:"actual_time"`
	DurationMs   int64     `json:"duration_ms"`
}

// QualityReport scores stored data over an optional filter window.
type QualityReport struct {
	Symbol          string     `json:"symbol,omitempty"`
	Timeframe       string     `json:"timeframe,omitempty"`
	TotalRecords    int        `json:"total_records"`
	Duplicates      int        `json:"duplicates"`
	PriceAnomalies  int        `json:"price_anomalies"`
	VolumeAnomalies int        `json:"volume_anomalies"`
	CoveragePercent float64    `json:"coverage_percent"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty"`
}

// CompressionReport summarizes a retention/compression pass.
type CompressionReport struct {
	ChunksCompressed int     `json:"chunks_compressed"`
	CompressionRatio float64 `json:"compression_ratio"`
	SpaceSavedBytes  int64   `json:"space_saved_bytes"`
}

// VolatilityMetrics is a derived view over a candle window.
type VolatilityMetrics struct {
	Symbol       string  `json:"symbol"`
	Timeframe    string  `json:"timeframe"`
	Samples      int     `json:"samples"`
	ReturnStdDev float64 `json:"return_std_dev"`
	ATR          float64 `json:"atr"`
}

// Engine is the market data engine. Stateless over storage plus a best-effort
// query cache; a cache failure never fails the surrounding operation.
type Engine struct {
	storage db.CandleStorage
	cache   cache.Cache
	log     *logrus.Logger
	cfg     Config
}

func NewEngine(storage db.CandleStorage, c cache.Cache, log *logrus.Logger, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = def.DefaultExchange
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = def.LatestTTL
	}
	if cfg.RangeTTL <= 0 {
		cfg.RangeTTL = def.RangeTTL
	}
	if cfg.AggregateTTL <= 0 {
		cfg.AggregateTTL = def.AggregateTTL
	}
	if cfg.BulkChunkSize <= 0 {
		cfg.BulkChunkSize = def.BulkChunkSize
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = def.StatementTimeout
	}
	return &Engine{storage: storage, cache: c, log: log, cfg: cfg}
}

// Ingest validates and upserts a single candle, then invalidates the cache
// patterns scoped to its symbol.
func (e *Engine) Ingest(ctx context.Context, c Candle) (Candle, error) {
	c.Time = c.Time.UTC().Truncate(time.Millisecond)
	if c.Exchange == "" {
		c.Exchange = e.cfg.DefaultExchange
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}

	stored, err := e.storage.SaveCandle(ctx, CandleToDBCandle(c))
	if err != nil {
		return Candle{}, err
	}

	e.invalidateSymbol(c.Symbol)
	return DBCandleToCandle(stored), nil
}

// IngestBatch bulk-upserts candles in chunks inside one transaction. Invalid
// records are counted as failures and excluded, never aborting the batch; the
// same holds for failed chunks.
func (e *Engine) IngestBatch(ctx context.Context, candles []Candle, opts IngestOptions) (IngestReport, error) {
	start := time.Now()
	var report IngestReport

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = e.cfg.BulkChunkSize
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = e.cfg.StatementTimeout
	}

	valid := make([]Candle, 0, len(candles))
	for i := range candles {
		c := candles[i]
		c.Time = c.Time.UTC().Truncate(time.Millisecond)
		if c.Exchange == "" {
			c.Exchange = e.cfg.DefaultExchange
		}
		if opts.Validate {
			if err := c.Validate(); err != nil {
				report.Failed++
				e.log.WithFields(logrus.Fields{
					"symbol": c.Symbol,
					"time":   c.Time,
				}).WithError(err).Debug("skipping invalid candle")
				continue
			}
		}
		valid = append(valid, c)
	}

	if len(valid) > 0 {
		res, err := e.storage.BulkSaveCandles(ctx, CandlesToDBCandles(valid), db.BulkOptions{
			ChunkSize:        opts.ChunkSize,
			Policy:           opts.Policy,
			StatementTimeout: opts.StatementTimeout,
		})
		if err != nil {
			return report, err
		}
		report.Inserted = res.Inserted
		report.Updated = res.Updated
		report.Ignored = res.Ignored
		report.Failed += res.Failed
		for _, chunkErr := range res.ChunkErrors {
			e.log.WithError(chunkErr).Warn("candle chunk insert failed")
		}
	}

	symbols := make(map[string]struct{})
	for _, c := range valid {
		symbols[c.Symbol] = struct{}{}
	}
	for symbol := range symbols {
		e.invalidateSymbol(symbol)
	}

	report.ElapsedMs = time.Since(start).Milliseconds()
	return report, nil
}

// GetRange returns candles in [start, end] ordered by time ascending.
func (e *Engine) GetRange(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Candle, bool, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, false, invalidTimeframe(timeframe)
	}

	key := fmt.Sprintf("ohlcv:%s:%s:%d:%d:%d", symbol, timeframe, start.UnixMilli(), end.UnixMilli(), limit)
	if cached, ok := e.cacheGet(key); ok {
		if candles, ok := cached.([]Candle); ok {
			return candles, true, nil
		}
	}

	rows, err := e.storage.GetCandleRange(ctx, symbol, timeframe, start, end, limit)
	if err != nil {
		return nil, false, err
	}
	candles := DBCandlesToCandles(rows)
	e.cacheSet(key, candles, e.cfg.RangeTTL)
	return candles, false, nil
}

// GetLatest returns the single most recent candle per symbol. The latest-price
// TTL is short since these back mark-price lookups.
func (e *Engine) GetLatest(ctx context.Context, symbols []string, timeframe string) ([]Candle, bool, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, false, invalidTimeframe(timeframe)
	}

	key := fmt.Sprintf("latest:%s:%s", strings.Join(symbols, ","), timeframe)
	if cached, ok := e.cacheGet(key); ok {
		if candles, ok := cached.([]Candle); ok {
			return candles, true, nil
		}
	}

	rows, err := e.storage.GetLatestCandles(ctx, symbols, timeframe)
	if err != nil {
		return nil, false, err
	}
	candles := DBCandlesToCandles(rows)
	e.cacheSet(key, candles, e.cfg.LatestTTL)
	return candles, false, nil
}

// LatestPrices returns the most recent close per symbol. Used by the trade
// ledger to mark open positions.
func (e *Engine) LatestPrices(ctx context.Context, symbols []string, timeframe string) (map[string]float64, error) {
	candles, _, err := e.GetLatest(ctx, symbols, timeframe)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]float64, len(candles))
	for _, c := range candles {
		prices[c.Symbol] = c.Close
	}
	return prices, nil
}

// Aggregate buckets candles of sourceTimeframe into fixed-width windows.
// Buckets with zero input rows are omitted, never synthesized. A zero-volume
// bucket keeps its rows and falls back to the simple average of closes for
// its VWAP.
func (e *Engine) Aggregate(ctx context.Context, symbol, sourceTimeframe string, bucketInterval time.Duration, start, end time.Time) ([]Bucket, bool, error) {
	if !tfutils.IsValidTimeframe(sourceTimeframe) {
		return nil, false, invalidTimeframe(sourceTimeframe)
	}
	if bucketInterval <= 0 {
		return nil, false, invalidBucket(bucketInterval)
	}

	key := fmt.Sprintf("aggregated:%s:%s:%d:%d:%d", symbol, sourceTimeframe, bucketInterval.Milliseconds(), start.UnixMilli(), end.UnixMilli())
	if cached, ok := e.cacheGet(key); ok {
		if buckets, ok := cached.([]Bucket); ok {
			return buckets, true, nil
		}
	}

	rows, err := e.storage.GetCandleRange(ctx, symbol, sourceTimeframe, start, end, 0)
	if err != nil {
		return nil, false, err
	}

	grouped := make(map[time.Time][]db.Candle)
	for _, c := range rows {
		bucketStart := c.Time.Truncate(bucketInterval)
		grouped[bucketStart] = append(grouped[bucketStart], c)
	}

	buckets := make([]Bucket, 0, len(grouped))
	for bucketStart, group := range grouped {
		// Rows arrive time-ascending from storage, order within a group holds.
		b := Bucket{
			BucketStart: bucketStart,
			Symbol:      symbol,
			Open:        group[0].Open,
			High:        group[0].High,
			Low:         group[0].Low,
			Close:       group[len(group)-1].Close,
		}

		var weighted, closeSum float64
		for _, c := range group {
			if c.High > b.High {
				b.High = c.High
			}
			if c.Low < b.Low {
				b.Low = c.Low
			}
			b.Volume += c.Volume
			b.TradesCount += c.TradesCount
			weighted += c.Close * c.Volume
			closeSum += c.Close
		}
		if b.Volume > 0 {
			b.VWAP = weighted / b.Volume
		} else {
			b.VWAP = closeSum / float64(len(group))
		}

		buckets = append(buckets, b)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStart.Before(buckets[j].BucketStart) })
	e.cacheSet(key, buckets, e.cfg.AggregateTTL)
	return buckets, false, nil
}

// DetectGaps walks the expected timestamp series at the timeframe's fixed
// interval over the lookback window and reports ticks that are missing or only
// matched by a delayed candle. Matches within half an interval count as present.
func (e *Engine) DetectGaps(ctx context.Context, symbol, timeframe string, lookback time.Duration) ([]Gap, error) {
	interval := tfutils.GetTimeframeDuration(timeframe)
	if interval == 0 {
		return nil, invalidTimeframe(timeframe)
	}
	if lookback <= 0 {
		return nil, invalidLookback(lookback)
	}

	end := time.Now().UTC().Truncate(interval)
	start := end.Add(-lookback)

	rows, err := e.storage.GetCandleRange(ctx, symbol, timeframe, start, end, 0)
	if err != nil {
		return nil, err
	}

	actual := make([]time.Time, len(rows))
	for i, c := range rows {
		actual[i] = c.Time
	}

	var gaps []Gap
	for expected := start; expected.Before(end); expected = expected.Add(interval) {
		nearest, found := nearestTime(actual, expected)
		if found {
			diff := nearest.Sub(expected)
			if diff < 0 {
				diff = -diff
			}
			if diff <= interval/2 {
				continue
			}
			if diff < interval {
				gaps = append(gaps, Gap{
					Symbol:       symbol,
					Timeframe:    timeframe,
					Kind:         GapDelayed,
					ExpectedTime: expected,
					ActualTime:   nearest,
					DurationMs:   diff.Milliseconds(),
				})
				continue
			}
		}
		gaps = append(gaps, Gap{
			Symbol:       symbol,
			Timeframe:    timeframe,
			Kind:         GapMissing,
			ExpectedTime: expected,
			ActualTime:   expected,
			DurationMs:   interval.Milliseconds(),
		})
	}

	return gaps, nil
}

// nearestTime returns the element of sorted closest to target.
func nearestTime(sorted []time.Time, target time.Time) (time.Time, bool) {
	if len(sorted) == 0 {
		return time.Time{}, false
	}
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Before(target) })
	if i == 0 {
		return sorted[0], true
	}
	if i == len(sorted) {
		return sorted[len(sorted)-1], true
	}
	before, after := sorted[i-1], sorted[i]
	if target.Sub(before) <= after.Sub(target) {
		return before, true
	}
	return after, true
}

// QualityReport computes record counts, anomaly counts and coverage over an
// optional symbol/timeframe/time-window filter.
func (e *Engine) QualityReport(ctx context.Context, filter db.QualityFilter) (QualityReport, error) {
	if filter.Timeframe != "" && !tfutils.IsValidTimeframe(filter.Timeframe) {
		return QualityReport{}, invalidTimeframe(filter.Timeframe)
	}

	stats, err := e.storage.GetCandleQualityStats(ctx, filter)
	if err != nil {
		return QualityReport{}, err
	}

	report := QualityReport{
		Symbol:          filter.Symbol,
		Timeframe:       filter.Timeframe,
		TotalRecords:    stats.Total,
		Duplicates:      stats.Duplicates,
		PriceAnomalies:  stats.PriceAnomalies,
		VolumeAnomalies: stats.VolumeAnomalies,
		WindowStart:     stats.MinTime,
		WindowEnd:       stats.MaxTime,
		// Capped at 100 so an empty window never divides by zero.
		CoveragePercent: 100,
	}

	if stats.Total > 0 && filter.Timeframe != "" && stats.MinTime != nil && stats.MaxTime != nil {
		interval := tfutils.GetTimeframeDuration(filter.Timeframe)
		expected := int(stats.MaxTime.Sub(*stats.MinTime)/interval) + 1
		if expected > 0 {
			report.CoveragePercent = math.Min(100, float64(stats.Total)/float64(expected)*100)
		}
	}

	return report, nil
}

// Compress marks historical chunks older than the threshold for storage
// compaction and reports the space reclaimed.
func (e *Engine) Compress(ctx context.Context, symbol string, olderThanDays int) (CompressionReport, error) {
	if olderThanDays <= 0 {
		return CompressionReport{}, invalidRetention(olderThanDays)
	}

	olderThan := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := e.storage.CompressCandles(ctx, symbol, olderThan)
	if err != nil {
		return CompressionReport{}, err
	}

	report := CompressionReport{
		ChunksCompressed: res.ChunksCompressed,
		SpaceSavedBytes:  res.BytesBefore - res.BytesAfter,
	}
	if res.BytesAfter > 0 {
		report.CompressionRatio = float64(res.BytesBefore) / float64(res.BytesAfter)
	}

	e.log.WithFields(logrus.Fields{
		"symbol":     symbol,
		"chunks":     report.ChunksCompressed,
		"saved":      report.SpaceSavedBytes,
		"older_than": olderThan,
	}).Info("compressed candle chunks")

	return report, nil
}

// Volatility computes close-to-close return deviation and Wilder-smoothed ATR
// over a candle window.
func (e *Engine) Volatility(ctx context.Context, symbol, timeframe string, start, end time.Time) (VolatilityMetrics, error) {
	candles, _, err := e.GetRange(ctx, symbol, timeframe, start, end, 0)
	if err != nil {
		return VolatilityMetrics{}, err
	}

	metrics := VolatilityMetrics{Symbol: symbol, Timeframe: timeframe, Samples: len(candles)}
	if len(candles) < 2 {
		return metrics, nil
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close > 0 {
			returns = append(returns, (candles[i].Close-candles[i-1].Close)/candles[i-1].Close)
		}
	}
	metrics.ReturnStdDev = stdDev(returns)
	metrics.ATR = averageTrueRange(candles, 14)
	return metrics, nil
}

// averageTrueRange computes ATR with Wilder's smoothing. The period shrinks to
// fit short windows.
func averageTrueRange(candles []Candle, period int) float64 {
	if len(candles) < 2 {
		return 0
	}
	if period > len(candles)-1 {
		period = len(candles) - 1
	}

	trueRanges := make([]float64, len(candles))
	trueRanges[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		tr := candles[i].High - candles[i].Low
		if hc := math.Abs(candles[i].High - candles[i-1].Close); hc > tr {
			tr = hc
		}
		if lc := math.Abs(candles[i].Low - candles[i-1].Close); lc > tr {
			tr = lc
		}
		trueRanges[i] = tr
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)
	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// cacheGet and cacheSet are best-effort: a failing cache is logged and the
// operation continues uncached.
func (e *Engine) cacheGet(key string) (any, bool) {
	v, ok, err := e.cache.Get(key)
	if err != nil {
		e.log.WithField("key", key).WithError(err).Warn("cache get failed")
		return nil, false
	}
	return v, ok
}

func (e *Engine) cacheSet(key string, value any, ttl time.Duration) {
	if err := e.cache.Set(key, value, ttl); err != nil {
		e.log.WithField("key", key).WithError(err).Warn("cache set failed")
	}
}

func (e *Engine) invalidateSymbol(symbol string) {
	patterns := []string{
		"latest:*",
		fmt.Sprintf("ohlcv:%s:*", symbol),
		fmt.Sprintf("aggregated:%s:*", symbol),
	}
	if _, err := e.cache.Invalidate(patterns...); err != nil {
		e.log.WithField("symbol", symbol).WithError(err).Warn("cache invalidation failed")
	}
}

func validationf(field, format string, args ...any) error {
	return apperr.NewValidation(field, fmt.Sprintf(format, args...))
}

func invalidTimeframe(timeframe string) error {
	return validationf("timeframe", "unsupported timeframe %q", timeframe)
}

func invalidBucket(interval time.Duration) error {
	return validationf("bucket_interval", "bucket interval must be positive, got %s", interval)
}

func invalidLookback(lookback time.Duration) error {
	return validationf("lookback", "lookback must be positive, got %s", lookback)
}

func invalidRetention(days int) error {
	return validationf("older_than_days", "retention threshold must be positive, got %d", days)
}
