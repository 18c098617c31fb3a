package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quantledger/internal/apperr"
	"quantledger/internal/cache"
	"quantledger/internal/db"
)

// closeEpsilon absorbs float drift when deciding a position is fully closed.
const closeEpsilon = 1e-9

// Config tunes the trade ledger engine.
type Config struct {
	// DefaultExitFeeRate applies when a closure carries no explicit fee,
	// as a fraction of the exit notional.
	DefaultExitFeeRate float64
	// VaRRate is the flat value-at-risk proxy as a fraction of exposure.
	VaRRate float64
	// Leverage is the fixed ratio assumed for the margin-used estimate.
	Leverage float64
	// MarkTimeframe selects the candle series used to mark open positions.
	MarkTimeframe string
	OpenTradesTTL time.Duration
	AnalyticsTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultExitFeeRate: 0.001,
		VaRRate:            0.05,
		Leverage:           10,
		MarkTimeframe:      "1m",
		OpenTradesTTL:      20 * time.Second,
		AnalyticsTTL:       time.Minute,
	}
}

// Quoter supplies the latest known price per symbol. The market data engine
// implements it; a nil Quoter simply drops the unrealized-P&L hints.
type Quoter interface {
	LatestPrices(ctx context.Context, symbols []string, timeframe string) (map[string]float64, error)
}

// CloseRequest asks for a full or partial closure of a trade.
type CloseRequest struct {
	TradeID      string
	ExitPrice    float64
	ExitQuantity *float64
	Fees         *float64
	Metadata     map[string]any
}

// ClosureResult is the structured breakdown returned by a closure.
type ClosureResult struct {
	TradeID           string        `json:"trade_id"`
	Status            Status        `json:"status"`
	CloseQuantity     float64       `json:"close_quantity"`
	RemainingQuantity float64       `json:"remaining_quantity"`
	GrossPnL          float64       `json:"gross_pnl"`
	NetPnL            float64       `json:"net_pnl"`
	EntryFeeShare     float64       `json:"entry_fee_share"`
	ExitFee           float64       `json:"exit_fee"`
	ROIPercent        float64       `json:"roi_percent"`
	HoldingPeriod     time.Duration `json:"holding_period"`
	Slippage          float64       `json:"slippage"`
	EffectiveSpread   float64       `json:"effective_spread"`
	ClosedAt          time.Time     `json:"closed_at"`
}

// OpenTrade is an open trade joined with the latest known price, when one is
// available, to expose an unrealized-P&L hint.
type OpenTrade struct {
	Trade
	MarkPrice     *float64 `json:"mark_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
}

// PositionSummary aggregates all open trades of one symbol.
type PositionSummary struct {
	Symbol               string   `json:"symbol"`
	StrategyID           string   `json:"strategy_id,omitempty"`
	NetQuantity          float64  `json:"net_quantity"`
	AvgEntryPrice        float64  `json:"avg_entry_price"`
	Side                 string   `json:"side"`
	OpenTrades           int      `json:"open_trades"`
	RealizedPnL          float64  `json:"realized_pnl"`
	UnrealizedPnL        *float64 `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPercent *float64 `json:"unrealized_pnl_percent,omitempty"`
	Exposure             float64  `json:"exposure"`
	ValueAtRisk          float64  `json:"value_at_risk"`
	MaxLoss              float64  `json:"max_loss"`
	MarginUsed           float64  `json:"margin_used"`
}

// PortfolioMetrics is the derived view over a strategy's full trade set.
type PortfolioMetrics struct {
	StrategyID           string        `json:"strategy_id"`
	TotalTrades          int           `json:"total_trades"`
	OpenTrades           int           `json:"open_trades"`
	ClosedTrades         int           `json:"closed_trades"`
	TotalVolume          float64       `json:"total_volume"`
	RealizedPnL          float64       `json:"realized_pnl"`
	UnrealizedPnL        float64       `json:"unrealized_pnl"`
	TotalPnL             float64       `json:"total_pnl"`
	Wins                 int           `json:"wins"`
	Losses               int           `json:"losses"`
	WinRate              float64       `json:"win_rate"`
	AverageWin           float64       `json:"average_win"`
	AverageLoss          float64       `json:"average_loss"`
	LargestWin           float64       `json:"largest_win"`
	LargestLoss          float64       `json:"largest_loss"`
	TotalFees            float64       `json:"total_fees"`
	AvgTradeDuration     time.Duration `json:"avg_trade_duration"`
	MinTradeDuration     time.Duration `json:"min_trade_duration"`
	MaxTradeDuration     time.Duration `json:"max_trade_duration"`
	MaxDrawdown          float64       `json:"max_drawdown"`
	CurrentDrawdown      float64       `json:"current_drawdown"`
	MaxConsecutiveWins   int           `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses"`
	SharpeRatio          float64       `json:"sharpe_ratio"`
	SortinoRatio         float64       `json:"sortino_ratio"`
}

// HistoryFilter expresses the trade-history search predicates.
type HistoryFilter struct {
	StrategyID  string
	Symbol      string
	Sides       []Side
	Statuses    []Status
	MinPnL      *float64
	MaxPnL      *float64
	MinQuantity *float64
	MaxQuantity *float64
	MinPrice    *float64
	MaxPrice    *float64
	Open        *bool
	EntryAfter  *time.Time
	EntryBefore *time.Time
}

// Pagination bounds a history page. Limit defaults to 50.
type Pagination struct {
	Limit  int
	Offset int
}

// PageStats summarizes the returned page, not the full filtered set.
type PageStats struct {
	Count       int     `json:"count"`
	TotalPnL    float64 `json:"total_pnl"`
	TotalFees   float64 `json:"total_fees"`
	TotalVolume float64 `json:"total_volume"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	AveragePnL  float64 `json:"average_pnl"`
}

// HistoryPage is one page of trade history plus the total filtered count.
type HistoryPage struct {
	Trades []Trade   `json:"trades"`
	Total  int       `json:"total"`
	Stats  PageStats `json:"stats"`
}

// Engine is the trade ledger engine. Stateless over storage plus a best-effort
// query cache.
type Engine struct {
	storage db.Storage
	cache   cache.Cache
	quoter  Quoter
	log     *logrus.Logger
	cfg     Config
}

func NewEngine(storage db.Storage, c cache.Cache, quoter Quoter, log *logrus.Logger, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultExitFeeRate <= 0 {
		cfg.DefaultExitFeeRate = def.DefaultExitFeeRate
	}
	if cfg.VaRRate <= 0 {
		cfg.VaRRate = def.VaRRate
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = def.Leverage
	}
	if cfg.MarkTimeframe == "" {
		cfg.MarkTimeframe = def.MarkTimeframe
	}
	if cfg.OpenTradesTTL <= 0 {
		cfg.OpenTradesTTL = def.OpenTradesTTL
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = def.AnalyticsTTL
	}
	return &Engine{storage: storage, cache: c, quoter: quoter, log: log, cfg: cfg}
}

// RecordTrade validates and persists a new trade. Missing identifiers and
// entry time are defaulted; remaining quantity starts at the executed
// quantity.
func (e *Engine) RecordTrade(ctx context.Context, t Trade) (Trade, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.OrderType == "" {
		t.OrderType = "market"
	}
	if t.EntryTime.IsZero() {
		t.EntryTime = time.Now().UTC()
	}
	if t.RemainingQuantity == 0 && t.ExecutedQuantity > 0 && t.ExitTime == nil {
		t.RemainingQuantity = t.ExecutedQuantity
	}
	if err := t.Validate(); err != nil {
		return Trade{}, err
	}

	stored, err := e.storage.SaveTrade(ctx, tradeToDB(t))
	if err != nil {
		return Trade{}, err
	}

	e.invalidateTrade(t.StrategyID, t.Symbol)
	return tradeFromDB(stored), nil
}

// CloseTrade closes a trade fully or partially. The read-then-update runs
// inside one transaction so concurrent closures of the same trade cannot lose
// an update; closures of different trades are fully independent.
func (e *Engine) CloseTrade(ctx context.Context, req CloseRequest) (ClosureResult, error) {
	if req.TradeID == "" {
		return ClosureResult{}, apperr.NewValidation("trade_id", "trade id cannot be empty")
	}
	if req.ExitPrice <= 0 {
		return ClosureResult{}, apperr.NewValidation("exit_price", "exit price must be positive")
	}
	if req.Fees != nil && *req.Fees < 0 {
		return ClosureResult{}, apperr.NewValidation("fees", "fees cannot be negative")
	}

	var (
		result     ClosureResult
		strategyID string
		symbol     string
	)

	err := e.storage.Transaction(ctx, func(txCtx context.Context) error {
		row, err := e.storage.GetTradeForUpdate(txCtx, req.TradeID)
		if err != nil {
			return err
		}
		if row == nil {
			return apperr.NewNotFound("trade", req.TradeID)
		}
		t := tradeFromDB(*row)
		strategyID, symbol = t.StrategyID, t.Symbol

		if t.Status.Terminal() {
			return apperr.NewValidation("status", fmt.Sprintf("cannot close trade in %s status", t.Status))
		}
		if t.Status == StatusPending {
			return apperr.NewValidation("status", "cannot close a trade that has no executed quantity")
		}

		openQuantity := t.RemainingQuantity
		if t.ExitTime != nil || openQuantity <= closeEpsilon {
			return apperr.NewValidation("status", "trade is already fully closed")
		}

		closeQuantity := openQuantity
		if req.ExitQuantity != nil {
			closeQuantity = *req.ExitQuantity
		}
		if closeQuantity <= 0 {
			return apperr.NewValidation("exit_quantity", "close quantity must be positive")
		}
		if closeQuantity > openQuantity+closeEpsilon {
			return apperr.NewValidation("exit_quantity",
				fmt.Sprintf("close quantity %.8f exceeds open quantity %.8f", closeQuantity, openQuantity))
		}

		entryPrice := t.EntryPrice()
		direction := 1.0
		if !t.Side.IsLong() {
			direction = -1.0
		}

		grossPnL := (req.ExitPrice - entryPrice) * closeQuantity * direction

		// Entry fees prorate by the closed share of the open quantity, so a
		// sequence of partial closes consumes the entry fee exactly once in
		// total. The exit fee defaults to a taker-style fraction of the exit
		// notional.
		proportion := closeQuantity / openQuantity
		entryFeeShare := t.openEntryFee() * proportion
		exitFee := req.ExitPrice * closeQuantity * e.cfg.DefaultExitFeeRate
		if req.Fees != nil {
			exitFee = *req.Fees
		}
		netPnL := grossPnL - entryFeeShare - exitFee

		now := time.Now().UTC()
		holding := now.Sub(t.EntryTime)

		var roi float64
		if entryNotional := entryPrice * closeQuantity; entryNotional > 0 {
			roi = netPnL / entryNotional * 100
		}
		var slippage float64
		if t.Price > 0 {
			slippage = (req.ExitPrice - t.Price) / t.Price
		}
		effectiveSpread := 2 * math.Abs(req.ExitPrice-t.Price)

		remaining := openQuantity - closeQuantity
		if remaining <= closeEpsilon {
			remaining = 0
			t.Status = StatusFilled
			t.ExitTime = &now
		} else {
			t.Status = StatusPartial
		}
		t.RemainingQuantity = remaining
		t.Fees += exitFee
		t.PnL += netPnL

		detail := ClosureDetail{
			ClosedAt:        now,
			Quantity:        closeQuantity,
			ExitPrice:       req.ExitPrice,
			GrossPnL:        grossPnL,
			NetPnL:          netPnL,
			EntryFeeShare:   entryFeeShare,
			ExitFee:         exitFee,
			ROIPercent:      roi,
			HoldingPeriodMs: holding.Milliseconds(),
			Slippage:        slippage,
			EffectiveSpread: effectiveSpread,
		}
		t.Metadata.Closures = append(t.Metadata.Closures, detail)
		if len(req.Metadata) > 0 {
			if t.Metadata.Extra == nil {
				t.Metadata.Extra = make(map[string]any, len(req.Metadata))
			}
			for k, v := range req.Metadata {
				t.Metadata.Extra[k] = v
			}
		}

		if err := e.storage.UpdateTrade(txCtx, tradeToDB(t)); err != nil {
			return err
		}

		result = ClosureResult{
			TradeID:           t.ID,
			Status:            t.Status,
			CloseQuantity:     closeQuantity,
			RemainingQuantity: remaining,
			GrossPnL:          grossPnL,
			NetPnL:            netPnL,
			EntryFeeShare:     entryFeeShare,
			ExitFee:           exitFee,
			ROIPercent:        roi,
			HoldingPeriod:     holding,
			Slippage:          slippage,
			EffectiveSpread:   effectiveSpread,
			ClosedAt:          now,
		}
		return nil
	})
	if err != nil {
		return ClosureResult{}, err
	}

	// Invalidation happens after commit; strict read-after-write callers
	// bypass the cache.
	e.invalidateTrade(strategyID, symbol)

	e.log.WithFields(logrus.Fields{
		"trade":     result.TradeID,
		"status":    result.Status,
		"gross_pnl": result.GrossPnL,
		"net_pnl":   result.NetPnL,
		"remaining": result.RemainingQuantity,
	}).Info("trade closed")

	return result, nil
}

// OpenTrades returns open trades, optionally filtered by strategy and symbol,
// each joined with the latest known price when the quoter has one.
func (e *Engine) OpenTrades(ctx context.Context, strategyID, symbol string) ([]OpenTrade, bool, error) {
	key := fmt.Sprintf("opentrades:%s:%s", strategyID, symbol)
	if cached, ok := e.cacheGet(key); ok {
		if trades, ok := cached.([]OpenTrade); ok {
			return trades, true, nil
		}
	}

	rows, err := e.storage.GetOpenTrades(ctx, strategyID, symbol)
	if err != nil {
		return nil, false, err
	}
	trades := tradesFromDB(rows)

	prices := e.markPrices(ctx, trades)
	out := make([]OpenTrade, len(trades))
	for i, t := range trades {
		ot := OpenTrade{Trade: t}
		if mark, ok := prices[t.Symbol]; ok {
			m := mark
			ot.MarkPrice = &m
			u := unrealizedPnL(t, mark)
			ot.UnrealizedPnL = &u
		}
		out[i] = ot
	}

	e.cacheSet(key, out, e.cfg.OpenTradesTTL)
	return out, false, nil
}

// markPrices fetches the latest close per distinct symbol, best-effort.
func (e *Engine) markPrices(ctx context.Context, trades []Trade) map[string]float64 {
	if e.quoter == nil || len(trades) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var symbols []string
	for _, t := range trades {
		if _, ok := seen[t.Symbol]; !ok {
			seen[t.Symbol] = struct{}{}
			symbols = append(symbols, t.Symbol)
		}
	}
	prices, err := e.quoter.LatestPrices(ctx, symbols, e.cfg.MarkTimeframe)
	if err != nil {
		e.log.WithError(err).Warn("latest price lookup failed, skipping unrealized hints")
		return nil
	}
	return prices
}

func unrealizedPnL(t Trade, mark float64) float64 {
	direction := 1.0
	if !t.Side.IsLong() {
		direction = -1.0
	}
	return (mark - t.EntryPrice()) * t.RemainingQuantity * direction
}

// PositionSummary aggregates all open trades for a symbol into one net
// position. Returns nil when no open trades exist. The caller supplies the
// mark price; there is no live feed coupling here. Mark-free summaries are
// cached briefly; a caller-supplied mark varies per call, so those are
// always computed fresh.
func (e *Engine) PositionSummary(ctx context.Context, symbol, strategyID string, markPrice *float64) (*PositionSummary, bool, error) {
	if symbol == "" {
		return nil, false, apperr.NewValidation("symbol", "symbol cannot be empty")
	}

	key := fmt.Sprintf("position:%s:%s", symbol, strategyID)
	if markPrice == nil {
		if cached, ok := e.cacheGet(key); ok {
			if summary, ok := cached.(*PositionSummary); ok {
				return summary, true, nil
			}
		}
	}

	rows, err := e.storage.GetOpenTrades(ctx, strategyID, symbol)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	trades := tradesFromDB(rows)

	summary := &PositionSummary{Symbol: symbol, StrategyID: strategyID, OpenTrades: len(trades)}

	var weightedEntry, totalQuantity float64
	for _, t := range trades {
		qty := t.RemainingQuantity
		if t.Side.IsLong() {
			summary.NetQuantity += qty
		} else {
			summary.NetQuantity -= qty
		}
		weightedEntry += t.EntryPrice() * qty
		totalQuantity += qty
		summary.RealizedPnL += t.PnL
	}
	if totalQuantity > 0 {
		summary.AvgEntryPrice = weightedEntry / totalQuantity
	}

	switch {
	case summary.NetQuantity > closeEpsilon:
		summary.Side = "long"
	case summary.NetQuantity < -closeEpsilon:
		summary.Side = "short"
	default:
		summary.Side = "neutral"
	}

	refPrice := summary.AvgEntryPrice
	if markPrice != nil {
		refPrice = *markPrice

		var unrealized float64
		for _, t := range trades {
			unrealized += unrealizedPnL(t, *markPrice)
		}
		summary.UnrealizedPnL = &unrealized
		if notional := summary.AvgEntryPrice * totalQuantity; notional > 0 {
			pct := unrealized / notional * 100
			summary.UnrealizedPnLPercent = &pct
		}
	}

	summary.Exposure = math.Abs(summary.NetQuantity) * refPrice
	summary.ValueAtRisk = summary.Exposure * e.cfg.VaRRate
	summary.MaxLoss = summary.Exposure
	summary.MarginUsed = summary.Exposure / e.cfg.Leverage

	if markPrice == nil {
		e.cacheSet(key, summary, e.cfg.OpenTradesTTL)
	}

	return summary, false, nil
}

// PortfolioMetrics computes the full derived view over a strategy's trades.
func (e *Engine) PortfolioMetrics(ctx context.Context, strategyID string) (PortfolioMetrics, bool, error) {
	if strategyID == "" {
		return PortfolioMetrics{}, false, apperr.NewValidation("strategy_id", "strategy id cannot be empty")
	}

	key := "portfolio:" + strategyID
	if cached, ok := e.cacheGet(key); ok {
		if metrics, ok := cached.(PortfolioMetrics); ok {
			return metrics, true, nil
		}
	}

	rows, err := e.storage.GetTradesByStrategy(ctx, strategyID)
	if err != nil {
		return PortfolioMetrics{}, false, err
	}
	trades := tradesFromDB(rows)

	metrics := PortfolioMetrics{StrategyID: strategyID, TotalTrades: len(trades)}

	var closed []Trade
	var openTrades []Trade
	for _, t := range trades {
		metrics.TotalVolume += t.ExecutedQuantity * t.EntryPrice()
		metrics.TotalFees += t.Fees
		metrics.RealizedPnL += t.PnL
		if t.IsOpen() {
			metrics.OpenTrades++
			openTrades = append(openTrades, t)
		}
		if t.ExitTime != nil {
			closed = append(closed, t)
		}
	}
	metrics.ClosedTrades = len(closed)

	prices := e.markPrices(ctx, openTrades)
	for _, t := range openTrades {
		if mark, ok := prices[t.Symbol]; ok {
			metrics.UnrealizedPnL += unrealizedPnL(t, mark)
		}
	}
	metrics.TotalPnL = metrics.RealizedPnL + metrics.UnrealizedPnL

	// Closed-trade statistics walk exits in chronological order.
	sort.Slice(closed, func(i, j int) bool { return closed[i].ExitTime.Before(*closed[j].ExitTime) })

	pnls := make([]float64, len(closed))
	var durations []time.Duration
	for i, t := range closed {
		pnls[i] = t.PnL
		switch {
		case t.PnL > 0:
			metrics.Wins++
			metrics.AverageWin += t.PnL
			if t.PnL > metrics.LargestWin {
				metrics.LargestWin = t.PnL
			}
		case t.PnL < 0:
			metrics.Losses++
			metrics.AverageLoss += t.PnL
			if t.PnL < metrics.LargestLoss {
				metrics.LargestLoss = t.PnL
			}
		}
		durations = append(durations, t.ExitTime.Sub(t.EntryTime))
	}
	if metrics.Wins > 0 {
		metrics.AverageWin /= float64(metrics.Wins)
	}
	if metrics.Losses > 0 {
		metrics.AverageLoss /= float64(metrics.Losses)
	}
	if len(closed) > 0 {
		metrics.WinRate = float64(metrics.Wins) / float64(len(closed))
	}

	if len(durations) > 0 {
		var total time.Duration
		metrics.MinTradeDuration = durations[0]
		for _, d := range durations {
			total += d
			if d < metrics.MinTradeDuration {
				metrics.MinTradeDuration = d
			}
			if d > metrics.MaxTradeDuration {
				metrics.MaxTradeDuration = d
			}
		}
		metrics.AvgTradeDuration = total / time.Duration(len(durations))
	}

	metrics.MaxDrawdown, metrics.CurrentDrawdown = MaxDrawdown(pnls)
	metrics.MaxConsecutiveWins, metrics.MaxConsecutiveLosses = Streaks(pnls)
	metrics.SharpeRatio = SharpeRatio(pnls)
	metrics.SortinoRatio = SortinoRatio(pnls)

	e.cacheSet(key, metrics, e.cfg.AnalyticsTTL)
	return metrics, false, nil
}

// TradeHistory pages through trades matching the filter and returns summary
// statistics of the returned page alongside the total filtered count.
func (e *Engine) TradeHistory(ctx context.Context, filter HistoryFilter, page Pagination) (HistoryPage, error) {
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	rows, total, err := e.storage.SearchTrades(ctx, filterToDB(filter), page.Limit, page.Offset)
	if err != nil {
		return HistoryPage{}, err
	}
	trades := tradesFromDB(rows)

	return HistoryPage{Trades: trades, Total: total, Stats: pageStats(trades)}, nil
}

func pageStats(trades []Trade) PageStats {
	stats := PageStats{Count: len(trades)}
	for _, t := range trades {
		stats.TotalPnL += t.PnL
		stats.TotalFees += t.Fees
		stats.TotalVolume += t.ExecutedQuantity * t.EntryPrice()
		switch {
		case t.PnL > 0:
			stats.Wins++
		case t.PnL < 0:
			stats.Losses++
		}
	}
	if decided := stats.Wins + stats.Losses; decided > 0 {
		stats.WinRate = float64(stats.Wins) / float64(decided)
	}
	if stats.Count > 0 {
		stats.AveragePnL = stats.TotalPnL / float64(stats.Count)
	}
	return stats
}

func filterToDB(f HistoryFilter) db.TradeFilter {
	sides := make([]string, len(f.Sides))
	for i, s := range f.Sides {
		sides[i] = string(s)
	}
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	return db.TradeFilter{
		StrategyID:  f.StrategyID,
		Symbol:      f.Symbol,
		Sides:       sides,
		Statuses:    statuses,
		MinPnL:      f.MinPnL,
		MaxPnL:      f.MaxPnL,
		MinQuantity: f.MinQuantity,
		MaxQuantity: f.MaxQuantity,
		MinPrice:    f.MinPrice,
		MaxPrice:    f.MaxPrice,
		Open:        f.Open,
		EntryAfter:  f.EntryAfter,
		EntryBefore: f.EntryBefore,
	}
}

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

func (e *Engine) invalidateTrade(strategyID, symbol string) {
	patterns := []string{
		"opentrades:*",
		fmt.Sprintf("position:%s:*", symbol),
		fmt.Sprintf("portfolio:%s*", strategyID),
	}
	if _, err := e.cache.Invalidate(patterns...); err != nil {
		e.log.WithFields(logrus.Fields{
			"strategy": strategyID,
			"symbol":   symbol,
		}).WithError(err).Warn("cache invalidation failed")
	}
}
