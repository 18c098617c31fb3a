package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantledger/internal/apperr"
	"quantledger/internal/cache"
	"quantledger/internal/db"
	"quantledger/internal/logging"
)

// stubQuoter serves fixed mark prices.
type stubQuoter struct {
	prices map[string]float64
}

func (s *stubQuoter) LatestPrices(ctx context.Context, symbols []string, timeframe string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func newTestLedger(quoter Quoter) (*Engine, *db.MemoryStorage) {
	storage := db.NewMemory()
	engine := NewEngine(storage, cache.NewMemory(), quoter, logging.NewNop(), Config{})
	return engine, storage
}

func openTrade(strategyID, symbol string, side Side, price float64, quantity float64) Trade {
	return Trade{
		StrategyID:        strategyID,
		Symbol:            symbol,
		Side:              side,
		Status:            StatusFilled,
		Quantity:          quantity,
		Price:             price,
		ExecutedPrice:     price,
		ExecutedQuantity:  quantity,
		RemainingQuantity: quantity,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestRecordTrade(t *testing.T) {
	ctx := context.Background()

	t.Run("Defaults filled in", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, Trade{
			StrategyID: "s1",
			Symbol:     "BTCUSDT",
			Side:       SideLong,
			Quantity:   1,
			Price:      100,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID, "missing id gets generated")
		assert.Equal(t, StatusPending, saved.Status)
		assert.False(t, saved.EntryTime.IsZero())
	})

	t.Run("Remaining defaults to executed", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, Trade{
			StrategyID:       "s1",
			Symbol:           "BTCUSDT",
			Side:             SideLong,
			Status:           StatusFilled,
			Quantity:         2,
			Price:            100,
			ExecutedPrice:    100,
			ExecutedQuantity: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 2.0, saved.RemainingQuantity)
	})

	t.Run("Missing strategy rejected", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		_, err := engine.RecordTrade(ctx, Trade{Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, Price: 100})
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "strategy_id", ve.Field)
	})

	t.Run("Duplicate id rejected", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 1)
		trade.ID = "fixed"
		_, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		_, err = engine.RecordTrade(ctx, trade)
		var ce *apperr.ConflictError
		assert.ErrorAs(t, err, &ce)
	})
}

func TestCloseTrade(t *testing.T) {
	ctx := context.Background()

	t.Run("Full close of a long", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 2))
		require.NoError(t, err)

		res, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:   saved.ID,
			ExitPrice: 110,
			Fees:      floatPtr(0),
		})
		require.NoError(t, err)

		assert.Equal(t, StatusFilled, res.Status)
		assert.InDelta(t, 20.0, res.GrossPnL, 1e-9) // (110-100) * 2
		assert.InDelta(t, 20.0, res.NetPnL, 1e-9)
		assert.InDelta(t, 10.0, res.ROIPercent, 1e-9)
		assert.Zero(t, res.RemainingQuantity)
		assert.InDelta(t, 0.1, res.Slippage, 1e-9) // (110-100)/100
	})

	t.Run("Full close of a short", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideShort, 100, 1))
		require.NoError(t, err)

		res, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:   saved.ID,
			ExitPrice: 95,
			Fees:      floatPtr(0),
		})
		require.NoError(t, err)
		assert.InDelta(t, 5.0, res.GrossPnL, 1e-9, "short profits when price falls")
	})

	t.Run("Partial close keeps the trade open", func(t *testing.T) {
		engine, storage := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 4))
		require.NoError(t, err)

		res, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:      saved.ID,
			ExitPrice:    110,
			ExitQuantity: floatPtr(2),
			Fees:         floatPtr(0),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, res.Status)
		assert.InDelta(t, 2.0, res.RemainingQuantity, 1e-9)
		assert.InDelta(t, 20.0, res.GrossPnL, 1e-9)

		row, err := storage.GetTradeForUpdate(ctx, saved.ID)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Nil(t, row.ExitTime, "partially closed trade keeps no exit time")
		assert.InDelta(t, 2.0, row.RemainingQuantity, 1e-9)

		// Second close for the remainder finishes the trade.
		res, err = engine.CloseTrade(ctx, CloseRequest{
			TradeID:   saved.ID,
			ExitPrice: 120,
			Fees:      floatPtr(0),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, res.Status)
		assert.InDelta(t, 40.0, res.GrossPnL, 1e-9)

		row, err = storage.GetTradeForUpdate(ctx, saved.ID)
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.NotNil(t, row.ExitTime)

		final := tradeFromDB(*row)
		assert.Len(t, final.Metadata.Closures, 2, "each closure appends a detail record")
		assert.InDelta(t, 60.0, final.PnL, 1e-9)
	})

	t.Run("Entry fees prorate by closed share", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 4)
		trade.Fees = 4
		saved, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		res, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:      saved.ID,
			ExitPrice:    110,
			ExitQuantity: floatPtr(2),
			Fees:         floatPtr(0),
		})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, res.EntryFeeShare, 1e-9, "half the open quantity carries half the entry fees")
		assert.InDelta(t, 18.0, res.NetPnL, 1e-9)
	})

	t.Run("Entry fee consumed once across successive closes", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 4)
		trade.Fees = 4
		saved, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		first, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:      saved.ID,
			ExitPrice:    110,
			ExitQuantity: floatPtr(2),
			Fees:         floatPtr(0),
		})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, first.EntryFeeShare, 1e-9)

		second, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:   saved.ID,
			ExitPrice: 110,
			Fees:      floatPtr(0),
		})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, second.EntryFeeShare, 1e-9,
			"the remainder carries only the unconsumed half of the entry fee")
		assert.InDelta(t, 4.0, first.EntryFeeShare+second.EntryFeeShare, 1e-9)
	})

	t.Run("Accumulated exit fees never re-prorate as entry fees", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 4)
		trade.Fees = 4
		saved, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		// Default exit fees accumulate on the fees column between closes.
		first, err := engine.CloseTrade(ctx, CloseRequest{
			TradeID:      saved.ID,
			ExitPrice:    110,
			ExitQuantity: floatPtr(2),
		})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, first.EntryFeeShare, 1e-9)
		assert.InDelta(t, 0.22, first.ExitFee, 1e-9)

		second, err := engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 110})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, second.EntryFeeShare, 1e-9)
	})

	t.Run("Default exit fee from exit notional", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 2))
		require.NoError(t, err)

		res, err := engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 110})
		require.NoError(t, err)
		assert.InDelta(t, 0.22, res.ExitFee, 1e-9) // 110 * 2 * 0.001
		assert.InDelta(t, 19.78, res.NetPnL, 1e-9)
	})

	t.Run("Unknown trade", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		_, err := engine.CloseTrade(ctx, CloseRequest{TradeID: "missing", ExitPrice: 100})
		var nf *apperr.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("Cancelled trade cannot close", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 1)
		trade.Status = StatusCancelled
		saved, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 100})
		var ve *apperr.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("Close quantity above open rejected", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 1))
		require.NoError(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{
			TradeID:      saved.ID,
			ExitPrice:    100,
			ExitQuantity: floatPtr(2),
		})
		var ve *apperr.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("Already closed trade rejected", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 1))
		require.NoError(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 110})
		require.NoError(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 120})
		var ve *apperr.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("Invalid request fields", func(t *testing.T) {
		engine, _ := newTestLedger(nil)

		_, err := engine.CloseTrade(ctx, CloseRequest{ExitPrice: 100})
		assert.Error(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: "x", ExitPrice: 0})
		assert.Error(t, err)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: "x", ExitPrice: 100, Fees: floatPtr(-1)})
		assert.Error(t, err)
	})
}

func TestOpenTrades(t *testing.T) {
	ctx := context.Background()
	quoter := &stubQuoter{prices: map[string]float64{"BTCUSDT": 110}}
	engine, _ := newTestLedger(quoter)

	_, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 2))
	require.NoError(t, err)
	_, err = engine.RecordTrade(ctx, openTrade("s2", "ETHUSDT", SideShort, 50, 1))
	require.NoError(t, err)

	t.Run("Unrealized hint from mark price", func(t *testing.T) {
		trades, hit, err := engine.OpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		assert.False(t, hit)
		require.Len(t, trades, 1)
		require.NotNil(t, trades[0].MarkPrice)
		assert.Equal(t, 110.0, *trades[0].MarkPrice)
		require.NotNil(t, trades[0].UnrealizedPnL)
		assert.InDelta(t, 20.0, *trades[0].UnrealizedPnL, 1e-9)
	})

	t.Run("No mark price leaves hint empty", func(t *testing.T) {
		trades, _, err := engine.OpenTrades(ctx, "s2", "")
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Nil(t, trades[0].MarkPrice)
		assert.Nil(t, trades[0].UnrealizedPnL)
	})

	t.Run("Second call hits the cache", func(t *testing.T) {
		_, hit, err := engine.OpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("Closing invalidates the cached view", func(t *testing.T) {
		trades, _, err := engine.OpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		require.Len(t, trades, 1)

		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: trades[0].ID, ExitPrice: 110, Fees: floatPtr(0)})
		require.NoError(t, err)

		trades, hit, err := engine.OpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Empty(t, trades)
	})
}

func TestPositionSummary(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestLedger(nil)

	_, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 2))
	require.NoError(t, err)
	_, err = engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 110, 2))
	require.NoError(t, err)

	t.Run("Net long position", func(t *testing.T) {
		summary, hit, err := engine.PositionSummary(ctx, "BTCUSDT", "s1", floatPtr(120))
		require.NoError(t, err)
		assert.False(t, hit)
		require.NotNil(t, summary)

		assert.Equal(t, 4.0, summary.NetQuantity)
		assert.InDelta(t, 105.0, summary.AvgEntryPrice, 1e-9)
		assert.Equal(t, "long", summary.Side)
		assert.Equal(t, 2, summary.OpenTrades)

		require.NotNil(t, summary.UnrealizedPnL)
		assert.InDelta(t, 60.0, *summary.UnrealizedPnL, 1e-9) // 40 + 20

		assert.InDelta(t, 480.0, summary.Exposure, 1e-9) // 4 * 120
		assert.InDelta(t, 24.0, summary.ValueAtRisk, 1e-9)
		assert.InDelta(t, 48.0, summary.MarginUsed, 1e-9)
	})

	t.Run("Opposing short flattens the net quantity", func(t *testing.T) {
		_, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideShort, 120, 4))
		require.NoError(t, err)

		summary, _, err := engine.PositionSummary(ctx, "BTCUSDT", "s1", nil)
		require.NoError(t, err)
		require.NotNil(t, summary)
		assert.InDelta(t, 0.0, summary.NetQuantity, 1e-9)
		assert.Equal(t, "neutral", summary.Side)
		assert.Nil(t, summary.UnrealizedPnL, "no mark price, no unrealized hint")
	})

	t.Run("Mark-free summary is cached until a trade changes", func(t *testing.T) {
		summary, hit, err := engine.PositionSummary(ctx, "BTCUSDT", "s1", nil)
		require.NoError(t, err)
		assert.True(t, hit, "previous subtest warmed the cache")
		require.NotNil(t, summary)

		// Supplying a mark bypasses the cached copy.
		_, hit, err = engine.PositionSummary(ctx, "BTCUSDT", "s1", floatPtr(120))
		require.NoError(t, err)
		assert.False(t, hit)

		saved, err := engine.RecordTrade(ctx, openTrade("s1", "BTCUSDT", SideLong, 100, 1))
		require.NoError(t, err)
		_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 110, Fees: floatPtr(0)})
		require.NoError(t, err)

		_, hit, err = engine.PositionSummary(ctx, "BTCUSDT", "s1", nil)
		require.NoError(t, err)
		assert.False(t, hit, "closing invalidates the cached summary")
	})

	t.Run("No open trades", func(t *testing.T) {
		summary, _, err := engine.PositionSummary(ctx, "DOGEUSDT", "s1", nil)
		require.NoError(t, err)
		assert.Nil(t, summary)
	})

	t.Run("Missing symbol rejected", func(t *testing.T) {
		_, _, err := engine.PositionSummary(ctx, "", "s1", nil)
		assert.Error(t, err)
	})
}

func TestPortfolioMetrics(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestLedger(nil)

	closeAt := func(id string, price float64) {
		t.Helper()
		_, err := engine.CloseTrade(ctx, CloseRequest{TradeID: id, ExitPrice: price, Fees: floatPtr(0)})
		require.NoError(t, err)
	}

	// Two winners and a loser, plus one trade left open.
	for i, exit := range []float64{110, 120, 90} {
		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 1)
		trade.ID = []string{"w1", "w2", "l1"}[i]
		_, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)
		closeAt(trade.ID, exit)
	}
	_, err := engine.RecordTrade(ctx, openTrade("s1", "ETHUSDT", SideLong, 50, 2))
	require.NoError(t, err)

	metrics, hit, err := engine.PortfolioMetrics(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, hit)

	assert.Equal(t, 4, metrics.TotalTrades)
	assert.Equal(t, 3, metrics.ClosedTrades)
	assert.Equal(t, 1, metrics.OpenTrades)
	assert.Equal(t, 2, metrics.Wins)
	assert.Equal(t, 1, metrics.Losses)
	assert.InDelta(t, 2.0/3.0, metrics.WinRate, 1e-9)
	assert.InDelta(t, 20.0, metrics.RealizedPnL, 1e-9) // 10 + 20 - 10
	assert.InDelta(t, 20.0, metrics.LargestWin, 1e-9)
	assert.InDelta(t, -10.0, metrics.LargestLoss, 1e-9)
	assert.InDelta(t, 15.0, metrics.AverageWin, 1e-9)
	assert.InDelta(t, -10.0, metrics.AverageLoss, 1e-9)
	assert.Equal(t, 2, metrics.MaxConsecutiveWins)
	assert.Equal(t, 1, metrics.MaxConsecutiveLosses)
	assert.InDelta(t, 10.0, metrics.MaxDrawdown, 1e-9)
	assert.InDelta(t, 10.0, metrics.CurrentDrawdown, 1e-9)

	t.Run("Second call hits the cache", func(t *testing.T) {
		_, hit, err := engine.PortfolioMetrics(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("Missing strategy rejected", func(t *testing.T) {
		_, _, err := engine.PortfolioMetrics(ctx, "")
		assert.Error(t, err)
	})
}

func TestTradeHistory(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestLedger(nil)

	for i := 0; i < 5; i++ {
		trade := openTrade("s1", "BTCUSDT", SideLong, 100, 1)
		trade.EntryTime = time.Date(2024, 5, 1, i, 0, 0, 0, time.UTC)
		saved, err := engine.RecordTrade(ctx, trade)
		require.NoError(t, err)

		if i < 3 {
			_, err = engine.CloseTrade(ctx, CloseRequest{TradeID: saved.ID, ExitPrice: 110, Fees: floatPtr(0)})
			require.NoError(t, err)
		}
	}

	t.Run("Pagination with total", func(t *testing.T) {
		page, err := engine.TradeHistory(ctx, HistoryFilter{StrategyID: "s1"}, Pagination{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page.Trades, 2)
		assert.Equal(t, 5, page.Total)

		page, err = engine.TradeHistory(ctx, HistoryFilter{StrategyID: "s1"}, Pagination{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Len(t, page.Trades, 1)
		assert.Equal(t, 5, page.Total)
	})

	t.Run("Open filter", func(t *testing.T) {
		page, err := engine.TradeHistory(ctx, HistoryFilter{StrategyID: "s1", Open: floatBool(true)}, Pagination{})
		require.NoError(t, err)
		assert.Len(t, page.Trades, 2)
	})

	t.Run("PnL range filter", func(t *testing.T) {
		page, err := engine.TradeHistory(ctx, HistoryFilter{StrategyID: "s1", MinPnL: floatPtr(1)}, Pagination{})
		require.NoError(t, err)
		assert.Len(t, page.Trades, 3)
	})

	t.Run("Page statistics", func(t *testing.T) {
		page, err := engine.TradeHistory(ctx, HistoryFilter{StrategyID: "s1"}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Stats.Count)
		assert.InDelta(t, 30.0, page.Stats.TotalPnL, 1e-9)
		assert.Equal(t, 3, page.Stats.Wins)
		assert.Equal(t, 0, page.Stats.Losses)
		assert.InDelta(t, 1.0, page.Stats.WinRate, 1e-9)
		assert.InDelta(t, 6.0, page.Stats.AveragePnL, 1e-9)
	})

	t.Run("No matches", func(t *testing.T) {
		page, err := engine.TradeHistory(ctx, HistoryFilter{StrategyID: "nope"}, Pagination{})
		require.NoError(t, err)
		assert.Empty(t, page.Trades)
		assert.Zero(t, page.Total)
	})
}

func floatBool(v bool) *bool { return &v }
