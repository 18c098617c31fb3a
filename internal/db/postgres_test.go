package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantledger/internal/apperr"
	"quantledger/internal/db/conf"
)

func setupPostgres(t *testing.T) (*Postgres, func()) {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)
	pg, err := New(*cfg)
	require.NoError(t, err)
	return pg, cleanup
}

func makeCandle(ts time.Time, symbol string, close float64) Candle {
	return Candle{
		Time:      ts,
		Symbol:    symbol,
		Exchange:  "binance",
		Open:      100,
		High:      110,
		Low:       95,
		Close:     close,
		Volume:    10,
		Timeframe: "1m",
	}
}

func TestPostgresSaveCandle(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Insert then upsert", func(t *testing.T) {
		qv := 1050.0
		c := makeCandle(ts, "BTCUSDT", 105)
		c.QuoteVolume = &qv

		saved, err := pg.SaveCandle(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 105.0, saved.Close)
		require.NotNil(t, saved.QuoteVolume)

		// Re-save without quote volume, the stored value must survive.
		c.Close = 106
		c.QuoteVolume = nil
		saved, err = pg.SaveCandle(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 106.0, saved.Close)
		require.NotNil(t, saved.QuoteVolume, "absent quote volume keeps the stored value")
		assert.Equal(t, qv, *saved.QuoteVolume)

		candles, err := pg.GetCandleRange(ctx, "BTCUSDT", "1m", ts, ts, 0)
		require.NoError(t, err)
		assert.Len(t, candles, 1, "upsert must not duplicate the identity tuple")
	})
}

func TestPostgresBulkSaveCandles(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	batch := func(n int, close float64) []Candle {
		out := make([]Candle, n)
		for i := range out {
			out[i] = makeCandle(base.Add(time.Duration(i)*time.Minute), "BTCUSDT", close)
		}
		return out
	}

	t.Run("Update policy counts inserted and updated", func(t *testing.T) {
		res, err := pg.BulkSaveCandles(ctx, batch(10, 105), BulkOptions{ChunkSize: 4})
		require.NoError(t, err)
		assert.Equal(t, 10, res.Inserted)
		assert.Equal(t, 0, res.Updated)

		res, err = pg.BulkSaveCandles(ctx, batch(10, 107), BulkOptions{ChunkSize: 4})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 10, res.Updated)

		candles, err := pg.GetCandleRange(ctx, "BTCUSDT", "1m", base, base.Add(time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, candles, 10)
		assert.Equal(t, 107.0, candles[0].Close)
	})

	t.Run("Ignore policy leaves stored rows untouched", func(t *testing.T) {
		res, err := pg.BulkSaveCandles(ctx, batch(12, 109), BulkOptions{Policy: ConflictIgnore})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Inserted, "only the two new tuples insert")
		assert.Equal(t, 0, res.Updated)
		assert.Equal(t, 10, res.Ignored, "conflicting tuples are counted, not lost")

		candles, err := pg.GetCandleRange(ctx, "BTCUSDT", "1m", base, base, 0)
		require.NoError(t, err)
		require.Len(t, candles, 1)
		assert.Equal(t, 107.0, candles[0].Close)
	})

	t.Run("Error policy fails conflicting chunks and keeps the rest", func(t *testing.T) {
		fresh := []Candle{
			makeCandle(base.Add(-time.Minute), "BTCUSDT", 104), // new tuple
			makeCandle(base, "BTCUSDT", 111),                   // conflicts
		}
		res, err := pg.BulkSaveCandles(ctx, fresh, BulkOptions{ChunkSize: 1, Policy: ConflictError})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)
		assert.Equal(t, 1, res.Failed)
		require.Len(t, res.ChunkErrors, 1)

		var ce *apperr.ConflictError
		assert.ErrorAs(t, res.ChunkErrors[0], &ce)

		candles, err := pg.GetCandleRange(ctx, "BTCUSDT", "1m", base, base, 0)
		require.NoError(t, err)
		require.Len(t, candles, 1)
		assert.Equal(t, 107.0, candles[0].Close, "conflicting chunk must not overwrite")
	})
}

func TestPostgresGetLatestCandles(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := pg.SaveCandle(ctx, makeCandle(base.Add(time.Duration(i)*time.Minute), "BTCUSDT", 100+float64(i)))
		require.NoError(t, err)
	}
	_, err := pg.SaveCandle(ctx, makeCandle(base, "ETHUSDT", 50))
	require.NoError(t, err)

	candles, err := pg.GetLatestCandles(ctx, []string{"BTCUSDT", "ETHUSDT"}, "1m")
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Equal(t, 102.0, candles[0].Close, "most recent candle wins")
	assert.Equal(t, "ETHUSDT", candles[1].Symbol)
}

func TestPostgresQualityStats(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := pg.SaveCandle(ctx, makeCandle(base.Add(time.Duration(i)*time.Minute), "BTCUSDT", 105))
		require.NoError(t, err)
	}
	anomalous := makeCandle(base.Add(3*time.Minute), "BTCUSDT", 105)
	anomalous.High = 99 // below open and close
	anomalous.Volume = 0
	_, err := pg.SaveCandle(ctx, anomalous)
	require.NoError(t, err)

	stats, err := pg.GetCandleQualityStats(ctx, QualityFilter{Symbol: "BTCUSDT", Timeframe: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.PriceAnomalies)
	assert.Equal(t, 1, stats.VolumeAnomalies)
	assert.Equal(t, 0, stats.Duplicates)
	require.NotNil(t, stats.MinTime)
	require.NotNil(t, stats.MaxTime)
	assert.True(t, stats.MinTime.Equal(base))
}

func TestPostgresTrades(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	entry := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	newTrade := func(id, strategy, symbol string) Trade {
		return Trade{
			ID:                id,
			StrategyID:        strategy,
			Symbol:            symbol,
			Side:              "long",
			Type:              "market",
			Status:            "filled",
			Quantity:          2,
			Price:             100,
			ExecutedPrice:     100,
			ExecutedQuantity:  2,
			RemainingQuantity: 2,
			EntryTime:         entry,
			Metadata:          []byte(`{}`),
		}
	}

	t.Run("Insert and duplicate id", func(t *testing.T) {
		saved, err := pg.SaveTrade(ctx, newTrade("t1", "s1", "BTCUSDT"))
		require.NoError(t, err)
		assert.Equal(t, "t1", saved.ID)
		assert.Nil(t, saved.ExitTime)

		_, err = pg.SaveTrade(ctx, newTrade("t1", "s1", "BTCUSDT"))
		var ce *apperr.ConflictError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("Lock, update and close", func(t *testing.T) {
		err := pg.Transaction(ctx, func(txCtx context.Context) error {
			row, err := pg.GetTradeForUpdate(txCtx, "t1")
			if err != nil {
				return err
			}
			require.NotNil(t, row)

			now := time.Now().UTC()
			row.Status = "filled"
			row.RemainingQuantity = 0
			row.PnL = 20
			row.ExitTime = &now
			return pg.UpdateTrade(txCtx, *row)
		})
		require.NoError(t, err)

		open, err := pg.GetOpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		assert.Empty(t, open, "closed trade leaves the open set")
	})

	t.Run("Update of missing trade", func(t *testing.T) {
		err := pg.UpdateTrade(ctx, newTrade("missing", "s1", "BTCUSDT"))
		var nf *apperr.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("Open trade filters", func(t *testing.T) {
		_, err := pg.SaveTrade(ctx, newTrade("t2", "s1", "ETHUSDT"))
		require.NoError(t, err)
		_, err = pg.SaveTrade(ctx, newTrade("t3", "s2", "BTCUSDT"))
		require.NoError(t, err)

		open, err := pg.GetOpenTrades(ctx, "s1", "")
		require.NoError(t, err)
		assert.Len(t, open, 1)

		open, err = pg.GetOpenTrades(ctx, "", "BTCUSDT")
		require.NoError(t, err)
		assert.Len(t, open, 1)
		assert.Equal(t, "t3", open[0].ID)
	})

	t.Run("Search with filters and paging", func(t *testing.T) {
		minPnL := 1.0
		trades, total, err := pg.SearchTrades(ctx, TradeFilter{MinPnL: &minPnL}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, trades, 1)
		assert.Equal(t, "t1", trades[0].ID)

		open := true
		trades, total, err = pg.SearchTrades(ctx, TradeFilter{Open: &open}, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, trades, 1, "page is bounded by limit")

		trades, total, err = pg.SearchTrades(ctx, TradeFilter{Statuses: []string{"filled"}}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, trades, 3)
	})
}

func TestPostgresTransactionRollback(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	sentinel := errors.New("abort")
	err := pg.Transaction(ctx, func(txCtx context.Context) error {
		if _, err := pg.SaveCandle(txCtx, makeCandle(ts, "BTCUSDT", 105)); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	candles, err := pg.GetCandleRange(ctx, "BTCUSDT", "1m", ts, ts, 0)
	require.NoError(t, err)
	assert.Empty(t, candles, "rolled-back write must not persist")
}
