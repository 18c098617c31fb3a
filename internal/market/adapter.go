// Package market adapter
package market

import (
	"encoding/json"

	"quantledger/internal/db"
)

func CandleToDBCandle(c Candle) db.Candle {
	var raw []byte
	if c.RawData != nil {
		raw, _ = json.Marshal(c.RawData)
	}
	return db.Candle{
		Time:        c.Time,
		Symbol:      c.Symbol,
		Exchange:    c.Exchange,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		TradesCount: c.TradesCount,
		Timeframe:   c.Timeframe,
		RawData:     raw,
	}
}

func DBCandleToCandle(dbCandle db.Candle) Candle {
	var raw map[string]any
	if len(dbCandle.RawData) > 0 {
		json.Unmarshal(dbCandle.RawData, &raw)
	}
	return Candle{
		Time:        dbCandle.Time,
		Symbol:      dbCandle.Symbol,
		Exchange:    dbCandle.Exchange,
		Open:        dbCandle.Open,
		High:        dbCandle.High,
		Low:         dbCandle.Low,
		Close:       dbCandle.Close,
		Volume:      dbCandle.Volume,
		QuoteVolume: dbCandle.QuoteVolume,
		TradesCount: dbCandle.TradesCount,
		Timeframe:   dbCandle.Timeframe,
		RawData:     raw,
	}
}

func DBCandlesToCandles(dbCandles []db.Candle) []Candle {
	candles := make([]Candle, len(dbCandles))
	for i, dbCandle := range dbCandles {
		candles[i] = DBCandleToCandle(dbCandle)
	}
	return candles
}

func CandlesToDBCandles(candles []Candle) []db.Candle {
	dbCandles := make([]db.Candle, len(candles))
	for i, c := range candles {
		dbCandles[i] = CandleToDBCandle(c)
	}
	return dbCandles
}
