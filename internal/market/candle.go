// Package market owns candle ingestion, range/point retrieval, time-bucket
// aggregation, gap detection, data-quality scoring and retention compression.
package market

import (
	"time"

	"quantledger/internal/apperr"
	"quantledger/internal/tfutils"
)

// Candle is one OHLCV market data point. The tuple (Time, Symbol, Timeframe)
// identifies it; timestamps carry millisecond precision.
type Candle struct {
	Time        time.Time      `json:"time"`
	Symbol      string         `json:"symbol"`
	Exchange    string         `json:"exchange"`
	Open        float64        `json:"open"`
	High        float64        `json:"high"`
	Low         float64        `json:"low"`
	Close       float64        `json:"close"`
	Volume      float64        `json:"volume"`
	QuoteVolume *float64       `json:"quote_volume,omitempty"`
	TradesCount int            `json:"trades_count"`
	Timeframe   string         `json:"timeframe"`
	RawData     map[string]any `json:"raw_data,omitempty"`
}

// Validate checks the OHLCV invariants and timeframe membership.
func (c *Candle) Validate() error {
	if c.Time.IsZero() {
		return apperr.NewValidation("time", "candle timestamp is zero")
	}
	if c.Symbol == "" {
		return apperr.NewValidation("symbol", "candle symbol cannot be empty")
	}
	if !tfutils.IsValidTimeframe(c.Timeframe) {
		return apperr.NewValidation("timeframe", "unsupported timeframe "+c.Timeframe)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return apperr.NewValidation("price", "candle prices must be positive")
	}
	if c.High < c.Open || c.High < c.Close {
		return apperr.NewValidation("high", "candle high cannot be less than open or close")
	}
	if c.Low > c.Open || c.Low > c.Close {
		return apperr.NewValidation("low", "candle low cannot be greater than open or close")
	}
	if c.Volume < 0 {
		return apperr.NewValidation("volume", "candle volume cannot be negative")
	}
	if c.TradesCount < 0 {
		return apperr.NewValidation("trades_count", "candle trades count cannot be negative")
	}
	return nil
}
