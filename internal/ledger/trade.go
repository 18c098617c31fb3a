// Package ledger owns the trade lifecycle (open, partial, closed), P&L
// accounting on closure, position aggregation across open trades and the
// derived portfolio analytics.
package ledger

import (
	"encoding/json"
	"time"

	"quantledger/internal/apperr"
	"quantledger/internal/db"
)

// Side of a trade. Buy and long are synonymous, as are sell and short.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// IsLong reports whether the side profits from rising prices.
func (s Side) IsLong() bool {
	return s == SideBuy || s == SideLong
}

func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideLong, SideShort:
		return true
	}
	return false
}

// Status of a trade. pending -> {filled, partial, cancelled, rejected};
// partial -> filled as the remaining quantity closes. cancelled and rejected
// are terminal for new closures.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further closure may touch the trade.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRejected
}

// ClosureDetail is the append-only record of one close or partial close.
// Kept structured rather than as a free-form map so the P&L breakdown stays
// auditable.
type ClosureDetail struct {
	ClosedAt        time.Time `json:"closed_at"`
	Quantity        float64   `json:"quantity"`
	ExitPrice       float64   `json:"exit_price"`
	GrossPnL        float64   `json:"gross_pnl"`
	NetPnL          float64   `json:"net_pnl"`
	EntryFeeShare   float64   `json:"entry_fee_share"`
	ExitFee         float64   `json:"exit_fee"`
	ROIPercent      float64   `json:"roi_percent"`
	HoldingPeriodMs int64     `json:"holding_period_ms"`
	Slippage        float64   `json:"slippage"`
	EffectiveSpread float64   `json:"effective_spread"`
}

// Metadata travels with the trade row. Closures accumulate one detail record
// per close; Extra carries caller-supplied annotations.
type Metadata struct {
	Closures []ClosureDetail `json:"closures,omitempty"`
	Extra    map[string]any  `json:"extra,omitempty"`
}

// Trade is one executable trade owned by exactly one strategy.
type Trade struct {
	ID                string     `json:"id"`
	StrategyID        string     `json:"strategy_id"`
	Symbol            string     `json:"symbol"`
	Side              Side       `json:"side"`
	OrderType         string     `json:"order_type"`
	Status            Status     `json:"status"`
	Quantity          float64    `json:"quantity"`
	Price             float64    `json:"price"`
	ExecutedPrice     float64    `json:"executed_price"`
	ExecutedQuantity  float64    `json:"executed_quantity"`
	RemainingQuantity float64    `json:"remaining_quantity"`
	Fees              float64    `json:"fees"`
	PnL               float64    `json:"pnl"`
	EntryTime         time.Time  `json:"entry_time"`
	ExitTime          *time.Time `json:"exit_time,omitempty"`
	StopLoss          *float64   `json:"stop_loss,omitempty"`
	TakeProfit        *float64   `json:"take_profit,omitempty"`
	OrderID           string     `json:"order_id"`
	Metadata          Metadata   `json:"metadata"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsOpen reports whether the trade still carries open quantity.
func (t *Trade) IsOpen() bool {
	return t.ExitTime == nil && (t.Status == StatusFilled || t.Status == StatusPartial)
}

// EntryPrice is the fill price, falling back to the requested price for rows
// recorded before execution details arrived.
func (t *Trade) EntryPrice() float64 {
	if t.ExecutedPrice > 0 {
		return t.ExecutedPrice
	}
	return t.Price
}

// openEntryFee is the portion of the entry fee prior closures have not yet
// consumed. Fees is a running audit total that accumulates exit fees on every
// closure, so the open entry fee is that total minus everything the closure
// records already charged.
func (t *Trade) openEntryFee() float64 {
	open := t.Fees
	for _, c := range t.Metadata.Closures {
		open -= c.EntryFeeShare + c.ExitFee
	}
	if open < 0 {
		return 0
	}
	return open
}

// Validate checks the field invariants of a trade row.
func (t *Trade) Validate() error {
	if t.StrategyID == "" {
		return apperr.NewValidation("strategy_id", "trade strategy cannot be empty")
	}
	if t.Symbol == "" {
		return apperr.NewValidation("symbol", "trade symbol cannot be empty")
	}
	if !t.Side.Valid() {
		return apperr.NewValidation("side", "unsupported side "+string(t.Side))
	}
	if t.Quantity <= 0 {
		return apperr.NewValidation("quantity", "trade quantity must be positive")
	}
	if t.Price <= 0 {
		return apperr.NewValidation("price", "trade price must be positive")
	}
	if t.ExecutedQuantity < 0 || t.ExecutedQuantity > t.Quantity {
		return apperr.NewValidation("executed_quantity", "executed quantity must be within [0, quantity]")
	}
	if t.RemainingQuantity < 0 {
		return apperr.NewValidation("remaining_quantity", "remaining quantity cannot be negative")
	}
	return nil
}

func tradeToDB(t Trade) db.Trade {
	meta, _ := json.Marshal(t.Metadata)
	return db.Trade{
		ID:                t.ID,
		StrategyID:        t.StrategyID,
		Symbol:            t.Symbol,
		Side:              string(t.Side),
		Type:              t.OrderType,
		Status:            string(t.Status),
		Quantity:          t.Quantity,
		Price:             t.Price,
		ExecutedPrice:     t.ExecutedPrice,
		ExecutedQuantity:  t.ExecutedQuantity,
		RemainingQuantity: t.RemainingQuantity,
		Fees:              t.Fees,
		PnL:               t.PnL,
		EntryTime:         t.EntryTime,
		ExitTime:          t.ExitTime,
		StopLoss:          t.StopLoss,
		TakeProfit:        t.TakeProfit,
		OrderID:           t.OrderID,
		Metadata:          meta,
	}
}

func tradeFromDB(row db.Trade) Trade {
	var meta Metadata
	if len(row.Metadata) > 0 {
		json.Unmarshal(row.Metadata, &meta)
	}
	return Trade{
		ID:                row.ID,
		StrategyID:        row.StrategyID,
		Symbol:            row.Symbol,
		Side:              Side(row.Side),
		OrderType:         row.Type,
		Status:            Status(row.Status),
		Quantity:          row.Quantity,
		Price:             row.Price,
		ExecutedPrice:     row.ExecutedPrice,
		ExecutedQuantity:  row.ExecutedQuantity,
		RemainingQuantity: row.RemainingQuantity,
		Fees:              row.Fees,
		PnL:               row.PnL,
		EntryTime:         row.EntryTime,
		ExitTime:          row.ExitTime,
		StopLoss:          row.StopLoss,
		TakeProfit:        row.TakeProfit,
		OrderID:           row.OrderID,
		Metadata:          meta,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

func tradesFromDB(rows []db.Trade) []Trade {
	trades := make([]Trade, len(rows))
	for i, row := range rows {
		trades[i] = tradeFromDB(row)
	}
	return trades
}
