package db

import "time"

// Candle is the persisted market data row. The tuple (Time, Symbol, Timeframe)
// is unique; re-ingestion of the same tuple is a conflict, not a new row.
type Candle struct {
	Time        time.Time `json:"time"`
	Symbol      string    `json:"symbol"`
	Exchange    string    `json:"exchange"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	QuoteVolume *float64  `json:"quote_volume,omitempty"`
	TradesCount int       `json:"trades_count"`
	Timeframe   string    `json:"timeframe"`
	RawData     []byte    `json:"raw_data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trade is the persisted trade row.
type Trade struct {
	ID                string     `json:"id"`
	StrategyID        string     `json:"strategy_id"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
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
	Metadata          []byte     `json:"metadata,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ConflictPolicy selects what a bulk upsert does when the identity tuple
// collides with an existing row. The zero value is ConflictUpdate.
type ConflictPolicy int

const (
	// ConflictUpdate overwrites the stored row (last-write-wins).
	ConflictUpdate ConflictPolicy = iota
	// ConflictIgnore leaves the stored row untouched.
	ConflictIgnore
	// ConflictError fails the chunk containing the colliding row.
	ConflictError
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictIgnore:
		return "ignore"
	case ConflictError:
		return "error"
	default:
		return "update"
	}
}

// BulkOptions tunes a bulk candle insert.
type BulkOptions struct {
	ChunkSize        int
	Policy           ConflictPolicy
	StatementTimeout time.Duration
}

// BulkResult reports the outcome of a bulk candle insert. Every row lands in
// exactly one counter: Ignored holds rows skipped under ConflictIgnore, so
// Inserted+Updated+Ignored+Failed equals the batch size. ChunkErrors holds
// one error per failed chunk; failed chunks never abort the remaining ones.
type BulkResult struct {
	Inserted    int
	Updated     int
	Ignored     int
	Failed      int
	ChunkErrors []error
}

// QualityFilter scopes a data-quality scan. Zero fields are ignored.
type QualityFilter struct {
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
}

// QualityStats is the raw material for a data-quality report.
type QualityStats struct {
	Total           int
	Duplicates      int
	PriceAnomalies  int
	VolumeAnomalies int
	MinTime         *time.Time
	MaxTime         *time.Time
}

// CompressionResult reports a retention/compression pass over historical chunks.
type CompressionResult struct {
	ChunksCompressed int
	BytesBefore      int64
	BytesAfter       int64
}

// TradeFilter expresses the trade-history search predicates. Nil/zero fields
// are ignored.
type TradeFilter struct {
	StrategyID  string
	Symbol      string
	Sides       []string
	Statuses    []string
	MinPnL      *float64
	MaxPnL      *float64
	MinQuantity *float64
	MaxQuantity *float64
	MinPrice    *float64
	MaxPrice    *float64
	// Open filters on the trade being open (exit_time null) or closed.
	Open        *bool
	EntryAfter  *time.Time
	EntryBefore *time.Time
}
