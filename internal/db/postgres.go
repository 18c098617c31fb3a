package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"quantledger/internal/apperr"
	"quantledger/internal/db/conf"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Postgres struct {
	db *sql.DB
}

func New(c conf.Config) (*Postgres, error) {
	return &Postgres{db: c.DB}, nil
}

func (p *Postgres) GetDB() *sql.DB {
	return p.db
}

// Close shuts down the connection pool, waiting for in-flight queries.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Transaction executes fn with proper transaction management. A transaction
// already carried by ctx is reused, so nested calls share one commit point.
func (p *Postgres) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(ctx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.NewDatabase("begin transaction", err)
	}

	if fnErr := fn(WithTransaction(ctx, tx)); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return apperr.NewDatabase("commit transaction", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using the transaction from context if available
func (p *Postgres) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// execWithTransaction executes a statement using the transaction from context if available
func (p *Postgres) execWithTransaction(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return p.db.ExecContext(ctx, query, args...)
}

const candleColumns = `time, symbol, exchange, open, high, low, close, volume, quote_volume, trades_count, timeframe, raw_data, created_at, updated_at`

func scanCandle(rows *sql.Rows) (Candle, error) {
	var c Candle
	if err := rows.Scan(&c.Time, &c.Symbol, &c.Exchange, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &c.QuoteVolume, &c.TradesCount, &c.Timeframe, &c.RawData, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Candle{}, err
	}
	c.Time = c.Time.UTC()
	return c, nil
}

// SaveCandle upserts a single candle keyed by (time, symbol, timeframe).
// On conflict all OHLCV and count fields are overwritten (last-write-wins);
// quote volume and raw payload keep their stored values when absent.
func (p *Postgres) SaveCandle(ctx context.Context, c Candle) (Candle, error) {
	rows, err := p.queryWithTransaction(ctx, `
		INSERT INTO candles (time, symbol, exchange, open, high, low, close, volume, quote_volume, trades_count, timeframe, raw_data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
		ON CONFLICT (time, symbol, timeframe) DO UPDATE SET
			exchange=EXCLUDED.exchange, open=EXCLUDED.open, high=EXCLUDED.high,
			low=EXCLUDED.low, close=EXCLUDED.close, volume=EXCLUDED.volume,
			quote_volume=COALESCE(EXCLUDED.quote_volume, candles.quote_volume),
			trades_count=EXCLUDED.trades_count,
			raw_data=COALESCE(EXCLUDED.raw_data, candles.raw_data),
			updated_at=now()
		RETURNING `+candleColumns,
		c.Time, c.Symbol, c.Exchange, c.Open, c.High, c.Low, c.Close, c.Volume,
		c.QuoteVolume, c.TradesCount, c.Timeframe, c.RawData)
	if err != nil {
		return Candle{}, apperr.NewDatabase("save candle", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Candle{}, apperr.NewDatabase("save candle", errors.New("upsert returned no row"))
	}
	stored, err := scanCandle(rows)
	if err != nil {
		return Candle{}, apperr.NewDatabase("save candle", err)
	}
	return stored, rows.Err()
}

// BulkSaveCandles inserts candles in fixed-size chunks inside one transaction.
// Each chunk runs under a savepoint: a failed chunk is rolled back to its
// savepoint and counted, the remaining chunks proceed.
func (p *Postgres) BulkSaveCandles(ctx context.Context, candles []Candle, opts BulkOptions) (BulkResult, error) {
	var res BulkResult
	if len(candles) == 0 {
		return res, nil
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	err := p.Transaction(ctx, func(txCtx context.Context) error {
		tx := GetTransaction(txCtx)

		if opts.StatementTimeout > 0 {
			if _, err := tx.ExecContext(txCtx,
				fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())); err != nil {
				return apperr.NewDatabase("set statement timeout", err)
			}
		}

		for start := 0; start < len(candles); start += chunkSize {
			end := start + chunkSize
			if end > len(candles) {
				end = len(candles)
			}
			chunk := candles[start:end]

			if _, err := tx.ExecContext(txCtx, "SAVEPOINT bulk_chunk"); err != nil {
				return apperr.NewDatabase("create savepoint", err)
			}

			inserted, updated, err := p.insertCandleChunk(txCtx, tx, chunk, opts.Policy)
			if err != nil {
				if _, rbErr := tx.ExecContext(txCtx, "ROLLBACK TO SAVEPOINT bulk_chunk"); rbErr != nil {
					return apperr.NewDatabase("rollback to savepoint", rbErr)
				}
				res.Failed += len(chunk)
				res.ChunkErrors = append(res.ChunkErrors, wrapChunkError(err))
				continue
			}

			if _, err := tx.ExecContext(txCtx, "RELEASE SAVEPOINT bulk_chunk"); err != nil {
				return apperr.NewDatabase("release savepoint", err)
			}
			res.Inserted += inserted
			res.Updated += updated
			// Rows DO NOTHING swallowed return no tuple; the remainder of the
			// chunk was ignored.
			res.Ignored += len(chunk) - inserted - updated
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// insertCandleChunk builds and runs one multi-row upsert statement for the
// chosen conflict policy. Tuples not returned under the update policy were
// updates rather than inserts, detected through xmax.
func (p *Postgres) insertCandleChunk(ctx context.Context, tx *sql.Tx, chunk []Candle, policy ConflictPolicy) (inserted, updated int, err error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO candles (time, symbol, exchange, open, high, low, close, volume, quote_volume, trades_count, timeframe, raw_data, created_at, updated_at) VALUES `)

	args := make([]any, 0, len(chunk)*12)
	for i, c := range chunk {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 12
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,now(),now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12)
		args = append(args, c.Time, c.Symbol, c.Exchange, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradesCount, c.Timeframe, c.RawData)
	}

	switch policy {
	case ConflictIgnore:
		sb.WriteString(` ON CONFLICT (time, symbol, timeframe) DO NOTHING RETURNING true`)
	case ConflictError:
		sb.WriteString(` RETURNING true`)
	default:
		sb.WriteString(` ON CONFLICT (time, symbol, timeframe) DO UPDATE SET
			exchange=EXCLUDED.exchange, open=EXCLUDED.open, high=EXCLUDED.high,
			low=EXCLUDED.low, close=EXCLUDED.close, volume=EXCLUDED.volume,
			quote_volume=COALESCE(EXCLUDED.quote_volume, candles.quote_volume),
			trades_count=EXCLUDED.trades_count,
			raw_data=COALESCE(EXCLUDED.raw_data, candles.raw_data),
			updated_at=now()
		RETURNING (xmax = 0)`)
	}

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var freshInsert bool
		if err := rows.Scan(&freshInsert); err != nil {
			return inserted, updated, err
		}
		if freshInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, rows.Err()
}

// wrapChunkError maps unique violations to ConflictError so the error policy
// surfaces the constraint name, everything else to DatabaseError.
func wrapChunkError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &apperr.ConflictError{Constraint: pqErr.Constraint, Detail: pqErr.Detail}
	}
	return apperr.NewDatabase("insert candle chunk", err)
}

// GetCandleRange retrieves candles in [start, end] ordered by time ascending.
// A non-positive limit means no limit.
func (p *Postgres) GetCandleRange(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE symbol=$1 AND timeframe=$2 AND time >= $3 AND time <= $4
		ORDER BY time ASC`
	args := []any{symbol, timeframe, start, end}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewDatabase("query candle range", err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, apperr.NewDatabase("scan candle", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabase("iterate candle rows", err)
	}
	return candles, nil
}

// GetLatestCandles retrieves the single most recent candle per symbol.
func (p *Postgres) GetLatestCandles(ctx context.Context, symbols []string, timeframe string) ([]Candle, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT DISTINCT ON (symbol) `+candleColumns+`
		FROM candles
		WHERE symbol = ANY($1) AND timeframe=$2
		ORDER BY symbol, time DESC`,
		pq.Array(symbols), timeframe)
	if err != nil {
		return nil, apperr.NewDatabase("query latest candles", err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, apperr.NewDatabase("scan latest candle", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabase("iterate latest candle rows", err)
	}
	return candles, nil
}

// GetCandleQualityStats computes the raw counters behind a data-quality report.
func (p *Postgres) GetCandleQualityStats(ctx context.Context, filter QualityFilter) (QualityStats, error) {
	var stats QualityStats

	where, args := qualityWhere(filter)

	row := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN high < GREATEST(open, close) OR low > LEAST(open, close)
				OR open <= 0 OR high <= 0 OR low <= 0 OR close <= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN volume <= 0 THEN 1 ELSE 0 END), 0),
			MIN(time), MAX(time)
		FROM candles`+where, args...)

	var minTime, maxTime sql.NullTime
	if err := row.Scan(&stats.Total, &stats.PriceAnomalies, &stats.VolumeAnomalies, &minTime, &maxTime); err != nil {
		return stats, apperr.NewDatabase("query quality stats", err)
	}
	if minTime.Valid {
		t := minTime.Time.UTC()
		stats.MinTime = &t
	}
	if maxTime.Valid {
		t := maxTime.Time.UTC()
		stats.MaxTime = &t
	}

	// Duplicate identity tuples should be structurally impossible after upsert,
	// reported anyway for audit.
	row = p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
			SELECT COUNT(*) AS cnt FROM candles`+where+`
			GROUP BY time, symbol, timeframe HAVING COUNT(*) > 1
		) dup`, args...)
	if err := row.Scan(&stats.Duplicates); err != nil {
		return stats, apperr.NewDatabase("query duplicate stats", err)
	}

	return stats, nil
}

func qualityWhere(filter QualityFilter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Symbol != "" {
		clauses = append(clauses, "symbol = "+arg(filter.Symbol))
	}
	if filter.Timeframe != "" {
		clauses = append(clauses, "timeframe = "+arg(filter.Timeframe))
	}
	if !filter.Start.IsZero() {
		clauses = append(clauses, "time >= "+arg(filter.Start))
	}
	if !filter.End.IsZero() {
		clauses = append(clauses, "time <= "+arg(filter.End))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CompressCandles compresses TimescaleDB chunks of the candles hypertable that
// end before olderThan. With a symbol given, only chunks containing rows for
// that symbol are touched.
func (p *Postgres) CompressCandles(ctx context.Context, symbol string, olderThan time.Time) (CompressionResult, error) {
	var res CompressionResult

	rows, err := p.db.QueryContext(ctx, `
		SELECT chunk_schema, chunk_name
		FROM timescaledb_information.chunks
		WHERE hypertable_name = 'candles' AND range_end < $1 AND NOT is_compressed
		ORDER BY range_end ASC`, olderThan)
	if err != nil {
		return res, apperr.NewDatabase("list candle chunks", err)
	}
	defer rows.Close()

	type chunkRef struct{ schema, name string }
	var chunks []chunkRef
	for rows.Next() {
		var c chunkRef
		if err := rows.Scan(&c.schema, &c.name); err != nil {
			return res, apperr.NewDatabase("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return res, apperr.NewDatabase("iterate chunks", err)
	}

	var compressed []string
	for _, c := range chunks {
		qualified := fmt.Sprintf("%s.%s", pq.QuoteIdentifier(c.schema), pq.QuoteIdentifier(c.name))

		if symbol != "" {
			var present bool
			err := p.db.QueryRowContext(ctx,
				fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE symbol = $1)", qualified),
				symbol).Scan(&present)
			if err != nil {
				return res, apperr.NewDatabase("probe chunk symbol", err)
			}
			if !present {
				continue
			}
		}

		if _, err := p.db.ExecContext(ctx, "SELECT compress_chunk($1::regclass)", qualified); err != nil {
			return res, apperr.NewDatabase("compress chunk", err)
		}
		compressed = append(compressed, c.name)
		res.ChunksCompressed++
	}

	if len(compressed) == 0 {
		return res, nil
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(before_compression_total_bytes), 0),
			COALESCE(SUM(after_compression_total_bytes), 0)
		FROM chunk_compression_stats('candles')
		WHERE chunk_name = ANY($1)`, pq.Array(compressed)).Scan(&res.BytesBefore, &res.BytesAfter)
	if err != nil {
		return res, apperr.NewDatabase("query compression stats", err)
	}

	return res, nil
}

const tradeColumns = `id, strategy_id, symbol, side, type, status, quantity, price, executed_price, executed_quantity, remaining_quantity, fees, pnl, entry_time, exit_time, stop_loss, take_profit, order_id, metadata, created_at, updated_at`

func scanTrade(rows *sql.Rows) (Trade, error) {
	var t Trade
	var exitTime sql.NullTime
	if err := rows.Scan(&t.ID, &t.StrategyID, &t.Symbol, &t.Side, &t.Type, &t.Status,
		&t.Quantity, &t.Price, &t.ExecutedPrice, &t.ExecutedQuantity, &t.RemainingQuantity,
		&t.Fees, &t.PnL, &t.EntryTime, &exitTime, &t.StopLoss, &t.TakeProfit,
		&t.OrderID, &t.Metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Trade{}, err
	}
	t.EntryTime = t.EntryTime.UTC()
	if exitTime.Valid {
		et := exitTime.Time.UTC()
		t.ExitTime = &et
	}
	return t, nil
}

// SaveTrade inserts a new trade row.
func (p *Postgres) SaveTrade(ctx context.Context, t Trade) (Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `
		INSERT INTO trades (id, strategy_id, symbol, side, type, status, quantity, price,
			executed_price, executed_quantity, remaining_quantity, fees, pnl, entry_time,
			exit_time, stop_loss, take_profit, order_id, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
		RETURNING `+tradeColumns,
		t.ID, t.StrategyID, t.Symbol, t.Side, t.Type, t.Status, t.Quantity, t.Price,
		t.ExecutedPrice, t.ExecutedQuantity, t.RemainingQuantity, t.Fees, t.PnL, t.EntryTime,
		t.ExitTime, t.StopLoss, t.TakeProfit, t.OrderID, t.Metadata)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Trade{}, &apperr.ConflictError{Constraint: pqErr.Constraint, Detail: pqErr.Detail}
		}
		return Trade{}, apperr.NewDatabase("save trade", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Trade{}, apperr.NewDatabase("save trade", errors.New("insert returned no row"))
	}
	stored, err := scanTrade(rows)
	if err != nil {
		return Trade{}, apperr.NewDatabase("save trade", err)
	}
	return stored, rows.Err()
}

// GetTradeForUpdate loads a trade row with FOR UPDATE so concurrent closures of
// the same trade serialize on the row lock. Must run inside a transaction.
func (p *Postgres) GetTradeForUpdate(ctx context.Context, id string) (*Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE id=$1 FOR UPDATE`, id)
	if err != nil {
		return nil, apperr.NewDatabase("query trade for update", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTrade(rows)
	if err != nil {
		return nil, apperr.NewDatabase("scan trade", err)
	}
	return &t, nil
}

// UpdateTrade persists the mutated trade row.
func (p *Postgres) UpdateTrade(ctx context.Context, t Trade) error {
	result, err := p.execWithTransaction(ctx, `
		UPDATE trades SET status=$1, executed_quantity=$2, remaining_quantity=$3, fees=$4,
			pnl=$5, exit_time=$6, metadata=$7, updated_at=now()
		WHERE id=$8`,
		t.Status, t.ExecutedQuantity, t.RemainingQuantity, t.Fees, t.PnL, t.ExitTime, t.Metadata, t.ID)
	if err != nil {
		return apperr.NewDatabase("update trade", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apperr.NewDatabase("update trade rows affected", err)
	}
	if affected == 0 {
		return apperr.NewNotFound("trade", t.ID)
	}
	return nil
}

// GetOpenTrades returns trades that still carry open quantity, optionally
// filtered by strategy and symbol, most recent entries first.
func (p *Postgres) GetOpenTrades(ctx context.Context, strategyID, symbol string) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status IN ('filled', 'partial') AND exit_time IS NULL`
	var args []any
	if strategyID != "" {
		args = append(args, strategyID)
		query += fmt.Sprintf(" AND strategy_id=$%d", len(args))
	}
	if symbol != "" {
		args = append(args, symbol)
		query += fmt.Sprintf(" AND symbol=$%d", len(args))
	}
	query += " ORDER BY entry_time DESC"

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewDatabase("query open trades", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, apperr.NewDatabase("scan open trade", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabase("iterate open trades", err)
	}
	return trades, nil
}

// GetTradesByStrategy returns the full trade set for a strategy in
// chronological order of entry.
func (p *Postgres) GetTradesByStrategy(ctx context.Context, strategyID string) ([]Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE strategy_id=$1 ORDER BY entry_time ASC`, strategyID)
	if err != nil {
		return nil, apperr.NewDatabase("query trades by strategy", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, apperr.NewDatabase("scan trade", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabase("iterate trades", err)
	}
	return trades, nil
}

// SearchTrades pages through trades matching the filter, newest entries first,
// and returns the total count of the filtered set alongside the page.
func (p *Postgres) SearchTrades(ctx context.Context, filter TradeFilter, limit, offset int) ([]Trade, int, error) {
	where, args := tradeWhere(filter)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trades"+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.NewDatabase("count trades", err)
	}

	query := "SELECT " + tradeColumns + " FROM trades" + where + " ORDER BY entry_time DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.NewDatabase("search trades", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, 0, apperr.NewDatabase("scan trade", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.NewDatabase("iterate trades", err)
	}
	return trades, total, nil
}

func tradeWhere(filter TradeFilter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StrategyID != "" {
		clauses = append(clauses, "strategy_id = "+arg(filter.StrategyID))
	}
	if filter.Symbol != "" {
		clauses = append(clauses, "symbol = "+arg(filter.Symbol))
	}
	if len(filter.Sides) > 0 {
		clauses = append(clauses, "side = ANY("+arg(pq.Array(filter.Sides))+")")
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status = ANY("+arg(pq.Array(filter.Statuses))+")")
	}
	if filter.MinPnL != nil {
		clauses = append(clauses, "pnl >= "+arg(*filter.MinPnL))
	}
	if filter.MaxPnL != nil {
		clauses = append(clauses, "pnl <= "+arg(*filter.MaxPnL))
	}
	if filter.MinQuantity != nil {
		clauses = append(clauses, "quantity >= "+arg(*filter.MinQuantity))
	}
	if filter.MaxQuantity != nil {
		clauses = append(clauses, "quantity <= "+arg(*filter.MaxQuantity))
	}
	if filter.MinPrice != nil {
		clauses = append(clauses, "price >= "+arg(*filter.MinPrice))
	}
	if filter.MaxPrice != nil {
		clauses = append(clauses, "price <= "+arg(*filter.MaxPrice))
	}
	if filter.Open != nil {
		if *filter.Open {
			clauses = append(clauses, "exit_time IS NULL AND status IN ('filled', 'partial')")
		} else {
			clauses = append(clauses, "exit_time IS NOT NULL")
		}
	}
	if filter.EntryAfter != nil {
		clauses = append(clauses, "entry_time >= "+arg(*filter.EntryAfter))
	}
	if filter.EntryBefore != nil {
		clauses = append(clauses, "entry_time <= "+arg(*filter.EntryBefore))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
