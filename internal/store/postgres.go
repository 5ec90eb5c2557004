package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsflow-trader/pkg/types"
)

// Postgres implements Store on a pgx connection pool. Timestamps are stored
// naive-UTC; display layers convert to America/New_York.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings, and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

// --- Announcements ---

func (s *Postgres) SaveAnnouncement(ctx context.Context, ann types.Announcement) error {
	payload, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO announcements (ticker, ts, price_threshold, headline, country, channel, author, direction, source, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ticker, ts) DO NOTHING`,
		ann.Ticker, ann.Timestamp.UTC(), ann.PriceThreshold, ann.Headline,
		ann.Country, ann.Channel, ann.Author, string(ann.Direction), string(ann.Source), payload)
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	return nil
}

func (s *Postgres) CountRecentAnnouncements(ctx context.Context, ticker string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM announcements WHERE ticker = $1 AND ts >= $2`,
		ticker, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count announcements: %w", err)
	}
	return n, nil
}

// --- Traces ---

func (s *Postgres) CreateTrace(ctx context.Context, traceID string, ann *types.Announcement, status types.TraceStatus, kind types.TraceEventKind, detail string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var ticker string
		var ts *time.Time
		if ann != nil {
			ticker = ann.Ticker
			t := ann.Timestamp.UTC()
			ts = &t
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO traces (id, ticker, announcement_ts, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			traceID, ticker, ts, string(status), time.Now().UTC()); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
		return insertTraceEvent(ctx, tx, traceID, kind, detail)
	})
}

func (s *Postgres) AppendTraceEvent(ctx context.Context, traceID string, kind types.TraceEventKind, detail string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertTraceEvent(ctx, tx, traceID, kind, detail)
	})
}

func (s *Postgres) SetTraceStatus(ctx context.Context, traceID string, status types.TraceStatus, refs TraceRefs) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE traces SET status = $2,
			pending_entry_id = COALESCE(NULLIF($3, ''), pending_entry_id),
			active_trade_id = COALESCE(NULLIF($4, ''), active_trade_id),
			completed_trade_id = COALESCE(NULLIF($5, ''), completed_trade_id)
		WHERE id = $1`,
		traceID, string(status), refs.PendingEntryID, refs.ActiveTradeID, refs.CompletedTradeID)
	if err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return nil
}

func insertTraceEvent(ctx context.Context, tx pgx.Tx, traceID string, kind types.TraceEventKind, detail string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO trace_events (trace_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4)`,
		traceID, string(kind), detail, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert trace event: %w", err)
	}
	return nil
}

// --- Pending entries ---

func (s *Postgres) CreatePendingEntry(ctx context.Context, pe types.PendingEntry) error {
	ann, err := json.Marshal(pe.Announcement)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	var first *float64
	if pe.FirstPriceSet {
		first = &pe.FirstPrice
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_entries (trade_id, ticker, strategy_id, announcement, alert_time, first_price)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pe.TradeID, pe.Ticker, pe.StrategyID, ann, pe.AlertTime.UTC(), first)
	if err != nil {
		return fmt.Errorf("insert pending entry: %w", err)
	}
	return nil
}

func (s *Postgres) SetPendingEntryFirstPrice(ctx context.Context, tradeID string, price float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pending_entries SET first_price = $2 WHERE trade_id = $1`, tradeID, price)
	if err != nil {
		return fmt.Errorf("set first price: %w", err)
	}
	return nil
}

func (s *Postgres) DeletePendingEntry(ctx context.Context, tradeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_entries WHERE trade_id = $1`, tradeID)
	if err != nil {
		return fmt.Errorf("delete pending entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListPendingEntries(ctx context.Context, strategyID string) ([]types.PendingEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, ticker, strategy_id, announcement, alert_time, first_price
		FROM pending_entries WHERE strategy_id = $1 ORDER BY alert_time`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var out []types.PendingEntry
	for rows.Next() {
		var pe types.PendingEntry
		var ann []byte
		var first *float64
		if err := rows.Scan(&pe.TradeID, &pe.Ticker, &pe.StrategyID, &ann, &pe.AlertTime, &first); err != nil {
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		if err := json.Unmarshal(ann, &pe.Announcement); err != nil {
			return nil, fmt.Errorf("unmarshal announcement: %w", err)
		}
		if first != nil {
			pe.FirstPrice = *first
			pe.FirstPriceSet = true
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// --- Orders ---

func (s *Postgres) CreateOrder(ctx context.Context, o OrderRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, broker_order_id, trade_id, strategy_id, ticker, side,
				requested_qty, filled_qty, limit_price, avg_fill_price, status, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			o.ID, o.BrokerOrderID, o.TradeID, o.StrategyID, o.Ticker, string(o.Side),
			o.RequestedQty, o.FilledQty, o.LimitPrice, o.AvgFillPrice, string(o.Status), o.SubmittedAt.UTC()); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return insertOrderEvent(ctx, tx, o.BrokerOrderID, o.Status, "")
	})
}

// MarkOrderSubmitted is the accept→submitted transition: the broker ack is
// recorded and, for entry orders, the source pending entry row is removed
// in the same transaction.
func (s *Postgres) MarkOrderSubmitted(ctx context.Context, orderID, brokerOrderID, deletePendingEntryID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET broker_order_id = $2, status = $3 WHERE id = $1`,
			orderID, brokerOrderID, string(types.OrderSubmitted)); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := insertOrderEvent(ctx, tx, brokerOrderID, types.OrderSubmitted, ""); err != nil {
			return err
		}
		if deletePendingEntryID != "" {
			if _, err := tx.Exec(ctx, `DELETE FROM pending_entries WHERE trade_id = $1`, deletePendingEntryID); err != nil {
				return fmt.Errorf("delete pending entry: %w", err)
			}
		}
		return nil
	})
}

// MarkOrderRejected records a submit failure on the pending order row.
func (s *Postgres) MarkOrderRejected(ctx context.Context, orderID, reason string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var brokerOrderID string
		if err := tx.QueryRow(ctx, `
			UPDATE orders SET status = $2 WHERE id = $1 RETURNING broker_order_id`,
			orderID, string(types.OrderRejected)).Scan(&brokerOrderID); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if brokerOrderID == "" {
			brokerOrderID = orderID
		}
		return insertOrderEvent(ctx, tx, brokerOrderID, types.OrderRejected, reason)
	})
}

func insertOrderEvent(ctx context.Context, tx pgx.Tx, brokerOrderID string, status types.OrderStatus, raw string) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_events (broker_order_id, status, raw, created_at)
		VALUES ($1, $2, $3, $4)`,
		brokerOrderID, string(status), raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

func (s *Postgres) RecordOrderEvent(ctx context.Context, brokerOrderID string, status types.OrderStatus, raw string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2 WHERE broker_order_id = $1`,
			brokerOrderID, string(status)); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return insertOrderEvent(ctx, tx, brokerOrderID, status, raw)
	})
}

// --- Active trades ---

// CreateActiveTrade is the buy-fill transition.
func (s *Postgres) CreateActiveTrade(ctx context.Context, at types.ActiveTrade, brokerOrderID string, raw string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, filled_qty = $3, avg_fill_price = $4
			WHERE broker_order_id = $1`,
			brokerOrderID, string(types.OrderFilled), at.Shares, at.EntryPrice); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := insertOrderEvent(ctx, tx, brokerOrderID, types.OrderFilled, raw); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO active_trades (trade_id, ticker, strategy_id, entry_price, entry_time,
				first_candle_open, shares, stop_loss_price, take_profit_price,
				highest_since_entry, last_price, last_quote_time, sell_attempts, needs_manual_exit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			at.TradeID, at.Ticker, at.StrategyID, at.EntryPrice, at.EntryTime.UTC(),
			at.FirstCandleOpen, at.Shares, at.StopLossPrice, at.TakeProfitPrice,
			at.HighestSinceEntry, at.LastPrice, nullableTime(at.LastQuoteTime), at.SellAttempts, at.NeedsManualExit); err != nil {
			return fmt.Errorf("insert active trade: %w", err)
		}
		return nil
	})
}

func (s *Postgres) UpdateActiveTrade(ctx context.Context, at types.ActiveTrade) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE active_trades SET stop_loss_price = $2, take_profit_price = $3,
			highest_since_entry = $4, last_price = $5, last_quote_time = $6,
			sell_attempts = $7, needs_manual_exit = $8
		WHERE trade_id = $1`,
		at.TradeID, at.StopLossPrice, at.TakeProfitPrice,
		at.HighestSinceEntry, at.LastPrice, nullableTime(at.LastQuoteTime),
		at.SellAttempts, at.NeedsManualExit)
	if err != nil {
		return fmt.Errorf("update active trade: %w", err)
	}
	return nil
}

func (s *Postgres) ListActiveTrades(ctx context.Context, strategyID string) ([]types.ActiveTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, ticker, strategy_id, entry_price, entry_time, first_candle_open,
			shares, stop_loss_price, take_profit_price, highest_since_entry,
			last_price, last_quote_time, sell_attempts, needs_manual_exit
		FROM active_trades WHERE strategy_id = $1 ORDER BY entry_time`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()

	var out []types.ActiveTrade
	for rows.Next() {
		var at types.ActiveTrade
		var lastQuote *time.Time
		if err := rows.Scan(&at.TradeID, &at.Ticker, &at.StrategyID, &at.EntryPrice, &at.EntryTime,
			&at.FirstCandleOpen, &at.Shares, &at.StopLossPrice, &at.TakeProfitPrice,
			&at.HighestSinceEntry, &at.LastPrice, &lastQuote, &at.SellAttempts, &at.NeedsManualExit); err != nil {
			return nil, fmt.Errorf("scan active trade: %w", err)
		}
		if lastQuote != nil {
			at.LastQuoteTime = *lastQuote
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// CompleteTrade is the sell-fill (or orphan-close) transition.
func (s *Postgres) CompleteTrade(ctx context.Context, ct types.CompletedTrade, brokerOrderID string, raw string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if brokerOrderID != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE orders SET status = $2, filled_qty = $3, avg_fill_price = $4
				WHERE broker_order_id = $1`,
				brokerOrderID, string(types.OrderFilled), ct.Shares, ct.ExitPrice); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			if err := insertOrderEvent(ctx, tx, brokerOrderID, types.OrderFilled, raw); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO trades (trade_id, ticker, strategy_id, entry_price, exit_price,
				entry_time, exit_time, shares, exit_reason, return_pct, pnl, strategy_json, paper)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ct.TradeID, ct.Ticker, ct.StrategyID, ct.EntryPrice, ct.ExitPrice,
			ct.EntryTime.UTC(), ct.ExitTime.UTC(), ct.Shares, string(ct.ExitReason),
			ct.ReturnPct, ct.PnL, ct.StrategyJSON, ct.Paper); err != nil {
			return fmt.Errorf("insert completed trade: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM active_trades WHERE trade_id = $1`, ct.TradeID); err != nil {
			return fmt.Errorf("delete active trade: %w", err)
		}
		return nil
	})
}

// --- Strategies ---

func (s *Postgres) ListStrategies(ctx context.Context) ([]types.StrategyConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT config FROM strategies ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		var sc types.StrategyConfig
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("unmarshal strategy: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Postgres) SaveStrategy(ctx context.Context, sc types.StrategyConfig) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategies (id, name, priority, enabled, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, priority = $3, enabled = $4, config = $5`,
		sc.ID, sc.Name, sc.Priority, sc.Enabled, raw)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

// SwapPriorities exchanges the priorities of two strategies in one
// transaction, going through a sentinel to satisfy the unique constraint.
func (s *Postgres) SwapPriorities(ctx context.Context, idA, idB string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var prioA, prioB int
		if err := tx.QueryRow(ctx, `SELECT priority FROM strategies WHERE id = $1`, idA).Scan(&prioA); err != nil {
			return fmt.Errorf("strategy %s: %w", idA, err)
		}
		if err := tx.QueryRow(ctx, `SELECT priority FROM strategies WHERE id = $1`, idB).Scan(&prioB); err != nil {
			return fmt.Errorf("strategy %s: %w", idB, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE strategies SET priority = -1 WHERE id = $1`, idA); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE strategies SET priority = $2 WHERE id = $1`, idB, prioA); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE strategies SET priority = $2 WHERE id = $1`, idA, prioB); err != nil {
			return err
		}
		// Keep the in-JSON priority consistent with the column.
		if _, err := tx.Exec(ctx, `UPDATE strategies SET config = jsonb_set(config, '{priority}', to_jsonb(priority))`); err != nil {
			return err
		}
		return nil
	})
}

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
