// Package store provides durable persistence for the trading engine:
// announcements, pending entries, active trades, orders and their event
// log, completed trades, strategy configuration, and the alert audit
// trail. The production backend is Postgres (pgx); an in-memory
// implementation backs unit tests.
//
// Every logical state transition is one transaction: accepting an entry,
// submitting a buy (pending entry removed + order row + submitted event),
// a buy fill (order update + active trade insert), and a sell fill (order
// update + completed trade insert + active trade delete) each commit
// atomically.
package store

import (
	"context"
	"time"

	"newsflow-trader/pkg/types"
)

// OrderRecord is the persisted audit row for one broker order.
type OrderRecord struct {
	ID            string // internal id (UUID)
	BrokerOrderID string
	TradeID       string
	StrategyID    string
	Ticker        string
	Side          types.OrderSide
	RequestedQty  int64
	FilledQty     int64
	LimitPrice    float64
	AvgFillPrice  float64
	Status        types.OrderStatus
	SubmittedAt   time.Time
}

// TraceRefs links a trace to the lifecycle records it produced.
type TraceRefs struct {
	PendingEntryID   string
	ActiveTradeID    string
	CompletedTradeID string
}

// Store is the complete persistence interface.
type Store interface {
	// Announcements.
	SaveAnnouncement(ctx context.Context, ann types.Announcement) error
	CountRecentAnnouncements(ctx context.Context, ticker string, since time.Time) (int, error)

	// Audit trail.
	CreateTrace(ctx context.Context, traceID string, ann *types.Announcement, status types.TraceStatus, kind types.TraceEventKind, detail string) error
	AppendTraceEvent(ctx context.Context, traceID string, kind types.TraceEventKind, detail string) error
	SetTraceStatus(ctx context.Context, traceID string, status types.TraceStatus, refs TraceRefs) error

	// Pending entries.
	CreatePendingEntry(ctx context.Context, pe types.PendingEntry) error
	SetPendingEntryFirstPrice(ctx context.Context, tradeID string, price float64) error
	DeletePendingEntry(ctx context.Context, tradeID string) error
	ListPendingEntries(ctx context.Context, strategyID string) ([]types.PendingEntry, error)

	// Orders. CreateOrder inserts the pending row before the broker call;
	// MarkOrderSubmitted records the broker ack and, for entry orders,
	// atomically removes the source pending entry in the same transaction.
	CreateOrder(ctx context.Context, o OrderRecord) error
	MarkOrderSubmitted(ctx context.Context, orderID, brokerOrderID, deletePendingEntryID string) error
	MarkOrderRejected(ctx context.Context, orderID, reason string) error
	RecordOrderEvent(ctx context.Context, brokerOrderID string, status types.OrderStatus, raw string) error

	// Active trades. CreateActiveTrade atomically marks the buy order
	// filled; CompleteTrade atomically marks the sell order filled and
	// removes the active trade row.
	CreateActiveTrade(ctx context.Context, at types.ActiveTrade, brokerOrderID string, raw string) error
	UpdateActiveTrade(ctx context.Context, at types.ActiveTrade) error
	ListActiveTrades(ctx context.Context, strategyID string) ([]types.ActiveTrade, error)
	CompleteTrade(ctx context.Context, ct types.CompletedTrade, brokerOrderID string, raw string) error

	// Strategy configuration.
	ListStrategies(ctx context.Context) ([]types.StrategyConfig, error)
	SaveStrategy(ctx context.Context, s types.StrategyConfig) error
	SwapPriorities(ctx context.Context, idA, idB string) error

	Ping(ctx context.Context) error
	Close()
}
