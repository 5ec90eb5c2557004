package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"newsflow-trader/pkg/types"
)

// Memory is an in-memory Store used by unit tests and by dry runs without
// a database. It mirrors the Postgres uniqueness constraints so tests
// exercise the same invariants.
type Memory struct {
	mu sync.Mutex

	announcements map[string]types.Announcement // key ticker|ts
	traces        map[string]*memTrace
	entries       map[string]types.PendingEntry // trade_id
	orders        map[string]OrderRecord        // internal id
	byBrokerID    map[string]string             // broker id -> internal id
	orderEvents   []memOrderEvent
	active        map[string]types.ActiveTrade // trade_id
	completed     []types.CompletedTrade
	strategies    map[string]types.StrategyConfig
}

type memTrace struct {
	ID     string
	Ticker string
	Status types.TraceStatus
	Refs   TraceRefs
	Events []memTraceEvent
}

type memTraceEvent struct {
	Kind   types.TraceEventKind
	Detail string
	At     time.Time
}

type memOrderEvent struct {
	BrokerOrderID string
	Status        types.OrderStatus
	Raw           string
	At            time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		announcements: make(map[string]types.Announcement),
		traces:        make(map[string]*memTrace),
		entries:       make(map[string]types.PendingEntry),
		orders:        make(map[string]OrderRecord),
		byBrokerID:    make(map[string]string),
		active:        make(map[string]types.ActiveTrade),
		strategies:    make(map[string]types.StrategyConfig),
	}
}

func annKey(ticker string, ts time.Time) string {
	return ticker + "|" + ts.UTC().Format(time.RFC3339Nano)
}

func (m *Memory) SaveAnnouncement(ctx context.Context, ann types.Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := annKey(ann.Ticker, ann.Timestamp)
	if _, exists := m.announcements[key]; !exists {
		m.announcements[key] = ann
	}
	return nil
}

func (m *Memory) CountRecentAnnouncements(ctx context.Context, ticker string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.announcements {
		if a.Ticker == ticker && !a.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateTrace(ctx context.Context, traceID string, ann *types.Announcement, status types.TraceStatus, kind types.TraceEventKind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := &memTrace{ID: traceID, Status: status}
	if ann != nil {
		tr.Ticker = ann.Ticker
	}
	tr.Events = append(tr.Events, memTraceEvent{Kind: kind, Detail: detail, At: time.Now().UTC()})
	m.traces[traceID] = tr
	return nil
}

func (m *Memory) AppendTraceEvent(ctx context.Context, traceID string, kind types.TraceEventKind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[traceID]
	if !ok {
		return fmt.Errorf("trace %s not found", traceID)
	}
	tr.Events = append(tr.Events, memTraceEvent{Kind: kind, Detail: detail, At: time.Now().UTC()})
	return nil
}

func (m *Memory) SetTraceStatus(ctx context.Context, traceID string, status types.TraceStatus, refs TraceRefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[traceID]
	if !ok {
		return fmt.Errorf("trace %s not found", traceID)
	}
	tr.Status = status
	if refs.PendingEntryID != "" {
		tr.Refs.PendingEntryID = refs.PendingEntryID
	}
	if refs.ActiveTradeID != "" {
		tr.Refs.ActiveTradeID = refs.ActiveTradeID
	}
	if refs.CompletedTradeID != "" {
		tr.Refs.CompletedTradeID = refs.CompletedTradeID
	}
	return nil
}

func (m *Memory) CreatePendingEntry(ctx context.Context, pe types.PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.entries[pe.TradeID]; dup {
		return fmt.Errorf("pending entry %s already exists", pe.TradeID)
	}
	m.entries[pe.TradeID] = pe
	return nil
}

func (m *Memory) SetPendingEntryFirstPrice(ctx context.Context, tradeID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.entries[tradeID]
	if !ok {
		return fmt.Errorf("pending entry %s not found", tradeID)
	}
	pe.FirstPrice = price
	pe.FirstPriceSet = true
	m.entries[tradeID] = pe
	return nil
}

func (m *Memory) DeletePendingEntry(ctx context.Context, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tradeID)
	return nil
}

func (m *Memory) ListPendingEntries(ctx context.Context, strategyID string) ([]types.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PendingEntry
	for _, pe := range m.entries {
		if pe.StrategyID == strategyID {
			out = append(out, pe)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertTime.Before(out[j].AlertTime) })
	return out, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOrderLocked(o)
}

func (m *Memory) MarkOrderSubmitted(ctx context.Context, orderID, brokerOrderID, deletePendingEntryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.BrokerOrderID = brokerOrderID
	o.Status = types.OrderSubmitted
	m.orders[orderID] = o
	m.byBrokerID[brokerOrderID] = orderID
	m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: brokerOrderID, Status: types.OrderSubmitted, At: time.Now().UTC()})
	if deletePendingEntryID != "" {
		delete(m.entries, deletePendingEntryID)
	}
	return nil
}

func (m *Memory) MarkOrderRejected(ctx context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.Status = types.OrderRejected
	m.orders[orderID] = o
	id := o.BrokerOrderID
	if id == "" {
		id = orderID
	}
	m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: id, Status: types.OrderRejected, Raw: reason, At: time.Now().UTC()})
	return nil
}

func (m *Memory) insertOrderLocked(o OrderRecord) error {
	if _, dup := m.orders[o.ID]; dup {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = o
	if o.BrokerOrderID != "" {
		m.byBrokerID[o.BrokerOrderID] = o.ID
	}
	m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: o.BrokerOrderID, Status: o.Status, At: time.Now().UTC()})
	return nil
}

func (m *Memory) RecordOrderEvent(ctx context.Context, brokerOrderID string, status types.OrderStatus, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byBrokerID[brokerOrderID]; ok {
		o := m.orders[id]
		o.Status = status
		m.orders[id] = o
	}
	m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: brokerOrderID, Status: status, Raw: raw, At: time.Now().UTC()})
	return nil
}

func (m *Memory) CreateActiveTrade(ctx context.Context, at types.ActiveTrade, brokerOrderID string, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.active {
		if existing.Ticker == at.Ticker && existing.StrategyID == at.StrategyID {
			return fmt.Errorf("active trade for (%s, %s) already exists", at.Ticker, at.StrategyID)
		}
	}
	if id, ok := m.byBrokerID[brokerOrderID]; ok {
		o := m.orders[id]
		o.Status = types.OrderFilled
		o.FilledQty = at.Shares
		o.AvgFillPrice = at.EntryPrice
		m.orders[id] = o
	}
	m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: brokerOrderID, Status: types.OrderFilled, Raw: raw, At: time.Now().UTC()})
	m.active[at.TradeID] = at
	return nil
}

func (m *Memory) UpdateActiveTrade(ctx context.Context, at types.ActiveTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[at.TradeID]; !ok {
		return fmt.Errorf("active trade %s not found", at.TradeID)
	}
	m.active[at.TradeID] = at
	return nil
}

func (m *Memory) ListActiveTrades(ctx context.Context, strategyID string) ([]types.ActiveTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ActiveTrade
	for _, at := range m.active {
		if at.StrategyID == strategyID {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *Memory) CompleteTrade(ctx context.Context, ct types.CompletedTrade, brokerOrderID string, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if brokerOrderID != "" {
		if id, ok := m.byBrokerID[brokerOrderID]; ok {
			o := m.orders[id]
			o.Status = types.OrderFilled
			o.FilledQty = ct.Shares
			o.AvgFillPrice = ct.ExitPrice
			m.orders[id] = o
		}
		m.orderEvents = append(m.orderEvents, memOrderEvent{BrokerOrderID: brokerOrderID, Status: types.OrderFilled, Raw: raw, At: time.Now().UTC()})
	}
	m.completed = append(m.completed, ct)
	delete(m.active, ct.TradeID)
	return nil
}

func (m *Memory) ListStrategies(ctx context.Context) ([]types.StrategyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.StrategyConfig, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *Memory) SaveStrategy(ctx context.Context, s types.StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = s
	return nil
}

func (m *Memory) SwapPriorities(ctx context.Context, idA, idB string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, okA := m.strategies[idA]
	b, okB := m.strategies[idB]
	if !okA || !okB {
		return fmt.Errorf("strategy not found")
	}
	a.Priority, b.Priority = b.Priority, a.Priority
	m.strategies[idA] = a
	m.strategies[idB] = b
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

// --- test inspection helpers ---

// TraceEventKinds returns the ordered event kinds recorded on a trace.
func (m *Memory) TraceEventKinds(traceID string) []types.TraceEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[traceID]
	if !ok {
		return nil
	}
	kinds := make([]types.TraceEventKind, len(tr.Events))
	for i, e := range tr.Events {
		kinds[i] = e.Kind
	}
	return kinds
}

// TraceStatuses returns traceID → current status for all traces.
func (m *Memory) TraceStatuses() map[string]types.TraceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.TraceStatus, len(m.traces))
	for id, tr := range m.traces {
		out[id] = tr.Status
	}
	return out
}

// Orders returns a copy of all order rows.
func (m *Memory) Orders() []OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRecord, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// CompletedTrades returns all completed trade rows in insertion order.
func (m *Memory) CompletedTrades() []types.CompletedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CompletedTrade, len(m.completed))
	copy(out, m.completed)
	return out
}

// Dump is a debugging aid that renders the whole store as JSON.
func (m *Memory) Dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := map[string]any{
		"entries":   m.entries,
		"active":    m.active,
		"completed": m.completed,
	}
	b, _ := json.MarshalIndent(snapshot, "", "  ")
	return string(b)
}
