package store

import (
	"context"
	"testing"
	"time"

	"newsflow-trader/pkg/types"
)

var ts = time.Date(2025, 12, 18, 14, 30, 0, 0, time.UTC)

func TestPendingEntryLifecycle(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	pe := types.PendingEntry{TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo", AlertTime: ts}
	if err := m.CreatePendingEntry(ctx, pe); err != nil {
		t.Fatal(err)
	}
	if err := m.CreatePendingEntry(ctx, pe); err == nil {
		t.Fatal("duplicate pending entry accepted")
	}

	if err := m.SetPendingEntryFirstPrice(ctx, "t-1", 5.16); err != nil {
		t.Fatal(err)
	}
	entries, err := m.ListPendingEntries(ctx, "momo")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].FirstPriceSet || entries[0].FirstPrice != 5.16 {
		t.Fatalf("entries = %+v", entries)
	}

	if err := m.DeletePendingEntry(ctx, "t-1"); err != nil {
		t.Fatal(err)
	}
	entries, _ = m.ListPendingEntries(ctx, "momo")
	if len(entries) != 0 {
		t.Fatalf("entries after delete = %+v", entries)
	}
}

func TestMarkOrderSubmittedDeletesEntry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	pe := types.PendingEntry{TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo", AlertTime: ts}
	if err := m.CreatePendingEntry(ctx, pe); err != nil {
		t.Fatal(err)
	}
	rec := OrderRecord{
		ID: "o-1", TradeID: "t-1", StrategyID: "momo", Ticker: "AAPL",
		Side: types.SideBuy, RequestedQty: 22, LimitPrice: 5.16,
		Status: types.OrderPending, SubmittedAt: ts,
	}
	if err := m.CreateOrder(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// The broker ack and the entry deletion are one transition.
	if err := m.MarkOrderSubmitted(ctx, "o-1", "bo-1", "t-1"); err != nil {
		t.Fatal(err)
	}
	if entries, _ := m.ListPendingEntries(ctx, "momo"); len(entries) != 0 {
		t.Error("pending entry survived order submission")
	}
	orders := m.Orders()
	if len(orders) != 1 || orders[0].Status != types.OrderSubmitted || orders[0].BrokerOrderID != "bo-1" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestMarkOrderRejected(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	rec := OrderRecord{ID: "o-1", TradeID: "t-1", Ticker: "AAPL", Side: types.SideBuy, Status: types.OrderPending, SubmittedAt: ts}
	if err := m.CreateOrder(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkOrderRejected(ctx, "o-1", "market moved"); err != nil {
		t.Fatal(err)
	}
	if got := m.Orders()[0].Status; got != types.OrderRejected {
		t.Errorf("status = %q, want rejected", got)
	}
	if err := m.MarkOrderRejected(ctx, "missing", "x"); err == nil {
		t.Error("rejecting an unknown order succeeded")
	}
}

func TestActiveTradeUniquePerTickerStrategy(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	at := types.ActiveTrade{TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo", EntryPrice: 5.16, EntryTime: ts, Shares: 22}
	if err := m.CreateActiveTrade(ctx, at, "bo-1", ""); err != nil {
		t.Fatal(err)
	}

	dup := at
	dup.TradeID = "t-2"
	if err := m.CreateActiveTrade(ctx, dup, "bo-2", ""); err == nil {
		t.Fatal("second active trade on the same (ticker, strategy) accepted")
	}

	other := at
	other.TradeID = "t-3"
	other.StrategyID = "scalp"
	if err := m.CreateActiveTrade(ctx, other, "bo-3", ""); err != nil {
		t.Fatalf("same ticker under another strategy rejected: %v", err)
	}
}

func TestCompleteTradeRemovesActive(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	at := types.ActiveTrade{TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo", EntryPrice: 5.16, EntryTime: ts, Shares: 22}
	if err := m.CreateActiveTrade(ctx, at, "bo-1", ""); err != nil {
		t.Fatal(err)
	}

	ct := types.CompletedTrade{
		TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo",
		EntryPrice: 5.16, ExitPrice: 5.676, EntryTime: ts, ExitTime: ts.Add(10 * time.Minute),
		Shares: 22, ExitReason: types.ExitTakeProfit, ReturnPct: 10,
	}
	if err := m.CompleteTrade(ctx, ct, "bo-2", ""); err != nil {
		t.Fatal(err)
	}

	if actives, _ := m.ListActiveTrades(ctx, "momo"); len(actives) != 0 {
		t.Error("active trade survived completion")
	}
	done := m.CompletedTrades()
	if len(done) != 1 || done[0].TradeID != "t-1" {
		t.Errorf("completed = %+v", done)
	}
}

func TestTraceLifecycle(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	ann := types.Announcement{Ticker: "AAPL", Timestamp: ts}
	if err := m.CreateTrace(ctx, "tr-1", &ann, types.TraceReceived, types.EvAlertReceived, "live"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendTraceEvent(ctx, "tr-1", types.EvPendingEntry, "t-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendTraceEvent(ctx, "missing", types.EvError, "x"); err == nil {
		t.Error("append to unknown trace succeeded")
	}
	if err := m.SetTraceStatus(ctx, "tr-1", types.TracePendingEntry, TraceRefs{PendingEntryID: "t-1"}); err != nil {
		t.Fatal(err)
	}

	kinds := m.TraceEventKinds("tr-1")
	if len(kinds) != 2 || kinds[0] != types.EvAlertReceived || kinds[1] != types.EvPendingEntry {
		t.Errorf("kinds = %v", kinds)
	}
	if m.TraceStatuses()["tr-1"] != types.TracePendingEntry {
		t.Errorf("status = %q", m.TraceStatuses()["tr-1"])
	}
}

func TestCountRecentAnnouncements(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for _, at := range []time.Time{ts, ts.Add(time.Hour), ts.Add(-time.Hour)} {
		if err := m.SaveAnnouncement(ctx, types.Announcement{Ticker: "AAPL", Timestamp: at}); err != nil {
			t.Fatal(err)
		}
	}
	// A re-post with identical (ticker, timestamp) does not double count.
	if err := m.SaveAnnouncement(ctx, types.Announcement{Ticker: "AAPL", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveAnnouncement(ctx, types.Announcement{Ticker: "TSLA", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}

	n, err := m.CountRecentAnnouncements(ctx, "AAPL", ts)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2 (since is inclusive)", n)
	}
}

func TestStrategyPriorities(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	a := types.StrategyConfig{ID: "a", Name: "A", Priority: 1}
	b := types.StrategyConfig{ID: "b", Name: "B", Priority: 2}
	if err := m.SaveStrategy(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveStrategy(ctx, b); err != nil {
		t.Fatal(err)
	}

	if err := m.SwapPriorities(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	list, err := m.ListStrategies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("order after swap = %+v", list)
	}
	if err := m.SwapPriorities(ctx, "a", "missing"); err == nil {
		t.Error("swap with unknown strategy succeeded")
	}
}
