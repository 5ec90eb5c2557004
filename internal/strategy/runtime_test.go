package strategy

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"newsflow-trader/internal/broker"
	"newsflow-trader/internal/market"
	"newsflow-trader/internal/quotes"
	"newsflow-trader/internal/store"
	"newsflow-trader/pkg/types"
)

// fakeGateway implements Gateway with local candle series and records the
// interest and order-binding calls the runtime makes.
type fakeGateway struct {
	mu       sync.Mutex
	series   map[string]*market.Series
	denied   map[string]bool
	bound    map[string]string
	released []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		series: make(map[string]*market.Series),
		denied: make(map[string]bool),
		bound:  make(map[string]string),
	}
}

func (g *fakeGateway) AcquireInterest(strategyID, ticker string, prio quotes.Priority) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[ticker] {
		return false
	}
	if _, ok := g.series[ticker]; !ok {
		g.series[ticker] = market.NewSeries(ticker)
	}
	return true
}

func (g *fakeGateway) ReleaseInterest(strategyID, ticker string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, ticker)
	delete(g.series, ticker)
}

func (g *fakeGateway) BindOrder(orderID, strategyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bound[orderID] = strategyID
}

func (g *fakeGateway) Candles(ticker string) *market.Series {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.series[ticker]
}

func (g *fakeGateway) releasedTickers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.released))
	copy(out, g.released)
	return out
}

var testClock = time.Date(2025, 12, 18, 14, 30, 5, 0, time.UTC) // 09:30:05 ET

func testStrategyConfig() types.StrategyConfig {
	return types.StrategyConfig{
		ID:       "momo",
		Name:     "Momentum",
		Enabled:  true,
		Priority: 1,
		Entry: types.EntryConfig{
			ConsecGreenCandles: 1,
			MinCandleVolume:    1000,
			EntryWindowMin:     5,
		},
		Exit: types.ExitConfig{
			TakeProfitPct: 10,
			StopLossPct:   5,
			TimeoutMin:    30,
		},
		Sizing: types.SizingConfig{Mode: types.SizingVolumePct, VolumePct: 2, MaxStake: 10000},
	}
}

func newTestRuntime(t *testing.T, cfg types.StrategyConfig) (*Runtime, *store.Memory, *broker.Paper, *fakeGateway) {
	t.Helper()
	st := store.NewMemory()
	bk := broker.NewPaper(100000)
	gw := newFakeGateway()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, gw, st, bk, time.Second, logger)
	r.now = func() time.Time { return testClock }
	return r, st, bk, gw
}

// acceptAlert pushes one alert through the filter path and returns the
// pending entry's trade ID and its trace ID.
func acceptAlert(t *testing.T, r *Runtime, st *store.Memory, ticker string) (string, string) {
	t.Helper()
	ctx := context.Background()
	ann := types.Announcement{Ticker: ticker, Timestamp: testClock, Headline: "news", Source: types.SourceLive}
	traceID := uuid.New().String()
	if err := st.CreateTrace(ctx, traceID, &ann, types.TraceReceived, types.EvAlertReceived, "live"); err != nil {
		t.Fatal(err)
	}
	if !r.handleAlert(ctx, ann, traceID) {
		t.Fatalf("alert for %s not accepted", ticker)
	}
	for id, pe := range r.pendingEntries {
		if pe.Ticker == ticker {
			return id, traceID
		}
	}
	t.Fatalf("no pending entry for %s", ticker)
	return "", ""
}

// feedQuote applies a tick to the shared series and delivers it, matching
// the engine's apply-then-fanout order.
func feedQuote(r *Runtime, gw *fakeGateway, ticker string, price float64, vol int64, at time.Time) {
	q := types.Quote{Ticker: ticker, Price: price, Volume: vol, Time: at}
	if s := gw.Candles(ticker); s != nil {
		s.Apply(q)
	}
	r.handleQuote(context.Background(), q)
}

func takeFill(t *testing.T, bk *broker.Paper) types.FillEvent {
	t.Helper()
	select {
	case f := <-bk.Updates():
		return f
	case <-time.After(time.Second):
		t.Fatal("no fill event")
		return types.FillEvent{}
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTakeProfitRoundTrip(t *testing.T) {
	t.Parallel()
	r, st, bk, gw := newTestRuntime(t, testStrategyConfig())
	ctx := context.Background()

	tradeID, traceID := acceptAlert(t, r, st, "AAPL")

	// One completed green candle with 1100 shares, finalized by the first
	// tick of the next minute.
	m0 := testClock.Truncate(time.Minute)
	series := gw.Candles("AAPL")
	series.Apply(types.Quote{Ticker: "AAPL", Price: 5.00, Volume: 500, Time: m0.Add(10 * time.Second)})
	series.Apply(types.Quote{Ticker: "AAPL", Price: 5.10, Volume: 600, Time: m0.Add(30 * time.Second)})

	feedQuote(r, gw, "AAPL", 5.16, 100, m0.Add(65*time.Second))

	if len(r.pendingOrders) != 1 {
		t.Fatalf("pending orders = %d, want 1 buy in flight", len(r.pendingOrders))
	}
	buyFill := takeFill(t, bk)
	if buyFill.FilledShares != 22 {
		t.Fatalf("filled shares = %d, want floor(1100*0.02) = 22", buyFill.FilledShares)
	}
	r.handleFill(ctx, buyFill)

	at, ok := r.activeTrades[tradeID]
	if !ok {
		t.Fatal("no active trade after buy fill")
	}
	if !approx(at.EntryPrice, 5.16) {
		t.Errorf("entry price = %v, want 5.16", at.EntryPrice)
	}
	if !approx(at.TakeProfitPrice, 5.676) {
		t.Errorf("take profit = %v, want 5.16*1.10 = 5.676", at.TakeProfitPrice)
	}
	if !approx(at.StopLossPrice, 4.902) {
		t.Errorf("stop loss = %v, want 5.16*0.95 = 4.902", at.StopLossPrice)
	}

	// Tick through the target: sell at the take-profit limit.
	feedQuote(r, gw, "AAPL", 5.68, 50, m0.Add(90*time.Second))
	sellFill := takeFill(t, bk)
	r.handleFill(ctx, sellFill)

	done := st.CompletedTrades()
	if len(done) != 1 {
		t.Fatalf("completed trades = %d, want 1", len(done))
	}
	ct := done[0]
	if ct.TradeID != tradeID {
		t.Errorf("trade ID chain broken: %s != %s", ct.TradeID, tradeID)
	}
	if ct.ExitReason != types.ExitTakeProfit {
		t.Errorf("exit reason = %q, want take_profit", ct.ExitReason)
	}
	if !approx(ct.ExitPrice, 5.676) {
		t.Errorf("exit price = %v, want 5.676", ct.ExitPrice)
	}
	if math.Abs(ct.ReturnPct-10) > 1e-6 {
		t.Errorf("return pct = %v, want 10", ct.ReturnPct)
	}
	if !ct.Paper {
		t.Error("paper flag not set")
	}

	if st.TraceStatuses()[traceID] != types.TraceCompleted {
		t.Errorf("trace status = %q, want completed", st.TraceStatuses()[traceID])
	}
	wantEvents := []types.TraceEventKind{
		types.EvAlertReceived, types.EvPendingEntry, types.EvBuySubmitted,
		types.EvBuyFilled, types.EvActiveTradeCreated, types.EvSellSubmitted, types.EvTradeCompleted,
	}
	kinds := st.TraceEventKinds(traceID)
	if len(kinds) != len(wantEvents) {
		t.Fatalf("trace events = %v, want %v", kinds, wantEvents)
	}
	for i := range wantEvents {
		if kinds[i] != wantEvents[i] {
			t.Errorf("trace event %d = %q, want %q", i, kinds[i], wantEvents[i])
		}
	}

	// The round trip released the quote slot.
	released := gw.releasedTickers()
	if len(released) != 1 || released[0] != "AAPL" {
		t.Errorf("released = %v, want [AAPL]", released)
	}
}

func TestEarlyEntryOnBuildingCandle(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)

	acceptAlert(t, r, st, "BCDA")

	m0 := testClock.Truncate(time.Minute)
	// Building candle turns green with volume past the threshold before the
	// minute closes: entry fires without waiting for completion.
	feedQuote(r, gw, "BCDA", 2.00, 600, m0.Add(5*time.Second))
	feedQuote(r, gw, "BCDA", 1.98, 500, m0.Add(10*time.Second))
	if len(r.pendingOrders) != 0 {
		t.Fatal("entered on a red building candle")
	}
	feedQuote(r, gw, "BCDA", 2.05, 50, m0.Add(20*time.Second))
	if len(r.pendingOrders) != 1 {
		t.Fatalf("pending orders = %d, want 1 after early entry", len(r.pendingOrders))
	}
	if f := takeFill(t, bk); f.FilledShares != 487 {
		t.Errorf("shares = %d, want floor(1000/2.05) = 487", f.FilledShares)
	}
}

func TestEntryWindowStrictlyGreaterThan(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 3 // never satisfied here
	r, st, _, gw := newTestRuntime(t, cfg)

	tradeID, traceID := acceptAlert(t, r, st, "AAPL")
	alertTime := r.pendingEntries[tradeID].AlertTime

	// Exactly at the window boundary the entry is still live.
	feedQuote(r, gw, "AAPL", 5.00, 100, alertTime.Add(5*time.Minute))
	if _, ok := r.pendingEntries[tradeID]; !ok {
		t.Fatal("entry abandoned at the exact window boundary")
	}

	feedQuote(r, gw, "AAPL", 5.00, 100, alertTime.Add(5*time.Minute+time.Second))
	if _, ok := r.pendingEntries[tradeID]; ok {
		t.Fatal("entry not abandoned past the window")
	}
	if st.TraceStatuses()[traceID] != types.TraceEntryTimeout {
		t.Errorf("trace status = %q, want entry_timeout", st.TraceStatuses()[traceID])
	}
	if entries, _ := st.ListPendingEntries(context.Background(), "momo"); len(entries) != 0 {
		t.Errorf("durable pending entries = %d, want 0", len(entries))
	}
}

func TestStopLossFromOpen(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Exit.StopLossFromOpen = true
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, _ := acceptAlert(t, r, st, "XYZQ")

	// First post-alert quote is both the first price and the entry trigger.
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "XYZQ", 10.00, 500, m0.Add(10*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	at := r.activeTrades[tradeID]
	if at == nil {
		t.Fatal("no active trade")
	}
	if !approx(at.StopLossPrice, 9.50) {
		t.Errorf("stop = %v, want 10.00*0.95 = 9.50 anchored to the first price", at.StopLossPrice)
	}

	// Rally, then a fade through the stop.
	feedQuote(r, gw, "XYZQ", 10.50, 100, m0.Add(20*time.Second))
	if len(r.pendingOrders) != 0 {
		t.Fatal("sell submitted above the stop")
	}
	feedQuote(r, gw, "XYZQ", 9.49, 100, m0.Add(30*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	done := st.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != types.ExitStopLoss {
		t.Fatalf("completed = %+v, want one stop_loss exit", done)
	}
	// The sell is submitted at the stop level, not the trigger tick.
	if !approx(done[0].ExitPrice, 9.50) {
		t.Errorf("exit price = %v, want stop level 9.50", done[0].ExitPrice)
	}
}

func TestStopFromOpenClampedToEntryPrice(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Exit.StopLossFromOpen = true
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)

	tradeID, _ := acceptAlert(t, r, st, "XYZQ")

	// Price faded below the from-open stop before entry: the stop must not
	// sit above the entry price.
	pe := r.pendingEntries[tradeID]
	pe.FirstPrice = 10.00
	pe.FirstPriceSet = true

	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "XYZQ", 9.00, 500, m0.Add(10*time.Second))
	r.handleFill(context.Background(), takeFill(t, bk))

	at := r.activeTrades[tradeID]
	if at == nil {
		t.Fatal("no active trade")
	}
	if !approx(at.StopLossPrice, 8.55) {
		t.Errorf("stop = %v, want 9.00*0.95 = 8.55 (from-open stop above entry discarded)", at.StopLossPrice)
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Exit = types.ExitConfig{TakeProfitPct: 50, StopLossPct: 20, TrailingStopPct: 3, TimeoutMin: 120}
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, _ := acceptAlert(t, r, st, "TRAIL")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "TRAIL", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	feedQuote(r, gw, "TRAIL", 5.50, 100, m0.Add(10*time.Second))
	feedQuote(r, gw, "TRAIL", 6.00, 100, m0.Add(15*time.Second))

	// The high-water mark persists on each ratchet.
	durable, _ := st.ListActiveTrades(ctx, "momo")
	if len(durable) != 1 || !approx(durable[0].HighestSinceEntry, 6.00) {
		t.Fatalf("durable highest = %+v, want 6.00", durable)
	}

	// 5.80 is through the 6.00 * 0.97 = 5.82 trail.
	feedQuote(r, gw, "TRAIL", 5.80, 100, m0.Add(20*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	done := st.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != types.ExitTrailingStop {
		t.Fatalf("completed = %+v, want one trailing_stop exit", done)
	}
	if !approx(done[0].ExitPrice, 5.82) {
		t.Errorf("exit price = %v, want 5.82", done[0].ExitPrice)
	}
	if done[0].TradeID != tradeID {
		t.Errorf("trade ID chain broken")
	}
}

func TestTimeoutExitInclusive(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Exit = types.ExitConfig{TakeProfitPct: 50, StopLossPct: 50, TimeoutMin: 30}
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, _ := acceptAlert(t, r, st, "SLOW")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "SLOW", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	entry := m0.Add(5 * time.Second)
	r.activeTrades[tradeID].EntryTime = entry

	feedQuote(r, gw, "SLOW", 5.01, 10, entry.Add(30*time.Minute-time.Second))
	if len(r.pendingOrders) != 0 {
		t.Fatal("timed out before the deadline")
	}
	// Holding time >= timeout exits at the current price.
	feedQuote(r, gw, "SLOW", 5.01, 10, entry.Add(30*time.Minute))
	r.handleFill(ctx, takeFill(t, bk))

	done := st.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != types.ExitTimeout {
		t.Fatalf("completed = %+v, want one timeout exit", done)
	}
	if !approx(done[0].ExitPrice, 5.01) {
		t.Errorf("exit price = %v, want last quote 5.01", done[0].ExitPrice)
	}
}

func TestSellIdempotentPerTrade(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, _ := acceptAlert(t, r, st, "DUPE")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "DUPE", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	// First take-profit tick submits the sell.
	feedQuote(r, gw, "DUPE", 5.60, 100, m0.Add(10*time.Second))
	ordersAfterFirst := len(st.Orders())

	// A second trigger before the fill arrives must not submit again. The
	// trade already moved out of activeTrades, so this exercises the
	// in-flight sell scan directly.
	restored := &types.ActiveTrade{TradeID: tradeID, Ticker: "DUPE", StrategyID: "momo", EntryPrice: 5.00, Shares: 200, TakeProfitPrice: 5.50, StopLossPrice: 4.75}
	r.submitSell(ctx, restored, types.ExitTakeProfit, 5.50)
	if got := len(st.Orders()); got != ordersAfterFirst {
		t.Errorf("orders = %d, want %d (no duplicate sell)", got, ordersAfterFirst)
	}
}

func TestSellFailuresLatchManualExit(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, _ := acceptAlert(t, r, st, "STUCK")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "STUCK", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	bk.FailSells = 3
	for i := 0; i < 3; i++ {
		feedQuote(r, gw, "STUCK", 5.60, 10, m0.Add(time.Duration(10+i)*time.Second))
	}

	at := r.activeTrades[tradeID]
	if at == nil {
		t.Fatal("active trade lost")
	}
	if at.SellAttempts != 3 {
		t.Errorf("sell attempts = %d, want 3", at.SellAttempts)
	}
	if !at.NeedsManualExit {
		t.Error("manual exit not latched after exhausting attempts")
	}

	// Further triggers are ignored until an operator steps in.
	feedQuote(r, gw, "STUCK", 5.70, 10, m0.Add(20*time.Second))
	for _, po := range r.pendingOrders {
		if po.Side == types.SideSell {
			t.Error("sell submitted despite manual-exit latch")
		}
	}

	durable, _ := st.ListActiveTrades(ctx, "momo")
	if len(durable) != 1 || !durable[0].NeedsManualExit {
		t.Errorf("durable trade = %+v, want NeedsManualExit", durable)
	}
}

func TestGhostPositionOnSellReject(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	tradeID, traceID := acceptAlert(t, r, st, "GONE")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "GONE", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	// The position disappeared out of band: the sell rejects and the
	// verification read confirms the broker is flat.
	bk.RejectSellsNotFound = true
	bk.SetPosition("GONE", 0, 0)
	feedQuote(r, gw, "GONE", 5.60, 10, m0.Add(10*time.Second))

	if _, ok := r.activeTrades[tradeID]; ok {
		t.Fatal("ghost trade still active")
	}
	done := st.CompletedTrades()
	if len(done) != 1 {
		t.Fatalf("completed trades = %d, want 1", len(done))
	}
	ct := done[0]
	if ct.ExitReason != types.ExitPositionNotFound {
		t.Errorf("exit reason = %q, want position_not_found", ct.ExitReason)
	}
	if !approx(ct.ExitPrice, ct.EntryPrice) || !approx(ct.PnL, 0) {
		t.Errorf("ghost close must book zero P&L, got exit=%v entry=%v pnl=%v", ct.ExitPrice, ct.EntryPrice, ct.PnL)
	}
	if st.TraceStatuses()[traceID] != types.TraceCompleted {
		t.Errorf("trace status = %q, want completed", st.TraceStatuses()[traceID])
	}
}

func TestReconcileRemovesGhosts(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "HELD")
	acceptAlert(t, r, st, "GONE")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "HELD", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))
	feedQuote(r, gw, "GONE", 3.00, 500, m0.Add(6*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	// GONE is missing from a snapshot fetched after both entries.
	r.handleReconcile(ctx, ReconcileSnapshot{
		Positions: map[string]types.Position{"HELD": {Ticker: "HELD", Shares: 200, AvgPrice: 5.00}},
		At:        time.Now().UTC().Add(time.Second),
	})

	if len(r.activeTrades) != 1 {
		t.Fatalf("active trades = %d, want 1", len(r.activeTrades))
	}
	done := st.CompletedTrades()
	if len(done) != 1 || done[0].Ticker != "GONE" || done[0].ExitReason != types.ExitPositionNotFound {
		t.Errorf("completed = %+v, want GONE ghost", done)
	}
}

func TestReconcileExpiresStaleEntries(t *testing.T) {
	t.Parallel()
	r, st, _, _ := newTestRuntime(t, testStrategyConfig())
	ctx := context.Background()

	tradeID, traceID := acceptAlert(t, r, st, "IDLE")

	// Inside the window: nothing happens.
	r.handleReconcile(ctx, ReconcileSnapshot{At: testClock.Add(4 * time.Minute)})
	if _, ok := r.pendingEntries[tradeID]; !ok {
		t.Fatal("entry expired inside the window")
	}

	// A tickerless entry never sees quotes; reconcile runs the window check.
	r.handleReconcile(ctx, ReconcileSnapshot{At: testClock.Add(6 * time.Minute)})
	if _, ok := r.pendingEntries[tradeID]; ok {
		t.Fatal("stale entry not expired by reconcile")
	}
	if st.TraceStatuses()[traceID] != types.TraceEntryTimeout {
		t.Errorf("trace status = %q, want entry_timeout", st.TraceStatuses()[traceID])
	}
}

func TestSubscriptionLimitRejectsAlert(t *testing.T) {
	t.Parallel()
	r, st, _, gw := newTestRuntime(t, testStrategyConfig())
	ctx := context.Background()

	gw.denied["FULL"] = true
	ann := types.Announcement{Ticker: "FULL", Timestamp: testClock, Source: types.SourceLive}
	traceID := uuid.New().String()
	if err := st.CreateTrace(ctx, traceID, &ann, types.TraceReceived, types.EvAlertReceived, "live"); err != nil {
		t.Fatal(err)
	}
	if r.handleAlert(ctx, ann, traceID) {
		t.Fatal("alert accepted with no quote slot")
	}
	if st.TraceStatuses()[traceID] != types.TraceFiltered {
		t.Errorf("trace status = %q, want filtered", st.TraceStatuses()[traceID])
	}
	kinds := st.TraceEventKinds(traceID)
	if len(kinds) != 2 || kinds[1] != types.EvFilterRejected {
		t.Errorf("trace events = %v, want filter_rejected", kinds)
	}
}

func TestHaltedTickerRejected(t *testing.T) {
	t.Parallel()
	r, st, bk, _ := newTestRuntime(t, testStrategyConfig())
	ctx := context.Background()

	bk.Halted["HALT"] = true
	ann := types.Announcement{Ticker: "HALT", Timestamp: testClock, Source: types.SourceLive}
	traceID := uuid.New().String()
	if err := st.CreateTrace(ctx, traceID, &ann, types.TraceReceived, types.EvAlertReceived, "live"); err != nil {
		t.Fatal(err)
	}
	if r.handleAlert(ctx, ann, traceID) {
		t.Fatal("halted ticker accepted")
	}
	if st.TraceStatuses()[traceID] != types.TraceFiltered {
		t.Errorf("trace status = %q, want filtered", st.TraceStatuses()[traceID])
	}
}

func TestBackfillSkipsTradeabilityProbe(t *testing.T) {
	t.Parallel()
	r, st, bk, _ := newTestRuntime(t, testStrategyConfig())
	ctx := context.Background()

	// Halted at the broker, but backfill replays ignore the live probe.
	bk.Halted["HALT"] = true
	ann := types.Announcement{Ticker: "HALT", Timestamp: testClock, Source: types.SourceBackfill}
	traceID := uuid.New().String()
	if err := st.CreateTrace(ctx, traceID, &ann, types.TraceReceived, types.EvAlertReceived, "backfill"); err != nil {
		t.Fatal(err)
	}
	if !r.handleAlert(ctx, ann, traceID) {
		t.Fatal("backfill alert rejected by tradeability probe")
	}
}

func TestDisableFlattensEverything(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "OPEN")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "OPEN", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))
	acceptAlert(t, r, st, "WAIT")

	if err := r.handleDisable(ctx); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(r.pendingEntries) != 0 {
		t.Errorf("pending entries = %d, want 0", len(r.pendingEntries))
	}
	if len(r.activeTrades) != 0 {
		t.Errorf("active trades = %d, want 0 (sell in flight)", len(r.activeTrades))
	}

	r.handleFill(ctx, takeFill(t, bk))
	done := st.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != types.ExitStrategyDisabled {
		t.Fatalf("completed = %+v, want one strategy_disabled exit", done)
	}
}

func TestRecoverReloadsDurableState(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	st := store.NewMemory()
	bk := broker.NewPaper(100000)
	ctx := context.Background()

	at := types.ActiveTrade{
		TradeID: "t-1", Ticker: "HELD", StrategyID: cfg.ID,
		EntryPrice: 5.00, EntryTime: testClock, Shares: 100,
		StopLossPrice: 4.75, TakeProfitPrice: 5.50, HighestSinceEntry: 5.10,
	}
	if err := st.CreateActiveTrade(ctx, at, "bo-1", ""); err != nil {
		t.Fatal(err)
	}
	pe := types.PendingEntry{TradeID: "t-2", Ticker: "WAIT", StrategyID: cfg.ID, AlertTime: testClock}
	if err := st.CreatePendingEntry(ctx, pe); err != nil {
		t.Fatal(err)
	}
	bk.SetPosition("HELD", 100, 5.00)

	gw := newFakeGateway()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, gw, st, bk, time.Second, logger)
	r.now = func() time.Time { return testClock }
	if err := r.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if len(r.activeTrades) != 1 || r.activeTrades["t-1"] == nil {
		t.Fatalf("active trades = %v", r.activeTrades)
	}
	if len(r.pendingEntries) != 1 || r.pendingEntries["t-2"] == nil {
		t.Fatalf("pending entries = %v", r.pendingEntries)
	}
	// Both tickers were re-subscribed.
	if gw.Candles("HELD") == nil || gw.Candles("WAIT") == nil {
		t.Error("recovered tickers not re-subscribed")
	}

	// The recovered trade still exits normally; recovered records have no
	// trace, which must not break the path.
	feedQuote(r, gw, "HELD", 5.60, 10, testClock.Add(time.Minute))
	r.handleFill(ctx, takeFill(t, bk))
	done := st.CompletedTrades()
	if len(done) != 1 || done[0].ExitReason != types.ExitTakeProfit {
		t.Fatalf("completed = %+v, want take_profit from recovered trade", done)
	}
}

func TestBuyFillAfterRejectedSizing(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	// Volume-pct with no candle history sizes to zero: entry aborts.
	cfg.Sizing = types.SizingConfig{Mode: types.SizingVolumePct, VolumePct: 2, MaxStake: 10000}
	r, st, _, gw := newTestRuntime(t, cfg)

	tradeID, traceID := acceptAlert(t, r, st, "THIN")
	m0 := testClock.Truncate(time.Minute)
	// The quote lands exactly on the minute: zero elapsed, no reference volume.
	feedQuote(r, gw, "THIN", 5.00, 100, m0)

	if _, ok := r.pendingEntries[tradeID]; ok {
		t.Fatal("aborted entry still pending")
	}
	if len(r.pendingOrders) != 0 {
		t.Fatal("order submitted with zero shares")
	}
	if st.TraceStatuses()[traceID] != types.TraceError {
		t.Errorf("trace status = %q, want error", st.TraceStatuses()[traceID])
	}
}

func TestSingleActiveTradePerTicker(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "AAPL")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "AAPL", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))
	if len(r.activeTrades) != 1 {
		t.Fatalf("active trades = %d, want 1", len(r.activeTrades))
	}

	// A second alert on the held ticker may pend but must not enter.
	tradeID2, _ := acceptAlert(t, r, st, "AAPL")
	feedQuote(r, gw, "AAPL", 5.02, 400, m0.Add(8*time.Second))

	if len(r.pendingOrders) != 0 {
		t.Fatalf("pending orders = %d, want no second buy", len(r.pendingOrders))
	}
	if len(r.activeTrades) != 1 {
		t.Fatalf("active trades = %d, want 1", len(r.activeTrades))
	}
	if _, ok := r.pendingEntries[tradeID2]; !ok {
		t.Fatal("held entry dropped instead of waiting")
	}
	actives, err := st.ListActiveTrades(ctx, "momo")
	if err != nil {
		t.Fatal(err)
	}
	if len(actives) != 1 {
		t.Fatalf("durable active trades = %d, want 1", len(actives))
	}
}

func TestEntryHeldWhileBuyInFlight(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, _, gw := newTestRuntime(t, cfg)

	acceptAlert(t, r, st, "AAPL")
	m0 := testClock.Truncate(time.Minute)
	// The buy is submitted but its fill has not been processed yet.
	feedQuote(r, gw, "AAPL", 5.00, 500, m0.Add(5*time.Second))
	if len(r.pendingOrders) != 1 {
		t.Fatalf("pending orders = %d, want 1", len(r.pendingOrders))
	}

	acceptAlert(t, r, st, "AAPL")
	feedQuote(r, gw, "AAPL", 5.02, 400, m0.Add(6*time.Second))
	if len(r.pendingOrders) != 1 {
		t.Fatalf("pending orders = %d, want the in-flight buy to block a second", len(r.pendingOrders))
	}
}

func TestBuyFillNotRegisteredWhenStoreRefuses(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "AAPL")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "AAPL", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	// A stray second buy fill on the held ticker: the store's unique key
	// refuses the row, so the trade must not survive in memory either.
	po := &types.PendingOrder{
		OrderID: "stray-1", TradeID: "stray-trade", Ticker: "AAPL",
		StrategyID: "momo", Side: types.SideBuy, Shares: 10, LimitPrice: 5.00,
	}
	r.pendingOrders[po.OrderID] = po
	r.handleFill(ctx, types.FillEvent{
		OrderID: "stray-1", Kind: types.FillFilled, FilledShares: 10, FillPrice: 5.00, Time: testClock,
	})

	if _, ok := r.activeTrades["stray-trade"]; ok {
		t.Fatal("refused trade registered in memory")
	}
	if len(r.activeTrades) != 1 {
		t.Fatalf("active trades = %d, want 1", len(r.activeTrades))
	}
	actives, err := st.ListActiveTrades(ctx, "momo")
	if err != nil {
		t.Fatal(err)
	}
	if len(actives) != 1 {
		t.Fatalf("durable active trades = %d, want 1", len(actives))
	}
}

func TestDisableSkipsManualExitTrade(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "OK")
	acceptAlert(t, r, st, "MAN")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "OK", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))
	feedQuote(r, gw, "MAN", 3.00, 500, m0.Add(6*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	var manID string
	for id, at := range r.activeTrades {
		if at.Ticker == "MAN" {
			at.NeedsManualExit = true
			manID = id
		}
	}

	if err := r.handleDisable(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.activeTrades[manID]; !ok {
		t.Fatal("manual-exit trade auto-sold on disable")
	}
	if len(r.activeTrades) != 1 {
		t.Fatalf("active trades = %d, want only the manual-exit one left", len(r.activeTrades))
	}
	for _, po := range r.pendingOrders {
		if po.Ticker == "MAN" {
			t.Fatal("sell submitted for manual-exit trade")
		}
	}
}

func TestReconcileSparesTradesNewerThanSnapshot(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.Entry.ConsecGreenCandles = 0
	cfg.Sizing = types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}
	r, st, bk, gw := newTestRuntime(t, cfg)
	ctx := context.Background()

	acceptAlert(t, r, st, "NEW")
	m0 := testClock.Truncate(time.Minute)
	feedQuote(r, gw, "NEW", 5.00, 500, m0.Add(5*time.Second))
	r.handleFill(ctx, takeFill(t, bk))

	var entryTime time.Time
	for _, at := range r.activeTrades {
		entryTime = at.EntryTime
	}

	// A snapshot fetched before the entry legitimately lacks the
	// position; the trade must not be ghosted.
	r.handleReconcile(ctx, ReconcileSnapshot{At: entryTime.Add(-time.Second)})
	if len(r.activeTrades) != 1 {
		t.Fatal("fresh trade ghosted against a snapshot older than its entry")
	}
	if len(st.CompletedTrades()) != 0 {
		t.Fatalf("completed = %+v, want none", st.CompletedTrades())
	}

	// A later snapshot that still lacks the position is a real ghost.
	r.handleReconcile(ctx, ReconcileSnapshot{At: entryTime.Add(time.Minute)})
	if len(r.activeTrades) != 0 {
		t.Fatal("confirmed ghost not removed")
	}
}
