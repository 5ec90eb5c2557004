// Package strategy implements the per-strategy position lifecycle: alert
// filtering, pending entries, the consecutive-green-candle entry trigger,
// position sizing, and take-profit / stop-loss / trailing-stop / timeout
// exits.
//
// Each Runtime owns its maps exclusively from a single goroutine; the
// engine talks to it through OnAlert / OnQuote / OnFill / Reconcile, which
// enqueue onto the runtime's event loop. Quote delivery coalesces under
// backpressure (candles are built upstream, so dropped intermediate ticks
// only delay exit evaluation by one tick).
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"newsflow-trader/internal/broker"
	"newsflow-trader/internal/market"
	"newsflow-trader/internal/metrics"
	"newsflow-trader/internal/quotes"
	"newsflow-trader/internal/store"
	"newsflow-trader/pkg/types"
)

const (
	quoteQueueSize  = 64
	eventQueueSize  = 64
	maxSellAttempts = 3
)

// Gateway is the engine surface a runtime needs: shared candle state,
// ticker interest registration (which drives quote subscriptions and
// fanout), and fill routing by broker order ID.
type Gateway interface {
	AcquireInterest(strategyID, ticker string, prio quotes.Priority) bool
	ReleaseInterest(strategyID, ticker string)
	BindOrder(orderID, strategyID string)
	Candles(ticker string) *market.Series
}

// Snapshot is a point-in-time copy of a runtime's state for the status
// endpoint.
type Snapshot struct {
	StrategyID     string              `json:"strategy_id"`
	Name           string              `json:"name"`
	PendingEntries []types.PendingEntry `json:"pending_entries"`
	ActiveTrades   []types.ActiveTrade  `json:"active_trades"`
	PendingOrders  int                  `json:"pending_orders"`
}

// ReconcileSnapshot is the broker state the engine fetches once per
// reconcile tick and fans out to every runtime.
type ReconcileSnapshot struct {
	Positions  map[string]types.Position
	OpenOrders []types.OpenOrder
	At         time.Time
}

// Runtime runs one enabled strategy.
type Runtime struct {
	cfg           types.StrategyConfig
	gw            Gateway
	store         store.Store
	broker        broker.Broker
	logger        *slog.Logger
	brokerTimeout time.Duration
	nyLoc         *time.Location

	quoteCh chan types.Quote
	eventCh chan any
	done    chan struct{}

	// Owned exclusively by the run loop.
	pendingEntries map[string]*types.PendingEntry // trade_id
	activeTrades   map[string]*types.ActiveTrade  // trade_id
	pendingOrders  map[string]*types.PendingOrder // broker order_id
	traceByTrade   map[string]string              // trade_id -> trace_id

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

type alertEvent struct {
	ann     types.Announcement
	traceID string
	reply   chan bool
}

type fillEvent struct {
	fill types.FillEvent
}

type reconcileEvent struct {
	snap ReconcileSnapshot
}

type disableEvent struct {
	reply chan error
}

type exitAllEvent struct {
	reply chan error
}

type snapshotEvent struct {
	reply chan Snapshot
}

// New creates a runtime. Recover must run before Run when resuming from
// durable state.
func New(cfg types.StrategyConfig, gw Gateway, st store.Store, bk broker.Broker, brokerTimeout time.Duration, logger *slog.Logger) *Runtime {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Runtime{
		cfg:            cfg,
		gw:             gw,
		store:          st,
		broker:         bk,
		logger:         logger.With("component", "strategy", "strategy", cfg.ID),
		brokerTimeout:  brokerTimeout,
		nyLoc:          loc,
		quoteCh:        make(chan types.Quote, quoteQueueSize),
		eventCh:        make(chan any, eventQueueSize),
		done:           make(chan struct{}),
		pendingEntries: make(map[string]*types.PendingEntry),
		activeTrades:   make(map[string]*types.ActiveTrade),
		pendingOrders:  make(map[string]*types.PendingOrder),
		traceByTrade:   make(map[string]string),
		now:            time.Now,
	}
}

// ID returns the strategy identifier.
func (r *Runtime) ID() string { return r.cfg.ID }

// Config returns the strategy configuration.
func (r *Runtime) Config() types.StrategyConfig { return r.cfg }

// Recover loads durable state before the run loop starts. Active-trade
// tickers are re-subscribed at active priority; denied tickers keep their
// trade loaded but get no live updates, which is surfaced as a warning.
// Broker positions are compared but never auto-deleted here: the
// reconcile loop handles confirmed ghosts.
func (r *Runtime) Recover(ctx context.Context) error {
	actives, err := r.store.ListActiveTrades(ctx, r.cfg.ID)
	if err != nil {
		return fmt.Errorf("load active trades: %w", err)
	}
	for i := range actives {
		at := actives[i]
		r.activeTrades[at.TradeID] = &at
		if !r.gw.AcquireInterest(r.cfg.ID, at.Ticker, quotes.PriorityActive) {
			r.logger.Warn("recovered trade has no quote slot", "ticker", at.Ticker, "trade_id", at.TradeID)
		}
	}

	entries, err := r.store.ListPendingEntries(ctx, r.cfg.ID)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}
	for i := range entries {
		pe := entries[i]
		r.pendingEntries[pe.TradeID] = &pe
		r.gw.AcquireInterest(r.cfg.ID, pe.Ticker, quotes.PriorityPending)
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
	defer cancel()
	positions, err := r.broker.GetPositions(bctx)
	if err != nil {
		r.logger.Warn("recovery position check failed", "error", err)
		return nil
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Ticker] = true
	}
	for _, at := range r.activeTrades {
		if !held[at.Ticker] {
			r.logger.Warn("recovered trade not confirmed by broker", "ticker", at.Ticker, "trade_id", at.TradeID)
		}
	}
	r.logger.Info("recovered", "active_trades", len(r.activeTrades), "pending_entries", len(r.pendingEntries))
	return nil
}

// Run is the runtime's event loop. Blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-r.quoteCh:
			r.handleQuote(ctx, q)
		case ev := <-r.eventCh:
			switch e := ev.(type) {
			case alertEvent:
				e.reply <- r.handleAlert(ctx, e.ann, e.traceID)
			case fillEvent:
				r.handleFill(ctx, e.fill)
			case reconcileEvent:
				r.handleReconcile(ctx, e.snap)
			case disableEvent:
				e.reply <- r.handleDisable(ctx)
			case exitAllEvent:
				e.reply <- r.handleExitAll(ctx)
			case snapshotEvent:
				e.reply <- r.snapshotLocked()
			}
		}
	}
}

// OnAlert evaluates one alert synchronously: the engine processes alerts
// strictly in order, so this blocks until the runtime has decided.
func (r *Runtime) OnAlert(ctx context.Context, ann types.Announcement, traceID string) bool {
	ev := alertEvent{ann: ann, traceID: traceID, reply: make(chan bool, 1)}
	select {
	case r.eventCh <- ev:
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case accepted := <-ev.reply:
		return accepted
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// OnQuote delivers one tick without blocking the fanout path. When the
// queue is full the oldest tick is dropped: candles are built before
// fanout, so coalescing only affects how promptly exits are evaluated.
func (r *Runtime) OnQuote(q types.Quote) {
	select {
	case r.quoteCh <- q:
		return
	default:
	}
	select {
	case <-r.quoteCh:
	default:
	}
	select {
	case r.quoteCh <- q:
	default:
	}
}

// OnFill routes one broker trade update to the runtime.
func (r *Runtime) OnFill(f types.FillEvent) {
	select {
	case r.eventCh <- fillEvent{fill: f}:
	case <-r.done:
	}
}

// Reconcile hands the runtime the latest broker snapshot.
func (r *Runtime) Reconcile(snap ReconcileSnapshot) {
	select {
	case r.eventCh <- reconcileEvent{snap: snap}:
	case <-r.done:
	}
}

// Disable tears the strategy down: pending entries are deleted, every
// active trade gets a sell submitted, and all quote interest is released.
// Returns once all sells are at least submitted.
func (r *Runtime) Disable(ctx context.Context) error {
	ev := disableEvent{reply: make(chan error, 1)}
	select {
	case r.eventCh <- ev:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitAll submits a sell for every active trade at its last seen price.
func (r *Runtime) ExitAll(ctx context.Context) error {
	ev := exitAllEvent{reply: make(chan error, 1)}
	select {
	case r.eventCh <- ev:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the runtime's state for the status endpoint.
func (r *Runtime) Snapshot(ctx context.Context) (Snapshot, error) {
	ev := snapshotEvent{reply: make(chan Snapshot, 1)}
	select {
	case r.eventCh <- ev:
	case <-r.done:
		return Snapshot{}, fmt.Errorf("strategy %s stopped", r.cfg.ID)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-ev.reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// --- alert path ---

func (r *Runtime) handleAlert(ctx context.Context, ann types.Announcement, traceID string) bool {
	if reason, ok := r.checkFilters(ctx, ann); !ok {
		r.traceEvent(ctx, traceID, types.EvFilterRejected, reason)
		r.setTraceStatus(ctx, traceID, types.TraceFiltered, store.TraceRefs{})
		return false
	}

	// Backfill alerts replay through the same pipeline but skip the
	// live tradeability probe.
	if ann.Source != types.SourceBackfill {
		bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
		tradeable, reason, err := r.broker.IsTradeable(bctx, ann.Ticker)
		cancel()
		if err != nil {
			r.logger.Warn("tradeability check failed", "ticker", ann.Ticker, "error", err)
			r.traceEvent(ctx, traceID, types.EvError, fmt.Sprintf("tradeability check: %v", err))
			return false
		}
		if !tradeable {
			r.traceEvent(ctx, traceID, types.EvFilterRejected, "not_tradeable: "+reason)
			r.setTraceStatus(ctx, traceID, types.TraceFiltered, store.TraceRefs{})
			return false
		}
	}

	if !r.hasInterest(ann.Ticker) {
		if !r.gw.AcquireInterest(r.cfg.ID, ann.Ticker, quotes.PriorityPending) {
			r.traceEvent(ctx, traceID, types.EvFilterRejected, "subscription_limit")
			r.setTraceStatus(ctx, traceID, types.TraceFiltered, store.TraceRefs{})
			metrics.AlertsDropped.WithLabelValues("subscription_limit").Inc()
			return false
		}
	}

	pe := &types.PendingEntry{
		TradeID:      uuid.New().String(),
		Ticker:       ann.Ticker,
		StrategyID:   r.cfg.ID,
		Announcement: ann,
		AlertTime:    r.now().UTC(),
	}
	if err := r.store.CreatePendingEntry(ctx, *pe); err != nil {
		r.logger.Error("persist pending entry", "ticker", ann.Ticker, "error", err)
		r.traceEvent(ctx, traceID, types.EvError, fmt.Sprintf("persist pending entry: %v", err))
		r.releaseIfIdle(pe.Ticker)
		return false
	}
	r.pendingEntries[pe.TradeID] = pe
	r.traceByTrade[pe.TradeID] = traceID
	r.traceEvent(ctx, traceID, types.EvPendingEntry, pe.TradeID)
	r.setTraceStatus(ctx, traceID, types.TracePendingEntry, store.TraceRefs{PendingEntryID: pe.TradeID})
	metrics.Entries.WithLabelValues("created").Inc()
	r.logger.Info("pending entry created", "ticker", ann.Ticker, "trade_id", pe.TradeID)
	return true
}

// --- quote path ---

func (r *Runtime) handleQuote(ctx context.Context, q types.Quote) {
	if !r.hasInterest(q.Ticker) {
		return
	}

	series := r.gw.Candles(q.Ticker)
	var (
		completed []types.Candle
		building  *types.Candle
	)
	if series != nil {
		completed, building = series.Snapshot()
	}

	for _, pe := range r.entriesOn(q.Ticker) {
		r.evaluateEntry(ctx, pe, q, completed, building)
	}
	for _, at := range r.tradesOn(q.Ticker) {
		r.evaluateExit(ctx, at, q)
	}
}

func (r *Runtime) evaluateEntry(ctx context.Context, pe *types.PendingEntry, q types.Quote, completed []types.Candle, building *types.Candle) {
	window := time.Duration(r.cfg.Entry.EntryWindowMin) * time.Minute
	if q.Time.Sub(pe.AlertTime) > window {
		r.abandonEntry(ctx, pe, "entry window elapsed")
		return
	}

	if !pe.FirstPriceSet {
		pe.FirstPrice = q.Price
		pe.FirstPriceSet = true
		if err := r.store.SetPendingEntryFirstPrice(ctx, pe.TradeID, q.Price); err != nil {
			r.logger.Error("persist first price", "trade_id", pe.TradeID, "error", err)
		}
	}

	// One active trade per (ticker, strategy): the entry holds while a
	// trade or an in-flight buy exists. The window check above still
	// expires it.
	if r.hasOpenExposure(pe.Ticker) {
		return
	}

	need := r.cfg.Entry.ConsecGreenCandles
	if need == 0 {
		r.enter(ctx, pe, q, completed, building, "no_candle_req")
		return
	}

	streak := market.TrailingStreak(completed, r.cfg.Entry.MinCandleVolume)
	if streak >= need {
		r.enter(ctx, pe, q, completed, building, fmt.Sprintf("completed_%d_green", streak))
		return
	}

	// Early entry: a building candle that is already green and past the
	// volume threshold counts toward the streak.
	if building != nil && building.Green() && building.Volume >= r.cfg.Entry.MinCandleVolume && streak+1 >= need {
		r.enter(ctx, pe, q, completed, building, fmt.Sprintf("early_entry_%d_green", streak+1))
	}
}

func (r *Runtime) abandonEntry(ctx context.Context, pe *types.PendingEntry, detail string) {
	if err := r.store.DeletePendingEntry(ctx, pe.TradeID); err != nil {
		r.logger.Error("delete pending entry", "trade_id", pe.TradeID, "error", err)
	}
	delete(r.pendingEntries, pe.TradeID)
	if traceID, ok := r.traceByTrade[pe.TradeID]; ok {
		r.traceEvent(ctx, traceID, types.EvEntryTimeout, detail)
		r.setTraceStatus(ctx, traceID, types.TraceEntryTimeout, store.TraceRefs{})
		delete(r.traceByTrade, pe.TradeID)
	}
	metrics.Entries.WithLabelValues("expired").Inc()
	r.logger.Info("pending entry abandoned", "ticker", pe.Ticker, "trade_id", pe.TradeID, "detail", detail)
	r.releaseIfIdle(pe.Ticker)
}

func (r *Runtime) enter(ctx context.Context, pe *types.PendingEntry, q types.Quote, completed []types.Candle, building *types.Candle, trigger string) {
	price := q.Price
	traceID := r.traceByTrade[pe.TradeID]

	stop := price * (1 - r.cfg.Exit.StopLossPct/100)
	stopFromOpen := false
	if r.cfg.Exit.StopLossFromOpen && pe.FirstPriceSet {
		fromOpen := pe.FirstPrice * (1 - r.cfg.Exit.StopLossPct/100)
		if fromOpen <= price {
			stop = fromOpen
			stopFromOpen = true
		}
	}
	takeProfit := price * (1 + r.cfg.Exit.TakeProfitPct/100)

	shares := computeShares(r.cfg.Sizing, price, completed, building, q.Time)
	if shares <= 0 {
		r.logger.Warn("sizing produced no shares, entry aborted", "ticker", pe.Ticker, "trade_id", pe.TradeID)
		if traceID != "" {
			r.traceEvent(ctx, traceID, types.EvError, "sizing produced zero shares")
			r.setTraceStatus(ctx, traceID, types.TraceError, store.TraceRefs{})
		}
		if err := r.store.DeletePendingEntry(ctx, pe.TradeID); err != nil {
			r.logger.Error("delete pending entry", "trade_id", pe.TradeID, "error", err)
		}
		delete(r.pendingEntries, pe.TradeID)
		delete(r.traceByTrade, pe.TradeID)
		r.releaseIfIdle(pe.Ticker)
		return
	}

	orderID := uuid.New().String()
	rec := store.OrderRecord{
		ID:           orderID,
		TradeID:      pe.TradeID,
		StrategyID:   r.cfg.ID,
		Ticker:       pe.Ticker,
		Side:         types.SideBuy,
		RequestedQty: shares,
		LimitPrice:   price,
		Status:       types.OrderPending,
		SubmittedAt:  r.now().UTC(),
	}
	if err := r.store.CreateOrder(ctx, rec); err != nil {
		r.logger.Error("persist order", "ticker", pe.Ticker, "error", err)
		return
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
	ack, err := r.broker.Buy(bctx, pe.Ticker, shares, price)
	cancel()
	if err != nil {
		r.logger.Error("buy submit failed", "ticker", pe.Ticker, "trade_id", pe.TradeID, "error", err)
		if mErr := r.store.MarkOrderRejected(ctx, orderID, err.Error()); mErr != nil {
			r.logger.Error("mark order rejected", "order_id", orderID, "error", mErr)
		}
		if traceID != "" {
			r.traceEvent(ctx, traceID, types.EvError, fmt.Sprintf("buy submit: %v", err))
			r.setTraceStatus(ctx, traceID, types.TraceError, store.TraceRefs{})
		}
		if dErr := r.store.DeletePendingEntry(ctx, pe.TradeID); dErr != nil {
			r.logger.Error("delete pending entry", "trade_id", pe.TradeID, "error", dErr)
		}
		delete(r.pendingEntries, pe.TradeID)
		delete(r.traceByTrade, pe.TradeID)
		r.releaseIfIdle(pe.Ticker)
		return
	}

	// Bind before the fill can race us: paper fills are instantaneous.
	r.gw.BindOrder(ack.OrderID, r.cfg.ID)
	if err := r.store.MarkOrderSubmitted(ctx, orderID, ack.OrderID, pe.TradeID); err != nil {
		r.logger.Error("mark order submitted", "order_id", orderID, "error", err)
	}
	delete(r.pendingEntries, pe.TradeID)

	po := &types.PendingOrder{
		OrderID:         ack.OrderID,
		TradeID:         pe.TradeID,
		Ticker:          pe.Ticker,
		StrategyID:      r.cfg.ID,
		Side:            types.SideBuy,
		Shares:          shares,
		LimitPrice:      price,
		SubmittedAt:     r.now().UTC(),
		StopLossPrice:   stop,
		TakeProfitPrice: takeProfit,
	}
	if stopFromOpen {
		po.FirstCandleOpen = pe.FirstPrice
	}
	r.pendingOrders[ack.OrderID] = po

	if traceID != "" {
		r.traceEvent(ctx, traceID, types.EvBuySubmitted, fmt.Sprintf("trigger=%s shares=%d limit=%.4f", trigger, shares, price))
	}
	metrics.Orders.WithLabelValues("buy", string(r.cfg.Sizing.Mode)).Inc()
	r.logger.Info("buy submitted",
		"ticker", pe.Ticker, "trade_id", pe.TradeID, "order_id", ack.OrderID,
		"trigger", trigger, "shares", shares, "limit", price)
}

// --- fill path ---

func (r *Runtime) handleFill(ctx context.Context, f types.FillEvent) {
	po, ok := r.pendingOrders[f.OrderID]
	if !ok {
		r.logger.Warn("fill for unknown order", "order_id", f.OrderID, "kind", f.Kind)
		return
	}

	switch f.Kind {
	case types.FillPartial:
		if err := r.store.RecordOrderEvent(ctx, f.OrderID, types.OrderPartial, f.Raw); err != nil {
			r.logger.Error("record partial fill", "order_id", f.OrderID, "error", err)
		}
		return
	case types.FillCanceled, types.FillRejected:
		r.handleOrderDead(ctx, po, f)
		return
	case types.FillFilled:
	default:
		return
	}

	if po.Side == types.SideBuy {
		r.handleBuyFill(ctx, po, f)
	} else {
		r.handleSellFill(ctx, po, f)
	}
}

func (r *Runtime) handleBuyFill(ctx context.Context, po *types.PendingOrder, f types.FillEvent) {
	delete(r.pendingOrders, po.OrderID)
	traceID := r.traceByTrade[po.TradeID]

	takeProfit := f.FillPrice * (1 + r.cfg.Exit.TakeProfitPct/100)
	stop := po.StopLossPrice
	if po.FirstCandleOpen == 0 {
		stop = f.FillPrice * (1 - r.cfg.Exit.StopLossPct/100)
	}

	shares := f.FilledShares
	if shares == 0 {
		shares = po.Shares
	}
	at := &types.ActiveTrade{
		TradeID:           po.TradeID,
		Ticker:            po.Ticker,
		StrategyID:        r.cfg.ID,
		EntryPrice:        f.FillPrice,
		EntryTime:         f.Time.UTC(),
		FirstCandleOpen:   po.FirstCandleOpen,
		Shares:            shares,
		StopLossPrice:     stop,
		TakeProfitPrice:   takeProfit,
		HighestSinceEntry: f.FillPrice,
		LastPrice:         f.FillPrice,
		LastQuoteTime:     f.Time.UTC(),
	}
	// The store enforces the one-trade-per-(ticker, strategy) unique key;
	// a trade it refuses must not live on in memory only.
	if err := r.store.CreateActiveTrade(ctx, *at, po.OrderID, f.Raw); err != nil {
		r.logger.Error("persist active trade, trade dropped", "trade_id", at.TradeID, "error", err)
		if traceID != "" {
			r.traceEvent(ctx, traceID, types.EvError, fmt.Sprintf("persist active trade: %v", err))
			r.setTraceStatus(ctx, traceID, types.TraceError, store.TraceRefs{})
			delete(r.traceByTrade, po.TradeID)
		}
		r.releaseIfIdle(po.Ticker)
		return
	}
	r.activeTrades[at.TradeID] = at
	r.gw.AcquireInterest(r.cfg.ID, at.Ticker, quotes.PriorityActive)

	if traceID != "" {
		r.traceEvent(ctx, traceID, types.EvBuyFilled, fmt.Sprintf("shares=%d price=%.4f", shares, f.FillPrice))
		r.traceEvent(ctx, traceID, types.EvActiveTradeCreated, at.TradeID)
		r.setTraceStatus(ctx, traceID, types.TraceActiveTrade, store.TraceRefs{ActiveTradeID: at.TradeID})
	}
	r.logger.Info("buy filled", "ticker", at.Ticker, "trade_id", at.TradeID, "shares", shares, "price", f.FillPrice)
}

func (r *Runtime) handleSellFill(ctx context.Context, po *types.PendingOrder, f types.FillEvent) {
	delete(r.pendingOrders, po.OrderID)
	traceID := r.traceByTrade[po.TradeID]

	shares := f.FilledShares
	if shares == 0 {
		shares = po.Shares
	}
	returnPct := 0.0
	if po.EntryPrice > 0 {
		returnPct = (f.FillPrice - po.EntryPrice) / po.EntryPrice * 100
	}
	ct := types.CompletedTrade{
		TradeID:    po.TradeID,
		Ticker:     po.Ticker,
		StrategyID: r.cfg.ID,
		EntryPrice: po.EntryPrice,
		ExitPrice:  f.FillPrice,
		EntryTime:  po.EntryTime,
		ExitTime:   f.Time.UTC(),
		Shares:     shares,
		ExitReason: po.ExitReason,
		ReturnPct:  returnPct,
		PnL:        (f.FillPrice - po.EntryPrice) * float64(shares),
		Paper:      r.broker.Paper(),
	}
	if b, err := json.Marshal(r.cfg); err == nil {
		ct.StrategyJSON = string(b)
	}
	if err := r.store.CompleteTrade(ctx, ct, po.OrderID, f.Raw); err != nil {
		r.logger.Error("persist completed trade", "trade_id", ct.TradeID, "error", err)
	}
	if traceID != "" {
		r.traceEvent(ctx, traceID, types.EvTradeCompleted,
			fmt.Sprintf("reason=%s return_pct=%.2f pnl=%.2f", ct.ExitReason, ct.ReturnPct, ct.PnL))
		r.setTraceStatus(ctx, traceID, types.TraceCompleted, store.TraceRefs{CompletedTradeID: ct.TradeID})
		delete(r.traceByTrade, po.TradeID)
	}
	metrics.Exits.WithLabelValues(string(ct.ExitReason)).Inc()
	r.logger.Info("trade completed",
		"ticker", ct.Ticker, "trade_id", ct.TradeID, "reason", ct.ExitReason,
		"return_pct", ct.ReturnPct, "pnl", ct.PnL)
	r.releaseIfIdle(po.Ticker)
}

// handleOrderDead resolves a canceled or rejected order. A dead buy drops
// the opportunity; a dead sell puts the trade back for retry.
func (r *Runtime) handleOrderDead(ctx context.Context, po *types.PendingOrder, f types.FillEvent) {
	delete(r.pendingOrders, po.OrderID)
	status := types.OrderCanceled
	if f.Kind == types.FillRejected {
		status = types.OrderRejected
	}
	if err := r.store.RecordOrderEvent(ctx, po.OrderID, status, f.Raw); err != nil {
		r.logger.Error("record order event", "order_id", po.OrderID, "error", err)
	}
	traceID := r.traceByTrade[po.TradeID]

	if po.Side == types.SideBuy {
		if traceID != "" {
			r.traceEvent(ctx, traceID, types.EvError, fmt.Sprintf("buy order %s", status))
			r.setTraceStatus(ctx, traceID, types.TraceError, store.TraceRefs{})
			delete(r.traceByTrade, po.TradeID)
		}
		r.logger.Warn("buy order dead", "ticker", po.Ticker, "trade_id", po.TradeID, "status", status)
		r.releaseIfIdle(po.Ticker)
		return
	}

	// Restore the active trade and count the failed attempt.
	at := &types.ActiveTrade{
		TradeID:           po.TradeID,
		Ticker:            po.Ticker,
		StrategyID:        r.cfg.ID,
		EntryPrice:        po.EntryPrice,
		EntryTime:         po.EntryTime,
		FirstCandleOpen:   po.FirstCandleOpen,
		Shares:            po.Shares,
		StopLossPrice:     po.StopLossPrice,
		TakeProfitPrice:   po.TakeProfitPrice,
		HighestSinceEntry: po.EntryPrice,
		SellAttempts:      1,
	}
	if existing, ok := r.activeTrades[po.TradeID]; ok {
		at = existing
		at.SellAttempts++
	} else {
		r.activeTrades[po.TradeID] = at
	}
	if at.SellAttempts >= maxSellAttempts {
		at.NeedsManualExit = true
		r.logger.Error("sell attempts exhausted, manual exit required", "ticker", at.Ticker, "trade_id", at.TradeID)
	}
	if err := r.store.UpdateActiveTrade(ctx, *at); err != nil {
		r.logger.Error("persist active trade", "trade_id", at.TradeID, "error", err)
	}
	r.logger.Warn("sell order dead, trade restored", "ticker", po.Ticker, "trade_id", po.TradeID, "status", status, "attempts", at.SellAttempts)
}

// --- exit path ---

func (r *Runtime) evaluateExit(ctx context.Context, at *types.ActiveTrade, q types.Quote) {
	at.LastPrice = q.Price
	at.LastQuoteTime = q.Time.UTC()
	ratchet := false
	if q.Price > at.HighestSinceEntry {
		at.HighestSinceEntry = q.Price
		ratchet = true
	}

	reason, exitPrice, triggered := exitTrigger(r.cfg.Exit, at, q)
	if !triggered {
		if ratchet {
			if err := r.store.UpdateActiveTrade(ctx, *at); err != nil {
				r.logger.Error("persist active trade", "trade_id", at.TradeID, "error", err)
			}
		}
		return
	}
	if at.NeedsManualExit {
		return
	}
	r.submitSell(ctx, at, reason, exitPrice)
}

// exitTrigger evaluates the exit rules in priority order:
// take-profit, fixed stop, trailing stop, timeout.
func exitTrigger(cfg types.ExitConfig, at *types.ActiveTrade, q types.Quote) (types.ExitReason, float64, bool) {
	if q.Price >= at.TakeProfitPrice {
		return types.ExitTakeProfit, at.TakeProfitPrice, true
	}
	if q.Price <= at.StopLossPrice {
		return types.ExitStopLoss, at.StopLossPrice, true
	}
	if cfg.TrailingStopPct > 0 {
		trail := at.HighestSinceEntry * (1 - cfg.TrailingStopPct/100)
		if q.Price <= trail {
			return types.ExitTrailingStop, trail, true
		}
	}
	if q.Time.Sub(at.EntryTime) >= time.Duration(cfg.TimeoutMin)*time.Minute {
		return types.ExitTimeout, q.Price, true
	}
	return "", 0, false
}

func (r *Runtime) submitSell(ctx context.Context, at *types.ActiveTrade, reason types.ExitReason, exitPrice float64) {
	// Idempotence: one in-flight sell per trade.
	for _, po := range r.pendingOrders {
		if po.Side == types.SideSell && po.TradeID == at.TradeID {
			return
		}
	}

	// On retry, an earlier sell may still be live at the broker even
	// though we never saw its ack. If so the exit is already in flight.
	if at.SellAttempts > 0 {
		bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
		open, err := r.broker.GetOpenOrders(bctx)
		cancel()
		if err == nil {
			for _, o := range open {
				if o.Ticker == at.Ticker && o.Side == types.SideSell {
					r.logger.Warn("open sell already at broker, dropping in-memory trade", "ticker", at.Ticker, "trade_id", at.TradeID)
					delete(r.activeTrades, at.TradeID)
					r.releaseIfIdle(at.Ticker)
					return
				}
			}
		}
	}

	traceID := r.traceByTrade[at.TradeID]
	orderID := uuid.New().String()
	rec := store.OrderRecord{
		ID:           orderID,
		TradeID:      at.TradeID,
		StrategyID:   r.cfg.ID,
		Ticker:       at.Ticker,
		Side:         types.SideSell,
		RequestedQty: at.Shares,
		LimitPrice:   exitPrice,
		Status:       types.OrderPending,
		SubmittedAt:  r.now().UTC(),
	}
	if err := r.store.CreateOrder(ctx, rec); err != nil {
		r.logger.Error("persist order", "ticker", at.Ticker, "error", err)
		return
	}

	bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
	ack, err := r.broker.Sell(bctx, at.Ticker, at.Shares, exitPrice)
	cancel()
	if err != nil {
		if mErr := r.store.MarkOrderRejected(ctx, orderID, err.Error()); mErr != nil {
			r.logger.Error("mark order rejected", "order_id", orderID, "error", mErr)
		}
		r.handleSellError(ctx, at, reason, err)
		return
	}

	r.gw.BindOrder(ack.OrderID, r.cfg.ID)
	if err := r.store.MarkOrderSubmitted(ctx, orderID, ack.OrderID, ""); err != nil {
		r.logger.Error("mark order submitted", "order_id", orderID, "error", err)
	}

	// The trade moves from active_trades to a pending sell order; the
	// durable row stays until the fill completes the round trip.
	delete(r.activeTrades, at.TradeID)
	r.pendingOrders[ack.OrderID] = &types.PendingOrder{
		OrderID:         ack.OrderID,
		TradeID:         at.TradeID,
		Ticker:          at.Ticker,
		StrategyID:      r.cfg.ID,
		Side:            types.SideSell,
		Shares:          at.Shares,
		LimitPrice:      exitPrice,
		SubmittedAt:     r.now().UTC(),
		EntryPrice:      at.EntryPrice,
		EntryTime:       at.EntryTime,
		FirstCandleOpen: at.FirstCandleOpen,
		StopLossPrice:   at.StopLossPrice,
		TakeProfitPrice: at.TakeProfitPrice,
		ExitReason:      reason,
	}

	if traceID != "" {
		r.traceEvent(ctx, traceID, types.EvSellSubmitted, fmt.Sprintf("reason=%s limit=%.4f", reason, exitPrice))
	}
	metrics.Orders.WithLabelValues("sell", string(r.cfg.Sizing.Mode)).Inc()
	r.logger.Info("sell submitted",
		"ticker", at.Ticker, "trade_id", at.TradeID, "order_id", ack.OrderID,
		"reason", reason, "limit", exitPrice)
}

func (r *Runtime) handleSellError(ctx context.Context, at *types.ActiveTrade, reason types.ExitReason, submitErr error) {
	if broker.IsPositionNotFound(submitErr) {
		bctx, cancel := context.WithTimeout(ctx, r.brokerTimeout)
		pos, err := r.broker.GetPosition(bctx, at.Ticker)
		cancel()
		if err == nil && (pos == nil || pos.Shares == 0) {
			r.completeGhost(ctx, at)
			return
		}
	}

	at.SellAttempts++
	if at.SellAttempts >= maxSellAttempts {
		at.NeedsManualExit = true
		r.logger.Error("sell attempts exhausted, manual exit required",
			"ticker", at.Ticker, "trade_id", at.TradeID, "error", submitErr)
	} else {
		r.logger.Warn("sell submit failed",
			"ticker", at.Ticker, "trade_id", at.TradeID, "attempt", at.SellAttempts, "error", submitErr)
	}
	if err := r.store.UpdateActiveTrade(ctx, *at); err != nil {
		r.logger.Error("persist active trade", "trade_id", at.TradeID, "error", err)
	}
}

// completeGhost closes a trade the broker does not hold: zero P&L, reason
// position_not_found.
func (r *Runtime) completeGhost(ctx context.Context, at *types.ActiveTrade) {
	ct := types.CompletedTrade{
		TradeID:    at.TradeID,
		Ticker:     at.Ticker,
		StrategyID: r.cfg.ID,
		EntryPrice: at.EntryPrice,
		ExitPrice:  at.EntryPrice,
		EntryTime:  at.EntryTime,
		ExitTime:   r.now().UTC(),
		Shares:     at.Shares,
		ExitReason: types.ExitPositionNotFound,
		Paper:      r.broker.Paper(),
	}
	if b, err := json.Marshal(r.cfg); err == nil {
		ct.StrategyJSON = string(b)
	}
	if err := r.store.CompleteTrade(ctx, ct, "", ""); err != nil {
		r.logger.Error("persist completed trade", "trade_id", ct.TradeID, "error", err)
	}
	delete(r.activeTrades, at.TradeID)
	if traceID, ok := r.traceByTrade[at.TradeID]; ok {
		r.traceEvent(ctx, traceID, types.EvTradeCompleted, "position not found at broker")
		r.setTraceStatus(ctx, traceID, types.TraceCompleted, store.TraceRefs{CompletedTradeID: ct.TradeID})
		delete(r.traceByTrade, at.TradeID)
	}
	metrics.Exits.WithLabelValues(string(types.ExitPositionNotFound)).Inc()
	r.logger.Warn("ghost position removed", "ticker", at.Ticker, "trade_id", at.TradeID)
	r.releaseIfIdle(at.Ticker)
}

// --- reconcile / admin ---

func (r *Runtime) handleReconcile(ctx context.Context, snap ReconcileSnapshot) {
	for _, at := range r.tradesSnapshot() {
		if _, held := snap.Positions[at.Ticker]; held {
			continue
		}
		// A trade entered after the snapshot was fetched cannot appear
		// in it; only older trades are ghost candidates.
		if !at.EntryTime.Before(snap.At) {
			continue
		}
		r.completeGhost(ctx, at)
	}

	// Pending entries on unsubscribed tickers see no quotes; the window
	// check has to run from here too.
	window := time.Duration(r.cfg.Entry.EntryWindowMin) * time.Minute
	for _, pe := range r.entriesSnapshot() {
		if snap.At.Sub(pe.AlertTime) > window {
			r.abandonEntry(ctx, pe, "entry window elapsed")
		}
	}
}

func (r *Runtime) handleDisable(ctx context.Context) error {
	for _, pe := range r.entriesSnapshot() {
		if err := r.store.DeletePendingEntry(ctx, pe.TradeID); err != nil {
			r.logger.Error("delete pending entry", "trade_id", pe.TradeID, "error", err)
		}
		delete(r.pendingEntries, pe.TradeID)
		delete(r.traceByTrade, pe.TradeID)
		r.releaseIfIdle(pe.Ticker)
	}

	var firstErr error
	for _, at := range r.tradesSnapshot() {
		if at.NeedsManualExit {
			r.logger.Warn("manual-exit trade left open on disable", "ticker", at.Ticker, "trade_id", at.TradeID)
			continue
		}
		price := at.LastPrice
		if price == 0 {
			price = at.EntryPrice
		}
		before := len(r.activeTrades)
		r.submitSell(ctx, at, types.ExitStrategyDisabled, price)
		if len(r.activeTrades) == before && firstErr == nil {
			firstErr = fmt.Errorf("sell not submitted for %s", at.Ticker)
		}
	}
	return firstErr
}

func (r *Runtime) handleExitAll(ctx context.Context) error {
	var firstErr error
	for _, at := range r.tradesSnapshot() {
		if at.NeedsManualExit {
			continue
		}
		price := at.LastPrice
		if price == 0 {
			price = at.EntryPrice
		}
		before := len(r.activeTrades)
		r.submitSell(ctx, at, types.ExitManual, price)
		if len(r.activeTrades) == before && firstErr == nil {
			firstErr = fmt.Errorf("sell not submitted for %s", at.Ticker)
		}
	}
	return firstErr
}

func (r *Runtime) snapshotLocked() Snapshot {
	s := Snapshot{
		StrategyID:    r.cfg.ID,
		Name:          r.cfg.Name,
		PendingOrders: len(r.pendingOrders),
	}
	for _, pe := range r.pendingEntries {
		s.PendingEntries = append(s.PendingEntries, *pe)
	}
	for _, at := range r.activeTrades {
		s.ActiveTrades = append(s.ActiveTrades, *at)
	}
	return s
}

// --- helpers ---

func (r *Runtime) hasInterest(ticker string) bool {
	for _, pe := range r.pendingEntries {
		if pe.Ticker == ticker {
			return true
		}
	}
	for _, at := range r.activeTrades {
		if at.Ticker == ticker {
			return true
		}
	}
	for _, po := range r.pendingOrders {
		if po.Ticker == ticker {
			return true
		}
	}
	return false
}

// hasOpenExposure reports whether the strategy already holds the ticker
// through an active trade or an in-flight buy order.
func (r *Runtime) hasOpenExposure(ticker string) bool {
	for _, at := range r.activeTrades {
		if at.Ticker == ticker {
			return true
		}
	}
	for _, po := range r.pendingOrders {
		if po.Ticker == ticker && po.Side == types.SideBuy {
			return true
		}
	}
	return false
}

func (r *Runtime) releaseIfIdle(ticker string) {
	if !r.hasInterest(ticker) {
		r.gw.ReleaseInterest(r.cfg.ID, ticker)
	}
}

func (r *Runtime) entriesOn(ticker string) []*types.PendingEntry {
	var out []*types.PendingEntry
	for _, pe := range r.pendingEntries {
		if pe.Ticker == ticker {
			out = append(out, pe)
		}
	}
	return out
}

func (r *Runtime) tradesOn(ticker string) []*types.ActiveTrade {
	var out []*types.ActiveTrade
	for _, at := range r.activeTrades {
		if at.Ticker == ticker {
			out = append(out, at)
		}
	}
	return out
}

func (r *Runtime) entriesSnapshot() []*types.PendingEntry {
	out := make([]*types.PendingEntry, 0, len(r.pendingEntries))
	for _, pe := range r.pendingEntries {
		out = append(out, pe)
	}
	return out
}

func (r *Runtime) tradesSnapshot() []*types.ActiveTrade {
	out := make([]*types.ActiveTrade, 0, len(r.activeTrades))
	for _, at := range r.activeTrades {
		out = append(out, at)
	}
	return out
}

func (r *Runtime) traceEvent(ctx context.Context, traceID string, kind types.TraceEventKind, detail string) {
	if traceID == "" {
		return
	}
	if err := r.store.AppendTraceEvent(ctx, traceID, kind, detail); err != nil {
		r.logger.Error("append trace event", "trace_id", traceID, "kind", kind, "error", err)
	}
}

func (r *Runtime) setTraceStatus(ctx context.Context, traceID string, status types.TraceStatus, refs store.TraceRefs) {
	if traceID == "" {
		return
	}
	if err := r.store.SetTraceStatus(ctx, traceID, status, refs); err != nil {
		r.logger.Error("set trace status", "trace_id", traceID, "status", status, "error", err)
	}
}
