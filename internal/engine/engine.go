// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. The alert service feeds parsed announcements into the engine queue.
//  2. The engine fans each alert out to every enabled strategy runtime in
//     priority order, one alert at a time.
//  3. The quote provider delivers ticks; the engine folds them into the
//     shared per-ticker candle series, then fans them out to every
//     strategy holding interest in the ticker.
//  4. Broker fill events are routed to the owning strategy by order ID.
//  5. A reconcile loop fetches broker positions and open orders on an
//     interval and hands the snapshot to every runtime for ghost cleanup.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"newsflow-trader/internal/alerts"
	"newsflow-trader/internal/broker"
	"newsflow-trader/internal/config"
	"newsflow-trader/internal/market"
	"newsflow-trader/internal/metrics"
	"newsflow-trader/internal/quotes"
	"newsflow-trader/internal/store"
	"newsflow-trader/internal/strategy"
	"newsflow-trader/pkg/types"
)

// bindRetryDelay covers the race between an order ack returning to the
// runtime and its fill arriving on the update stream. Paper fills are
// instantaneous, so a fill can beat the binding by a scheduler tick.
const bindRetryDelay = 150 * time.Millisecond

// Engine orchestrates strategies, the quote provider, the broker client,
// and the reconcile loop. It implements alerts.Dispatcher, quotes.Sink,
// and strategy.Gateway.
type Engine struct {
	cfg      config.Config
	store    store.Store
	broker   broker.Broker
	provider *quotes.Provider
	logger   *slog.Logger
	nyLoc    *time.Location

	alertCh chan alerts.Alert

	// runtimes maps strategy_id → runtime; order holds the ids sorted by
	// priority. prio is the engine's view of each strategy's priority and
	// tracks operator moves, which the immutable runtime configs do not.
	// Protected by rtMu.
	runtimes map[string]*strategy.Runtime
	order    []string
	prio     map[string]int
	rtMu     sync.RWMutex

	// mu guards interest, candles, and orderBind. Interest drives both
	// quote fanout and subscription lifetime: a ticker is subscribed
	// while any strategy holds interest in it.
	mu        sync.RWMutex
	interest  map[string]map[string]quotes.Priority // ticker → strategy_id → priority
	candles   map[string]*market.Series
	orderBind map[string]string // broker order_id → strategy_id

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is the operator-facing engine snapshot.
type Status struct {
	Paper         bool                `json:"paper"`
	Subscriptions int                 `json:"subscriptions"`
	Strategies    []strategy.Snapshot `json:"strategies"`
	Account       *types.AccountInfo  `json:"account,omitempty"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// New creates and wires the engine. The quote provider is constructed here
// with the engine as its sink.
func New(cfg config.Config, st store.Store, bk broker.Broker, logger *slog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		store:     st,
		broker:    bk,
		logger:    logger.With("component", "engine"),
		nyLoc:     loc,
		alertCh:   make(chan alerts.Alert, cfg.Alerts.QueueSize),
		runtimes:  make(map[string]*strategy.Runtime),
		prio:      make(map[string]int),
		interest:  make(map[string]map[string]quotes.Priority),
		candles:   make(map[string]*market.Series),
		orderBind: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.provider = quotes.NewProvider(cfg.Quotes, e, logger)

	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		if err := st.SaveStrategy(ctx, sc); err != nil {
			cancel()
			return nil, fmt.Errorf("persist strategy %s: %w", sc.ID, err)
		}
		e.runtimes[sc.ID] = strategy.New(sc, e, st, bk, cfg.Engine.BrokerTimeout, logger)
		e.prio[sc.ID] = sc.Priority
	}
	e.rebuildOrderLocked()
	return e, nil
}

// Start recovers durable state and launches all background goroutines:
// quote provider, alert loop, fill router, reconcile loop, and one
// goroutine per strategy runtime.
func (e *Engine) Start() error {
	// Recovery runs before any runtime loop so the maps are owned by a
	// single goroutine at load time.
	for _, id := range e.strategyOrder() {
		rt := e.runtime(id)
		if rt == nil {
			continue
		}
		if err := rt.Recover(e.ctx); err != nil {
			return fmt.Errorf("recover strategy %s: %w", id, err)
		}
	}

	for _, id := range e.strategyOrder() {
		rt := e.runtime(id)
		if rt == nil {
			continue
		}
		e.wg.Add(1)
		go func(rt *strategy.Runtime) {
			defer e.wg.Done()
			rt.Run(e.ctx)
		}(rt)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.provider.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("quote provider stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.alertLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fillLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop()
	}()

	e.logger.Info("engine started", "strategies", len(e.strategyOrder()), "paper", e.broker.Paper())
	return nil
}

// Stop cancels all goroutines and waits for them to drain.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.provider.Close()
	e.logger.Info("shutdown complete")
}

// --- alerts.Dispatcher ---

// Dispatch enqueues one alert without blocking the HTTP handler. Returns
// false when the queue is full.
func (e *Engine) Dispatch(a alerts.Alert) bool {
	select {
	case e.alertCh <- a:
		return true
	default:
		return false
	}
}

// alertLoop processes alerts strictly in arrival order: every strategy
// sees an alert before the next one is started.
func (e *Engine) alertLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case a := <-e.alertCh:
			accepted := 0
			for _, id := range e.strategyOrder() {
				rt := e.runtime(id)
				if rt == nil {
					continue
				}
				if rt.OnAlert(e.ctx, a.Announcement, a.TraceID) {
					accepted++
				}
			}
			e.logger.Info("alert routed",
				"ticker", a.Announcement.Ticker, "trace_id", a.TraceID, "accepted_by", accepted)
		}
	}
}

// --- quotes.Sink ---

// OnQuote is called synchronously from the WebSocket receive loop. Candle
// state is updated here, before fanout, so every tick counts toward the
// minute's volume even when a runtime's delivery coalesces.
func (e *Engine) OnQuote(q types.Quote) {
	metrics.Quotes.Inc()

	e.mu.RLock()
	holders := e.interest[q.Ticker]
	series := e.candles[q.Ticker]
	e.mu.RUnlock()
	if len(holders) == 0 {
		return
	}
	if series == nil {
		e.mu.Lock()
		series = e.candles[q.Ticker]
		if series == nil {
			series = market.NewSeries(q.Ticker)
			e.candles[q.Ticker] = series
		}
		e.mu.Unlock()
	}
	series.Apply(q)

	for id := range holders {
		if rt := e.runtime(id); rt != nil {
			rt.OnQuote(q)
		}
	}
}

// --- strategy.Gateway ---

// AcquireInterest registers a strategy's interest in a ticker and requests
// the vendor subscription when this is the ticker's first holder. At the
// cap, pending-priority requests are refused; active-priority interest is
// retained so the runtime keeps its trade, queued for promotion.
func (e *Engine) AcquireInterest(strategyID, ticker string, prio quotes.Priority) bool {
	e.mu.Lock()
	holders := e.interest[ticker]
	if holders == nil {
		holders = make(map[string]quotes.Priority)
		e.interest[ticker] = holders
	}
	if cur, ok := holders[strategyID]; !ok || prio > cur {
		holders[strategyID] = prio
	}
	if e.candles[ticker] == nil {
		e.candles[ticker] = market.NewSeries(ticker)
	}
	e.mu.Unlock()

	if e.provider.Subscribe(ticker, prio) {
		return true
	}
	if prio == quotes.PriorityActive {
		// Queued at the provider; the trade stays tracked without live
		// quotes until a slot frees.
		return false
	}

	e.mu.Lock()
	delete(holders, strategyID)
	if len(holders) == 0 {
		delete(e.interest, ticker)
		delete(e.candles, ticker)
	}
	e.mu.Unlock()
	return false
}

// ReleaseInterest drops a strategy's interest; the last holder releases
// the subscription slot and the candle series.
func (e *Engine) ReleaseInterest(strategyID, ticker string) {
	e.mu.Lock()
	holders := e.interest[ticker]
	delete(holders, strategyID)
	last := len(holders) == 0
	if last {
		delete(e.interest, ticker)
		delete(e.candles, ticker)
	}
	e.mu.Unlock()

	if last {
		e.provider.Unsubscribe(ticker)
	}
}

// BindOrder maps a broker order ID to the strategy that owns it, for fill
// routing.
func (e *Engine) BindOrder(orderID, strategyID string) {
	e.mu.Lock()
	e.orderBind[orderID] = strategyID
	e.mu.Unlock()
}

// Candles returns the shared series for a ticker, nil when no strategy
// holds interest.
func (e *Engine) Candles(ticker string) *market.Series {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.candles[ticker]
}

// --- fills ---

// fillLoop routes broker trade updates to the owning runtime. An unknown
// order ID is retried once after a short delay: the ack that creates the
// binding and the fill event race each other.
func (e *Engine) fillLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case f, ok := <-e.broker.Updates():
			if !ok {
				return
			}
			e.routeFill(f, true)
		}
	}
}

func (e *Engine) routeFill(f types.FillEvent, retry bool) {
	e.mu.RLock()
	strategyID, ok := e.orderBind[f.OrderID]
	e.mu.RUnlock()
	if !ok {
		if retry {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				select {
				case <-time.After(bindRetryDelay):
					e.routeFill(f, false)
				case <-e.ctx.Done():
				}
			}()
			return
		}
		e.logger.Warn("fill for unbound order", "order_id", f.OrderID, "kind", f.Kind)
		return
	}

	rt := e.runtime(strategyID)
	if rt == nil {
		e.logger.Warn("fill for stopped strategy", "order_id", f.OrderID, "strategy", strategyID)
		return
	}
	rt.OnFill(f)

	if f.Kind != types.FillPartial {
		e.mu.Lock()
		delete(e.orderBind, f.OrderID)
		e.mu.Unlock()
	}
}

// --- reconcile ---

// reconcileLoop fetches positions and open orders once per interval while
// any session is active, then fans the snapshot out to every runtime.
func (e *Engine) reconcileLoop() {
	ticker := time.NewTicker(e.cfg.Engine.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if types.SessionAt(time.Now(), e.nyLoc) == types.SessionClosed {
				continue
			}
			e.reconcileOnce()
		}
	}
}

func (e *Engine) reconcileOnce() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Engine.BrokerTimeout)
	defer cancel()

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("reconcile: positions fetch failed", "error", err)
		return
	}
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("reconcile: open orders fetch failed", "error", err)
		return
	}

	snap := strategy.ReconcileSnapshot{
		Positions:  make(map[string]types.Position, len(positions)),
		OpenOrders: open,
		At:         time.Now().UTC(),
	}
	for _, p := range positions {
		snap.Positions[p.Ticker] = p
	}

	for _, id := range e.strategyOrder() {
		if rt := e.runtime(id); rt != nil {
			rt.Reconcile(snap)
		}
	}
}

// --- admin operations ---

// EnableStrategy starts a new runtime for the config, persists it, and
// recovers any durable state it left behind.
func (e *Engine) EnableStrategy(ctx context.Context, sc types.StrategyConfig) error {
	e.rtMu.Lock()
	if _, exists := e.runtimes[sc.ID]; exists {
		e.rtMu.Unlock()
		return fmt.Errorf("strategy %s already running", sc.ID)
	}
	e.rtMu.Unlock()

	sc.Enabled = true
	if err := e.store.SaveStrategy(ctx, sc); err != nil {
		return fmt.Errorf("persist strategy: %w", err)
	}

	rt := strategy.New(sc, e, e.store, e.broker, e.cfg.Engine.BrokerTimeout, e.logger)
	if err := rt.Recover(ctx); err != nil {
		return fmt.Errorf("recover strategy: %w", err)
	}

	e.rtMu.Lock()
	e.runtimes[sc.ID] = rt
	e.prio[sc.ID] = sc.Priority
	e.rebuildOrderLocked()
	e.rtMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rt.Run(e.ctx)
	}()
	e.logger.Info("strategy enabled", "strategy", sc.ID, "name", sc.Name)
	return nil
}

// DisableStrategy tears a runtime down: pending entries are deleted and
// every active trade gets a sell submitted before this returns.
func (e *Engine) DisableStrategy(ctx context.Context, id string) error {
	rt := e.runtime(id)
	if rt == nil {
		return fmt.Errorf("strategy %s not running", id)
	}
	if err := rt.Disable(ctx); err != nil {
		return fmt.Errorf("disable strategy %s: %w", id, err)
	}

	sc := rt.Config()
	sc.Enabled = false
	e.rtMu.RLock()
	if p, ok := e.prio[id]; ok {
		sc.Priority = p
	}
	e.rtMu.RUnlock()
	if err := e.store.SaveStrategy(ctx, sc); err != nil {
		e.logger.Error("persist disabled strategy", "strategy", id, "error", err)
	}

	e.rtMu.Lock()
	delete(e.runtimes, id)
	delete(e.prio, id)
	e.rebuildOrderLocked()
	e.rtMu.Unlock()
	e.logger.Info("strategy disabled", "strategy", id)
	return nil
}

// ExitAllPositions submits a sell for every active trade across all
// strategies.
func (e *Engine) ExitAllPositions(ctx context.Context) error {
	var firstErr error
	for _, id := range e.strategyOrder() {
		rt := e.runtime(id)
		if rt == nil {
			continue
		}
		if err := rt.ExitAll(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MoveStrategyPriority swaps the priority of a strategy with its neighbor
// in the given direction (up = earlier evaluation).
func (e *Engine) MoveStrategyPriority(ctx context.Context, id string, up bool) error {
	e.rtMu.Lock()
	defer e.rtMu.Unlock()

	idx := -1
	for i, cur := range e.order {
		if cur == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("strategy %s not running", id)
	}
	other := idx + 1
	if up {
		other = idx - 1
	}
	if other < 0 || other >= len(e.order) {
		return nil
	}

	otherID := e.order[other]
	if err := e.store.SwapPriorities(ctx, id, otherID); err != nil {
		return fmt.Errorf("swap priorities: %w", err)
	}
	// Keep the engine's priority view in step so a later rebuild (enable
	// or disable) does not revert the move.
	e.prio[id], e.prio[otherID] = e.prio[otherID], e.prio[id]
	e.order[idx], e.order[other] = e.order[other], e.order[idx]
	return nil
}

// Status assembles the operator snapshot: per-strategy state, subscription
// count, and the broker account when reachable.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Paper:         e.broker.Paper(),
		Subscriptions: e.provider.Count(),
		GeneratedAt:   time.Now().UTC(),
	}
	for _, id := range e.strategyOrder() {
		rt := e.runtime(id)
		if rt == nil {
			continue
		}
		snap, err := rt.Snapshot(ctx)
		if err != nil {
			e.logger.Warn("strategy snapshot failed", "strategy", id, "error", err)
			continue
		}
		st.Strategies = append(st.Strategies, snap)
	}

	bctx, cancel := context.WithTimeout(ctx, e.cfg.Engine.BrokerTimeout)
	defer cancel()
	if acct, err := e.broker.GetAccountInfo(bctx); err == nil {
		st.Account = &acct
	}
	return st
}

// --- helpers ---

func (e *Engine) runtime(id string) *strategy.Runtime {
	e.rtMu.RLock()
	defer e.rtMu.RUnlock()
	return e.runtimes[id]
}

func (e *Engine) strategyOrder() []string {
	e.rtMu.RLock()
	defer e.rtMu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// rebuildOrderLocked recomputes the priority ordering. Callers hold rtMu
// (or are single-threaded construction).
func (e *Engine) rebuildOrderLocked() {
	e.order = e.order[:0]
	for id := range e.runtimes {
		e.order = append(e.order, id)
	}
	sort.Slice(e.order, func(i, j int) bool {
		return e.prio[e.order[i]] < e.prio[e.order[j]]
	})
}
