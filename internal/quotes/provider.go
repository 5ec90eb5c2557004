// Package quotes implements the process-wide quote subscription multiplexer
// over the market-data vendor's WebSocket.
//
// The vendor delivers second-resolution OHLCV bars and enforces a hard cap
// on concurrent symbol subscriptions. Subscribe is therefore bounded:
// callers at the cap are refused, and refused active-trade requests queue
// for promotion when a slot frees. Priority is active trade > pending
// entry — losing quotes on an open position can miss a stop-loss trigger,
// losing them on a pending entry only misses an opportunity.
//
// The connection auto-reconnects with exponential backoff (1s → 60s max)
// and re-sends the full subscription set on reconnection. A read deadline
// detects silent server failures within ~2 missed heartbeats.
package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"newsflow-trader/internal/config"
	"newsflow-trader/internal/metrics"
	"newsflow-trader/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 60 * time.Second
	writeTimeout     = 10 * time.Second
	keyRefreshSlack  = 2 * time.Minute
)

// Priority ranks subscription requests when the vendor cap is hit.
type Priority int

const (
	PriorityPending Priority = iota // pending entry: missed opportunity only
	PriorityActive                  // active trade: capital at risk
)

// Sink receives parsed quotes synchronously from the receive loop. The
// callback must be bounded in duration; long work belongs elsewhere.
type Sink interface {
	OnQuote(q types.Quote)
}

// Provider multiplexes all strategies' symbol interest onto one vendor
// WebSocket, enforcing the vendor's subscription cap.
type Provider struct {
	cfg    config.QuotesConfig
	sink   Sink
	rest   *resty.Client
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	mu         sync.Mutex // guards subscribed, pending, key state
	subscribed map[string]bool
	pending    []pendingReq // ordered; actives drained first
	key        string
	keyExpiry  time.Time
}

type pendingReq struct {
	ticker string
	prio   Priority
}

// subscribeMsg is the vendor's subscription frame.
type subscribeMsg struct {
	Key     string         `json:"key"`
	Objects []subscribeObj `json:"objects"`
}

type subscribeObj struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	BarType     string `json:"bar_type,omitempty"`
	BarInterval int    `json:"bar_interval,omitempty"`
	Extended    bool   `json:"extended,omitempty"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

// vendorMsg covers both message shapes the vendor sends: series bars and
// last-price quotes.
type vendorMsg struct {
	Code   string `json:"code"`
	Series []struct {
		Time   int64   `json:"time"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"series"`
	Data []struct {
		Code      string  `json:"code"`
		LastPrice float64 `json:"last_price"`
		Volume    int64   `json:"volume"`
		Time      int64   `json:"time"`
	} `json:"data"`
}

// keyResponse is the vendor auth endpoint's reply.
type keyResponse struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewProvider creates the provider. The sink is fixed at construction; the
// engine passes itself.
func NewProvider(cfg config.QuotesConfig, sink Sink, logger *slog.Logger) *Provider {
	rest := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Provider{
		cfg:        cfg,
		sink:       sink,
		rest:       rest,
		logger:     logger.With("component", "quotes"),
		subscribed: make(map[string]bool),
	}
}

// Subscribe requests live quotes for a ticker. Returns true when the ticker
// is (or already was) subscribed. At the vendor cap it returns false;
// active-priority requests are queued for promotion when a slot frees.
func (p *Provider) Subscribe(ticker string, prio Priority) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subscribed[ticker] {
		return true
	}
	if len(p.subscribed) >= p.cfg.MaxSubscriptions {
		if prio == PriorityActive && !p.isQueued(ticker) {
			p.pending = append(p.pending, pendingReq{ticker: ticker, prio: prio})
			p.logger.Warn("subscription cap reached, queued active ticker", "ticker", ticker)
		}
		return false
	}

	p.subscribed[ticker] = true
	metrics.Subscriptions.Set(float64(len(p.subscribed)))
	if err := p.sendSubscribe([]string{ticker}, false); err != nil {
		// Connection may be down; the full set is re-sent on reconnect.
		p.logger.Warn("subscribe frame failed, will resend on reconnect", "ticker", ticker, "error", err)
	}
	return true
}

// Unsubscribe releases a ticker's slot and promotes the highest-priority
// queued requester, actives first, FIFO within a class.
func (p *Provider) Unsubscribe(ticker string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.subscribed[ticker] {
		p.dequeue(ticker)
		return
	}
	delete(p.subscribed, ticker)
	if err := p.sendSubscribe([]string{ticker}, true); err != nil {
		p.logger.Warn("unsubscribe frame failed", "ticker", ticker, "error", err)
	}

	if next, ok := p.promoteLocked(); ok {
		p.subscribed[next] = true
		if err := p.sendSubscribe([]string{next}, false); err != nil {
			p.logger.Warn("promotion subscribe failed, will resend on reconnect", "ticker", next, "error", err)
		}
		p.logger.Info("promoted queued subscription", "ticker", next)
	}
	metrics.Subscriptions.Set(float64(len(p.subscribed)))
}

// Subscribed reports whether the ticker currently holds a slot.
func (p *Provider) Subscribed(ticker string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[ticker]
}

// Count returns the committed subscription set size.
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribed)
}

func (p *Provider) isQueued(ticker string) bool {
	for _, r := range p.pending {
		if r.ticker == ticker {
			return true
		}
	}
	return false
}

func (p *Provider) dequeue(ticker string) {
	for i, r := range p.pending {
		if r.ticker == ticker {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// promoteLocked pops the next queued request, actives before pendings.
func (p *Provider) promoteLocked() (string, bool) {
	for _, want := range []Priority{PriorityActive, PriorityPending} {
		for i, r := range p.pending {
			if r.prio == want {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				return r.ticker, true
			}
		}
	}
	return "", false
}

// Run connects and maintains the WebSocket with auto-reconnect. Blocks
// until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.WSReconnects.Inc()
		p.logger.Warn("quote feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the current connection if any.
func (p *Provider) Close() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Provider) connectAndRead(ctx context.Context) error {
	if err := p.ensureKey(ctx); err != nil {
		return fmt.Errorf("vendor key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	defer func() {
		p.connMu.Lock()
		conn.Close()
		p.conn = nil
		p.connMu.Unlock()
	}()

	// Re-send the full subscription set on every (re)connect.
	p.mu.Lock()
	all := make([]string, 0, len(p.subscribed))
	for t := range p.subscribed {
		all = append(all, t)
	}
	p.mu.Unlock()
	if err := p.sendSubscribe(all, false); err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}

	p.logger.Info("quote feed connected", "subscriptions", len(all))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go p.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.dispatchMessage(msg)
	}
}

// ensureKey fetches or refreshes the vendor key when missing or within the
// refresh slack of expiry. When no key endpoint is configured the static
// API token is used directly.
func (p *Provider) ensureKey(ctx context.Context) error {
	p.mu.Lock()
	if p.cfg.KeyURL == "" {
		p.key = p.cfg.APIToken
		p.mu.Unlock()
		return nil
	}
	if p.key != "" && time.Until(p.keyExpiry) > keyRefreshSlack {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// The fetch runs unlocked: Subscribe and Unsubscribe must not stall
	// behind the key endpoint.
	var kr keyResponse
	resp, err := p.rest.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.cfg.APIToken).
		SetResult(&kr).
		Get(p.cfg.KeyURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("key endpoint status %d: %s", resp.StatusCode(), resp.String())
	}

	p.mu.Lock()
	p.key = kr.Key
	p.keyExpiry = kr.ExpiresAt
	p.mu.Unlock()
	p.logger.Info("vendor key refreshed", "expires_at", kr.ExpiresAt)
	return nil
}

// sendSubscribe sends a subscribe or unsubscribe frame for the tickers.
// Callers hold p.mu; the frame itself is guarded by connMu.
func (p *Provider) sendSubscribe(tickers []string, unsubscribe bool) error {
	if len(tickers) == 0 {
		return nil
	}
	msg := subscribeMsg{Key: p.key}
	for _, t := range tickers {
		msg.Objects = append(msg.Objects, subscribeObj{
			Code:        p.cfg.Exchange + ":" + t,
			Type:        "series",
			BarType:     "second",
			BarInterval: 1,
			Extended:    true,
			Unsubscribe: unsubscribe,
		})
	}
	return p.writeJSON(msg)
}

func (p *Provider) dispatchMessage(data []byte) {
	var msg vendorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch {
	case len(msg.Series) > 0:
		ticker := codeTicker(msg.Code)
		if ticker == "" {
			return
		}
		for _, bar := range msg.Series {
			p.sink.OnQuote(types.Quote{
				Ticker: ticker,
				Price:  bar.Close,
				Volume: bar.Volume,
				Time:   time.UnixMilli(bar.Time).UTC(),
			})
		}
	case len(msg.Data) > 0:
		for _, d := range msg.Data {
			ticker := codeTicker(d.Code)
			if ticker == "" {
				continue
			}
			p.sink.OnQuote(types.Quote{
				Ticker: ticker,
				Price:  d.LastPrice,
				Volume: d.Volume,
				Time:   time.UnixMilli(d.Time).UTC(),
			})
		}
	}
}

// codeTicker strips the exchange prefix from "EXCHANGE:TICKER".
func codeTicker(code string) string {
	if i := strings.LastIndexByte(code, ':'); i >= 0 {
		return code[i+1:]
	}
	return code
}

func (p *Provider) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.writeMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (p *Provider) writeJSON(v any) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

func (p *Provider) writeMessage(msgType int, data []byte) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(msgType, data)
}
