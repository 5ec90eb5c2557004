// Package types defines the shared domain model of the trading engine:
// announcements, strategy configuration, the position lifecycle records
// (pending entry → pending order → active trade → completed trade), and
// the audit-trail types.
package types

import "time"

// Direction is the optional arrow tag on an alert line.
type Direction string

const (
	DirectionNone    Direction = ""
	DirectionUp      Direction = "up"
	DirectionUpRight Direction = "up_right"
)

// Session is the US-equities trading session, computed in America/New_York.
type Session string

const (
	SessionPremarket  Session = "premarket"  // 04:00–09:30
	SessionMarket     Session = "market"     // 09:30–16:00
	SessionPostmarket Session = "postmarket" // 16:00–20:00
	SessionClosed     Session = "closed"
)

// AnnouncementSource distinguishes live alerts from offline backfill.
type AnnouncementSource string

const (
	SourceLive     AnnouncementSource = "live"
	SourceBackfill AnnouncementSource = "backfill"
)

// Announcement is the parsed, structured form of one alert. Immutable;
// content-addressed by (Ticker, Timestamp).
type Announcement struct {
	Ticker         string             `json:"ticker"`
	Timestamp      time.Time          `json:"timestamp"` // UTC
	PriceThreshold float64            `json:"price_threshold"`
	Headline       string             `json:"headline"`
	Country        string             `json:"country,omitempty"`
	Channel        string             `json:"channel,omitempty"`
	Author         string             `json:"author,omitempty"`
	Direction      Direction          `json:"direction,omitempty"`
	Source         AnnouncementSource `json:"source"`

	// Optional fundamentals parsed from the alert tail.
	Float            float64 `json:"float,omitempty"`
	MarketCap        float64 `json:"market_cap,omitempty"`
	InstOwnershipPct float64 `json:"inst_ownership_pct,omitempty"`
	ShortInterestPct float64 `json:"short_interest_pct,omitempty"`
	HighCTB          bool    `json:"high_ctb,omitempty"`
	RegSHO           bool    `json:"reg_sho,omitempty"`

	// Pre-computed features.
	FinancingHeadline bool `json:"financing_headline,omitempty"`
}

// Quote is one second-resolution tick from the market-data vendor.
type Quote struct {
	Ticker string
	Price  float64
	Volume int64
	Time   time.Time
}

// Candle is one wall-clock minute of OHLCV built from the quote stream.
type Candle struct {
	Minute time.Time `json:"minute"` // truncated to the minute, UTC
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Green reports whether the candle closed above its open.
func (c Candle) Green() bool { return c.Close > c.Open }

// SizingMode selects how share counts are computed on entry.
type SizingMode string

const (
	SizingFixed     SizingMode = "fixed"
	SizingVolumePct SizingMode = "volume_pct"
)

// FilterConfig is the alert filter set of one strategy. Zero values mean
// "no restriction" except ExcludeFinancing, which is an explicit opt-in.
type FilterConfig struct {
	Channels         []string    `json:"channels,omitempty" mapstructure:"channels"`
	Directions       []Direction `json:"directions,omitempty" mapstructure:"directions"`
	Sessions         []Session   `json:"sessions,omitempty" mapstructure:"sessions"`
	MinPrice         float64     `json:"min_price,omitempty" mapstructure:"min_price"`
	MaxPrice         float64     `json:"max_price,omitempty" mapstructure:"max_price"`
	BlockedCountries []string    `json:"blocked_countries,omitempty" mapstructure:"blocked_countries"`
	ExcludeFinancing bool        `json:"exclude_financing,omitempty" mapstructure:"exclude_financing"`
	MaxMentions      int         `json:"max_mentions,omitempty" mapstructure:"max_mentions"`
	HeadlineExcludes []string    `json:"headline_excludes,omitempty" mapstructure:"headline_excludes"`
}

// EntryConfig holds the consecutive-green-candle entry rules.
type EntryConfig struct {
	ConsecGreenCandles int   `json:"consec_green_candles" mapstructure:"consec_green_candles"`
	MinCandleVolume    int64 `json:"min_candle_volume" mapstructure:"min_candle_volume"`
	EntryWindowMin     int   `json:"entry_window_min" mapstructure:"entry_window_min"`
}

// ExitConfig holds the exit rules, evaluated in the order
// take-profit > fixed stop > trailing stop > timeout.
type ExitConfig struct {
	TakeProfitPct    float64 `json:"take_profit_pct" mapstructure:"take_profit_pct"`
	StopLossPct      float64 `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	StopLossFromOpen bool    `json:"stop_loss_from_open" mapstructure:"stop_loss_from_open"`
	TrailingStopPct  float64 `json:"trailing_stop_pct" mapstructure:"trailing_stop_pct"`
	TimeoutMin       int     `json:"timeout_min" mapstructure:"timeout_min"`
}

// SizingConfig holds position sizing rules.
type SizingConfig struct {
	Mode        SizingMode `json:"mode" mapstructure:"mode"`
	StakeAmount float64    `json:"stake_amount" mapstructure:"stake_amount"`
	VolumePct   float64    `json:"volume_pct" mapstructure:"volume_pct"`
	MaxStake    float64    `json:"max_stake" mapstructure:"max_stake"`
}

// StrategyConfig is the user-editable configuration of one strategy.
// Priority is a global total order: lower number = evaluated earlier.
type StrategyConfig struct {
	ID       string       `json:"id" mapstructure:"id"`
	Name     string       `json:"name" mapstructure:"name"`
	Enabled  bool         `json:"enabled" mapstructure:"enabled"`
	Priority int          `json:"priority" mapstructure:"priority"`
	Filters  FilterConfig `json:"filters" mapstructure:"filters"`
	Entry    EntryConfig  `json:"entry" mapstructure:"entry"`
	Exit     ExitConfig   `json:"exit" mapstructure:"exit"`
	Sizing   SizingConfig `json:"sizing" mapstructure:"sizing"`
}

// PendingEntry is an accepted-but-not-yet-filled alert, keyed by an
// engine-generated trade ID that follows the position through its whole
// lifecycle.
type PendingEntry struct {
	TradeID      string       `json:"trade_id"`
	Ticker       string       `json:"ticker"`
	StrategyID   string       `json:"strategy_id"`
	Announcement Announcement `json:"announcement"`
	AlertTime    time.Time    `json:"alert_time"`

	// FirstPrice is the first observed post-alert price; valid only when
	// FirstPriceSet is true.
	FirstPrice    float64 `json:"first_price,omitempty"`
	FirstPriceSet bool    `json:"first_price_set"`
}

// OrderSide is the order direction. The engine is long-only: buys open,
// sells close.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus is the persisted lifecycle state of an order row.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial_fill"
	OrderCanceled  OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
)

// PendingOrder is an in-flight broker order, keyed by the broker order ID.
// It carries enough context to construct an ActiveTrade on a buy fill or a
// CompletedTrade on a sell fill. Not durable: lost on restart by design.
type PendingOrder struct {
	OrderID     string
	TradeID     string
	Ticker      string
	StrategyID  string
	Side        OrderSide
	Shares      int64
	LimitPrice  float64
	SubmittedAt time.Time

	// Sell-side context, zero for buys.
	EntryPrice      float64
	EntryTime       time.Time
	FirstCandleOpen float64
	StopLossPrice   float64
	TakeProfitPrice float64
	ExitReason      ExitReason
}

// ActiveTrade is one filled open position being monitored for exit.
type ActiveTrade struct {
	TradeID           string    `json:"trade_id"`
	Ticker            string    `json:"ticker"`
	StrategyID        string    `json:"strategy_id"`
	EntryPrice        float64   `json:"entry_price"`
	EntryTime         time.Time `json:"entry_time"`
	FirstCandleOpen   float64   `json:"first_candle_open"`
	Shares            int64     `json:"shares"`
	StopLossPrice     float64   `json:"stop_loss_price"`
	TakeProfitPrice   float64   `json:"take_profit_price"`
	HighestSinceEntry float64   `json:"highest_since_entry"`
	LastPrice         float64   `json:"last_price"`
	LastQuoteTime     time.Time `json:"last_quote_time"`
	SellAttempts      int       `json:"sell_attempts"`
	NeedsManualExit   bool      `json:"needs_manual_exit"`
}

// ExitReason tags why a position was (or should be) closed.
type ExitReason string

const (
	ExitTakeProfit       ExitReason = "take_profit"
	ExitStopLoss         ExitReason = "stop_loss"
	ExitTrailingStop     ExitReason = "trailing_stop"
	ExitTimeout          ExitReason = "timeout"
	ExitStrategyDisabled ExitReason = "strategy_disabled"
	ExitPositionNotFound ExitReason = "position_not_found"
	ExitManual           ExitReason = "manual"
)

// CompletedTrade is the immutable historical record of one round trip.
type CompletedTrade struct {
	TradeID      string     `json:"trade_id"`
	Ticker       string     `json:"ticker"`
	StrategyID   string     `json:"strategy_id"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    float64    `json:"exit_price"`
	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     time.Time  `json:"exit_time"`
	Shares       int64      `json:"shares"`
	ExitReason   ExitReason `json:"exit_reason"`
	ReturnPct    float64    `json:"return_pct"`
	PnL          float64    `json:"pnl"`
	StrategyJSON string     `json:"strategy_json,omitempty"`
	Paper        bool       `json:"paper"`
}

// TraceStatus is the lifecycle status of one accepted-or-rejected alert.
type TraceStatus string

const (
	TraceReceived     TraceStatus = "received"
	TraceFiltered     TraceStatus = "filtered"
	TracePendingEntry TraceStatus = "pending_entry"
	TraceEntryTimeout TraceStatus = "entry_timeout"
	TraceActiveTrade  TraceStatus = "active_trade"
	TraceCompleted    TraceStatus = "completed"
	TraceError        TraceStatus = "error"
)

// TraceEventKind is the typed event appended to a trace.
type TraceEventKind string

const (
	EvAlertReceived      TraceEventKind = "alert_received"
	EvAlertDeduplicated  TraceEventKind = "alert_deduplicated"
	EvFilterRejected     TraceEventKind = "filter_rejected"
	EvPendingEntry       TraceEventKind = "pending_entry_created"
	EvEntryTimeout       TraceEventKind = "entry_timeout"
	EvBuySubmitted       TraceEventKind = "buy_order_submitted"
	EvBuyFilled          TraceEventKind = "buy_order_filled"
	EvActiveTradeCreated TraceEventKind = "active_trade_created"
	EvSellSubmitted      TraceEventKind = "sell_order_submitted"
	EvTradeCompleted     TraceEventKind = "trade_completed"
	EvError              TraceEventKind = "error"
)

// FillKind classifies broker trade-update notifications.
type FillKind string

const (
	FillFilled   FillKind = "fill"
	FillPartial  FillKind = "partial_fill"
	FillCanceled FillKind = "canceled"
	FillRejected FillKind = "rejected"
)

// FillEvent is one asynchronous broker trade update, identified by the
// broker order ID.
type FillEvent struct {
	OrderID      string
	Kind         FillKind
	FilledShares int64
	FillPrice    float64
	Time         time.Time
	Raw          string // raw broker payload, persisted with the order event
}

// Position is the broker's view of one holding.
type Position struct {
	Ticker   string
	Shares   int64
	AvgPrice float64
}

// OpenOrder is the broker's view of one open (unfilled) order.
type OpenOrder struct {
	OrderID    string
	Ticker     string
	Side       OrderSide
	Shares     int64
	LimitPrice float64
	CreatedAt  time.Time
}

// AccountInfo is the broker account snapshot.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// SessionAt computes the trading session for an instant, evaluated in
// America/New_York regardless of the time's own location.
func SessionAt(t time.Time, loc *time.Location) Session {
	ny := t.In(loc)
	mins := ny.Hour()*60 + ny.Minute()
	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return SessionPremarket
	case mins >= 9*60+30 && mins < 16*60:
		return SessionMarket
	case mins >= 16*60 && mins < 20*60:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}
