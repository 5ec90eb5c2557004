package store

// schema is applied in order on startup. All timestamps are naive UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS announcements (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		ticker TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		price_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		headline TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'live',
		payload JSONB,
		created_at TIMESTAMP NOT NULL DEFAULT (now() AT TIME ZONE 'utc'),
		UNIQUE (ticker, ts)
	)`,

	`CREATE TABLE IF NOT EXISTS traces (
		id UUID PRIMARY KEY,
		ticker TEXT NOT NULL DEFAULT '',
		announcement_ts TIMESTAMP,
		status TEXT NOT NULL,
		pending_entry_id TEXT,
		active_trade_id TEXT,
		completed_trade_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS trace_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		trace_id UUID NOT NULL REFERENCES traces(id),
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS pending_entries (
		trade_id UUID PRIMARY KEY,
		ticker TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		announcement JSONB NOT NULL,
		alert_time TIMESTAMP NOT NULL,
		first_price DOUBLE PRECISION
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		broker_order_id TEXT NOT NULL,
		trade_id UUID,
		strategy_id TEXT NOT NULL DEFAULT '',
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		requested_qty BIGINT NOT NULL,
		filled_qty BIGINT NOT NULL DEFAULT 0,
		limit_price DOUBLE PRECISION NOT NULL,
		avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_broker_order_id ON orders (broker_order_id)`,

	`CREATE TABLE IF NOT EXISTS order_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		broker_order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		raw TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS active_trades (
		trade_id UUID PRIMARY KEY,
		ticker TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		first_candle_open DOUBLE PRECISION NOT NULL DEFAULT 0,
		shares BIGINT NOT NULL,
		stop_loss_price DOUBLE PRECISION NOT NULL,
		take_profit_price DOUBLE PRECISION NOT NULL,
		highest_since_entry DOUBLE PRECISION NOT NULL,
		last_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_quote_time TIMESTAMP,
		sell_attempts INT NOT NULL DEFAULT 0,
		needs_manual_exit BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (ticker, strategy_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		trade_id UUID NOT NULL,
		ticker TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		shares BIGINT NOT NULL,
		exit_reason TEXT NOT NULL,
		return_pct DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		strategy_json JSONB,
		paper BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT (now() AT TIME ZONE 'utc')
	)`,

	`CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		priority INT NOT NULL UNIQUE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		config JSONB NOT NULL
	)`,
}
