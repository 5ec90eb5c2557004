// Package metrics registers the Prometheus collectors the engine updates
// during operation, served at /metrics on the status server:
//
//	trader_alerts_received_total{source}   – alerts accepted by the HTTP layer
//	trader_alerts_deduplicated_total       – duplicate alerts dropped
//	trader_alerts_dropped_total{reason}    – alerts dropped before dispatch
//	trader_entries_total{outcome}          – pending entries created/expired
//	trader_orders_total{side,mode}         – broker orders submitted
//	trader_exits_total{reason}             – position exits by reason
//	trader_quotes_total                    – vendor quote messages consumed
//	trader_subscriptions                   – current WS symbol subscriptions
//	trader_ws_reconnects_total             – quote feed reconnects
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AlertsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_alerts_received_total",
			Help: "Alerts accepted by the HTTP ingestion layer",
		},
		[]string{"source"},
	)

	AlertsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_alerts_deduplicated_total",
			Help: "Duplicate alerts dropped by the LRU dedupe set",
		},
	)

	AlertsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_alerts_dropped_total",
			Help: "Alerts dropped before reaching a strategy",
		},
		[]string{"reason"},
	)

	Entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_entries_total",
			Help: "Pending entry outcomes (created, expired, abandoned)",
		},
		[]string{"outcome"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Broker orders submitted",
		},
		[]string{"side", "mode"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"reason"},
	)

	Quotes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_quotes_total",
			Help: "Vendor quote messages consumed",
		},
	)

	Subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_subscriptions",
			Help: "Current WebSocket symbol subscriptions",
		},
	)

	WSReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "Quote feed reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AlertsReceived,
		AlertsDeduplicated,
		AlertsDropped,
		Entries,
		Orders,
		Exits,
		Quotes,
		Subscriptions,
		WSReconnects,
	)
}
