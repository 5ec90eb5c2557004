package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsflow-trader/internal/config"
	"newsflow-trader/internal/engine"
	"newsflow-trader/internal/strategy"
	"newsflow-trader/pkg/types"
)

type stubProvider struct {
	status engine.Status
}

func (s *stubProvider) Status(ctx context.Context) engine.Status { return s.status }

func newTestServer(status engine.Status) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(config.StatusConfig{Port: 0}, &stubProvider{status: status}, logger)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestServer(engine.Status{}), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	status := engine.Status{
		Paper:         true,
		Subscriptions: 3,
		GeneratedAt:   time.Date(2025, 12, 18, 14, 30, 0, 0, time.UTC),
		Strategies: []strategy.Snapshot{
			{
				StrategyID: "momo",
				Name:       "Momentum",
				ActiveTrades: []types.ActiveTrade{
					{TradeID: "t-1", Ticker: "AAPL", StrategyID: "momo", Shares: 22, NeedsManualExit: true},
				},
			},
		},
	}
	rec := get(t, newTestServer(status), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var got engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Paper || got.Subscriptions != 3 {
		t.Errorf("decoded = %+v", got)
	}
	if len(got.Strategies) != 1 || got.Strategies[0].StrategyID != "momo" {
		t.Fatalf("strategies = %+v", got.Strategies)
	}
	// Trades flagged for manual intervention survive the round trip.
	at := got.Strategies[0].ActiveTrades
	if len(at) != 1 || !at[0].NeedsManualExit {
		t.Errorf("active trades = %+v", at)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := newTestServer(engine.Status{})
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestServer(engine.Status{}), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
