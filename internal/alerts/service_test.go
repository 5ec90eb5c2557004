package alerts

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsflow-trader/internal/config"
	"newsflow-trader/internal/store"
	"newsflow-trader/pkg/types"
)

type captureDispatcher struct {
	alerts []Alert
	full   bool
}

func (c *captureDispatcher) Dispatch(a Alert) bool {
	if c.full {
		return false
	}
	c.alerts = append(c.alerts, a)
	return true
}

func newTestService(t *testing.T) (*Service, *store.Memory, *captureDispatcher) {
	t.Helper()
	st := store.NewMemory()
	disp := &captureDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.AlertsConfig{Port: 0, DedupeSize: 100, QueueSize: 16, ReadTimeout: 5 * time.Second}
	svc := NewService(cfg, st, disp, logger)
	svc.now = func() time.Time { return time.Date(2025, 12, 18, 14, 30, 0, 0, time.UTC) }
	return svc, st, disp
}

func postAlert(t *testing.T, svc *Service, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleAlertAccepted(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)

	rec := postAlert(t, svc, "/alert", map[string]string{
		"ticker":    "AAPL",
		"content":   "AAPL < $5 - Apple wins contract - Link ~ :flag_us:",
		"channel":   "pr-spike",
		"author":    "scanner",
		"timestamp": "2025-12-18T14:30:00Z",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if len(disp.alerts) != 1 {
		t.Fatalf("dispatched %d alerts, want 1", len(disp.alerts))
	}
	got := disp.alerts[0]
	if got.Announcement.Ticker != "AAPL" {
		t.Errorf("ticker = %q", got.Announcement.Ticker)
	}
	if got.Announcement.Channel != "pr-spike" {
		t.Errorf("channel = %q", got.Announcement.Channel)
	}
	if got.Announcement.Source != types.SourceLive {
		t.Errorf("source = %q, want live", got.Announcement.Source)
	}
	if got.TraceID == "" {
		t.Error("empty trace ID")
	}

	kinds := st.TraceEventKinds(got.TraceID)
	if len(kinds) != 1 || kinds[0] != types.EvAlertReceived {
		t.Errorf("trace events = %v, want [alert_received]", kinds)
	}
}

func TestHandleAlertBackfillSource(t *testing.T) {
	t.Parallel()
	svc, _, disp := newTestService(t)

	postAlert(t, svc, "/backfill", map[string]string{
		"ticker":    "BCDA",
		"content":   "BCDA < $2 - Phase 2 data - Link ~ :flag_us:",
		"timestamp": "2025-12-18T13:00:00Z",
	})
	if len(disp.alerts) != 1 {
		t.Fatalf("dispatched %d alerts, want 1", len(disp.alerts))
	}
	if disp.alerts[0].Announcement.Source != types.SourceBackfill {
		t.Errorf("source = %q, want backfill", disp.alerts[0].Announcement.Source)
	}
}

func TestHandleAlertDeduplicated(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)

	body := map[string]string{
		"ticker":    "TSLA",
		"content":   "TSLA < $200 - Deliveries beat - Link ~ :flag_us:",
		"timestamp": "2025-12-18T14:30:10Z",
	}
	postAlert(t, svc, "/alert", body)
	// Same ticker, same minute, different seconds.
	body["timestamp"] = "2025-12-18T14:30:45Z"
	rec := postAlert(t, svc, "/alert", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if len(disp.alerts) != 1 {
		t.Fatalf("dispatched %d alerts, want 1 (duplicate dropped)", len(disp.alerts))
	}
	kinds := st.TraceEventKinds(disp.alerts[0].TraceID)
	want := []types.TraceEventKind{types.EvAlertReceived, types.EvAlertDeduplicated}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("trace events = %v, want %v", kinds, want)
	}
}

func TestHandleAlertUnparseableRecordedOnly(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)

	rec := postAlert(t, svc, "/alert", map[string]string{
		"ticker":    "XYZQ",
		"content":   "some chatter with no alert structure",
		"timestamp": "2025-12-18T14:30:00Z",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(disp.alerts) != 0 {
		t.Errorf("dispatched %d alerts, want 0", len(disp.alerts))
	}
	statuses := st.TraceStatuses()
	if len(statuses) != 1 {
		t.Fatalf("got %d traces, want 1", len(statuses))
	}
	for _, status := range statuses {
		if status != types.TraceReceived {
			t.Errorf("trace status = %q, want received", status)
		}
	}
}

func TestHandleAlertPriceInfoOverride(t *testing.T) {
	t.Parallel()
	svc, _, disp := newTestService(t)

	postAlert(t, svc, "/alert", map[string]string{
		"ticker":     "NVDA",
		"content":    "NVDA < $4 - Chip news - Link ~ :flag_us:",
		"price_info": "< $.75c",
		"timestamp":  "2025-12-18T14:30:00Z",
	})
	if len(disp.alerts) != 1 {
		t.Fatalf("dispatched %d alerts, want 1", len(disp.alerts))
	}
	if got := disp.alerts[0].Announcement.PriceThreshold; got != 0.75 {
		t.Errorf("price threshold = %v, want 0.75 (price_info override)", got)
	}
}

func TestHandleAlertMalformedJSON(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	rec := postAlert(t, svc, "/alert", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAlertMethods(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodOptions, "/alert", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/alert", nil)
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET status = %d, want 404", rec.Code)
	}
}

func TestHandleAlertQueueFull(t *testing.T) {
	t.Parallel()
	svc, _, disp := newTestService(t)
	disp.full = true

	// A full engine queue is not a client error.
	rec := postAlert(t, svc, "/alert", map[string]string{
		"ticker":    "AAPL",
		"content":   "AAPL < $5 - News - Link ~ :flag_us:",
		"timestamp": "2025-12-18T14:30:00Z",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
