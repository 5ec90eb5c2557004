// Package alerts implements the HTTP ingestion service for chat-room
// alerts: parse, dedupe, trace, and non-blocking dispatch into the engine.
//
// The handler path never performs blocking engine work: alerts are enqueued
// onto a buffered channel owned by the dispatcher and the handler returns
// 200 within a bounded time regardless of engine state.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"newsflow-trader/internal/config"
	"newsflow-trader/internal/metrics"
	"newsflow-trader/pkg/types"
)

// Alert is one accepted ingestion event handed to the engine.
type Alert struct {
	Announcement types.Announcement
	TraceID      string
	Raw          json.RawMessage
}

// Dispatcher receives parsed alerts. Dispatch must not block: it returns
// false when the engine queue is full and the alert is dropped.
type Dispatcher interface {
	Dispatch(a Alert) bool
}

// Recorder persists announcements and the audit trail. Implemented by the
// store layer.
type Recorder interface {
	SaveAnnouncement(ctx context.Context, ann types.Announcement) error
	CreateTrace(ctx context.Context, traceID string, ann *types.Announcement, status types.TraceStatus, kind types.TraceEventKind, detail string) error
	AppendTraceEvent(ctx context.Context, traceID string, kind types.TraceEventKind, detail string) error
}

// Service is the HTTP alert ingestion endpoint.
type Service struct {
	cfg        config.AlertsConfig
	dedupe     *dedupeSet
	recorder   Recorder
	dispatcher Dispatcher
	server     *http.Server
	logger     *slog.Logger

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// alertRequest is the wire format posted by the chat-room scraper.
type alertRequest struct {
	Ticker    string `json:"ticker"`
	PriceInfo string `json:"price_info"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
}

// NewService creates the alert service. It does not start listening until
// Start is called.
func NewService(cfg config.AlertsConfig, recorder Recorder, dispatcher Dispatcher, logger *slog.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		dedupe:     newDedupeSet(cfg.DedupeSize),
		recorder:   recorder,
		dispatcher: dispatcher,
		logger:     logger.With("component", "alerts"),
		now:        time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/alert", s.handleAlert(types.SourceLive))
	mux.HandleFunc("/backfill", s.handleAlert(types.SourceBackfill))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP listener. Blocks until Stop or a listener error.
func (s *Service) Start() error {
	s.logger.Info("alert service listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("alert server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Service) Handler() http.Handler { return s.server.Handler }

func (s *Service) handleAlert(source types.AnnouncementSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodPost:
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "error": "not found"})
			return
		}

		var req alertRequest
		raw := json.RawMessage{}
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "malformed json"})
			return
		}
		raw, _ = json.Marshal(req)

		s.ingest(r.Context(), source, req, raw)

		// Always ok once the body parsed: an unparseable alert is
		// "received but not tradeable", not a client error.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ingest runs the parse → dedupe → trace → dispatch pipeline for one alert.
func (s *Service) ingest(ctx context.Context, source types.AnnouncementSource, req alertRequest, raw json.RawMessage) {
	received := s.now()

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		ts = received
	}
	ts = ts.UTC()

	ticker, ok := ExtractTicker(req.Ticker)
	if !ok {
		s.logger.Debug("no ticker in alert", "ticker_field", req.Ticker)
		metrics.AlertsDropped.WithLabelValues("no_ticker").Inc()
		return
	}

	traceID := uuid.New().String()
	if existing, dup := s.dedupe.Check(alertKey(ticker, ts), traceID); dup {
		metrics.AlertsDeduplicated.Inc()
		if err := s.recorder.AppendTraceEvent(ctx, existing, types.EvAlertDeduplicated, "duplicate alert dropped"); err != nil {
			s.logger.Error("record dedupe event", "error", err)
		}
		return
	}

	ann, parsed := ParseLine(req.Content, ts)
	if parsed {
		ann.Channel = req.Channel
		ann.Author = req.Author
		ann.Source = source
		if price, ok := ExtractPrice(req.PriceInfo); ok {
			ann.PriceThreshold = price
		}
		if err := s.recorder.SaveAnnouncement(ctx, ann); err != nil {
			s.logger.Error("save announcement", "ticker", ticker, "error", err)
		}
	}

	var annPtr *types.Announcement
	if parsed {
		annPtr = &ann
	}
	if err := s.recorder.CreateTrace(ctx, traceID, annPtr, types.TraceReceived, types.EvAlertReceived, string(source)); err != nil {
		s.logger.Error("create trace", "ticker", ticker, "error", err)
	}

	metrics.AlertsReceived.WithLabelValues(string(source)).Inc()
	if !parsed {
		s.logger.Info("alert not parseable, recorded only", "ticker", ticker)
		return
	}

	if !s.dispatcher.Dispatch(Alert{Announcement: ann, TraceID: traceID, Raw: raw}) {
		s.logger.Warn("engine queue full, alert dropped", "ticker", ticker)
		metrics.AlertsDropped.WithLabelValues("queue_full").Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
