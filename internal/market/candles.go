// Package market maintains the local per-ticker candle state fed by the
// quote stream.
//
// A Series aggregates second-resolution ticks into one-minute OHLCV
// candles. There is at most one completed list and one building candle per
// ticker, shared by every pending entry and active trade on that ticker.
// Only the quote delivery path mutates a Series; strategies read snapshots.
package market

import (
	"sync"
	"time"

	"newsflow-trader/pkg/types"
)

// maxCompleted bounds the retained history; entry evaluation only ever
// looks at a trailing streak.
const maxCompleted = 120

// Series is the candle state for one ticker.
type Series struct {
	mu        sync.RWMutex
	ticker    string
	completed []types.Candle
	building  *types.Candle
}

// NewSeries creates an empty series for a ticker.
func NewSeries(ticker string) *Series {
	return &Series{ticker: ticker}
}

// Ticker returns the symbol this series tracks.
func (s *Series) Ticker() string { return s.ticker }

// Apply folds one tick into the series. When the tick's minute differs
// from the building candle's, the building candle is finalized and a new
// one begins at this tick.
func (s *Series) Apply(q types.Quote) {
	minute := q.Time.UTC().Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.building != nil && !s.building.Minute.Equal(minute) {
		s.completed = append(s.completed, *s.building)
		if len(s.completed) > maxCompleted {
			s.completed = s.completed[len(s.completed)-maxCompleted:]
		}
		s.building = nil
	}

	if s.building == nil {
		s.building = &types.Candle{
			Minute: minute,
			Open:   q.Price,
			High:   q.Price,
			Low:    q.Price,
			Close:  q.Price,
			Volume: q.Volume,
		}
		return
	}

	if q.Price > s.building.High {
		s.building.High = q.Price
	}
	if q.Price < s.building.Low {
		s.building.Low = q.Price
	}
	s.building.Close = q.Price
	s.building.Volume += q.Volume
}

// Snapshot returns the completed candles and a copy of the building candle
// (nil when no tick has arrived yet).
func (s *Series) Snapshot() ([]types.Candle, *types.Candle) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	completed := make([]types.Candle, len(s.completed))
	copy(completed, s.completed)
	if s.building == nil {
		return completed, nil
	}
	b := *s.building
	return completed, &b
}

// TrailingStreak counts the trailing run of completed candles that are
// green and meet the volume threshold (equality counts).
func TrailingStreak(completed []types.Candle, minVolume int64) int {
	n := 0
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		if !c.Green() || c.Volume < minVolume {
			break
		}
		n++
	}
	return n
}
