package strategy

import (
	"testing"
	"time"

	"newsflow-trader/pkg/types"
)

func TestComputeSharesFixed(t *testing.T) {
	t.Parallel()
	cfg := types.SizingConfig{Mode: types.SizingFixed, StakeAmount: 1000}

	if got := computeShares(cfg, 4.00, nil, nil, time.Time{}); got != 250 {
		t.Errorf("shares = %d, want 250", got)
	}
	// Fixed mode buys at least one share even when the stake is too small.
	if got := computeShares(cfg, 1500, nil, nil, time.Time{}); got != 1 {
		t.Errorf("shares = %d, want 1", got)
	}
	if got := computeShares(cfg, 0, nil, nil, time.Time{}); got != 0 {
		t.Errorf("shares at zero price = %d, want 0", got)
	}
}

func TestComputeSharesVolumePct(t *testing.T) {
	t.Parallel()
	minute := time.Date(2025, 12, 18, 14, 30, 0, 0, time.UTC)
	cfg := types.SizingConfig{Mode: types.SizingVolumePct, VolumePct: 2, MaxStake: 10000}

	// Last completed candle's volume is the reference: floor(1100 * 0.02) = 22.
	completed := []types.Candle{{Minute: minute, Open: 5.00, Close: 5.10, Volume: 1100}}
	if got := computeShares(cfg, 5.16, completed, nil, minute.Add(65*time.Second)); got != 22 {
		t.Errorf("shares = %d, want 22", got)
	}

	// No completed candle: building volume extrapolates to a full minute.
	// 1000 shares in 15s -> 4000/min, 2% -> 80 shares.
	building := &types.Candle{Minute: minute, Open: 1.00, Close: 1.02, Volume: 1000}
	if got := computeShares(cfg, 1.00, nil, building, minute.Add(15*time.Second)); got != 80 {
		t.Errorf("extrapolated shares = %d, want 80", got)
	}

	// Max stake caps the share count.
	big := []types.Candle{{Minute: minute, Volume: 1000000, Open: 1, Close: 2}}
	if got := computeShares(cfg, 5.00, big, nil, minute.Add(61*time.Second)); got != 2000 {
		t.Errorf("capped shares = %d, want 2000 (10000/5)", got)
	}
}

func TestComputeSharesVolumePctAborts(t *testing.T) {
	t.Parallel()
	minute := time.Date(2025, 12, 18, 14, 30, 0, 0, time.UTC)
	cfg := types.SizingConfig{Mode: types.SizingVolumePct, VolumePct: 2, MaxStake: 10000}

	// Nothing to size against.
	if got := computeShares(cfg, 5.00, nil, nil, minute); got != 0 {
		t.Errorf("shares with no candles = %d, want 0", got)
	}
	// Tiny reference volume floors to zero: no position rather than one share.
	low := []types.Candle{{Minute: minute, Volume: 10, Open: 1, Close: 2}}
	if got := computeShares(cfg, 5.00, low, nil, minute.Add(61*time.Second)); got != 0 {
		t.Errorf("shares with tiny volume = %d, want 0", got)
	}
	// Quote at the building candle's first instant has no elapsed time.
	building := &types.Candle{Minute: minute, Volume: 1000, Open: 1, Close: 2}
	if got := computeShares(cfg, 5.00, nil, building, minute); got != 0 {
		t.Errorf("shares at zero elapsed = %d, want 0", got)
	}
}
