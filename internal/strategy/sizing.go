package strategy

import (
	"math"
	"time"

	"newsflow-trader/pkg/types"
)

// computeShares sizes an entry at the given price. Fixed mode buys
// stake_amount worth of stock, at least one share. Volume-percentage mode
// takes a cut of the last completed candle's volume; inside the very first
// candle the building volume is extrapolated to a full minute. Returns 0
// when no position should be taken.
func computeShares(s types.SizingConfig, price float64, completed []types.Candle, building *types.Candle, quoteTime time.Time) int64 {
	if price <= 0 {
		return 0
	}

	switch s.Mode {
	case types.SizingFixed:
		n := int64(math.Floor(s.StakeAmount / price))
		if n < 1 {
			n = 1
		}
		return n

	case types.SizingVolumePct:
		refVol := referenceVolume(completed, building, quoteTime)
		if refVol <= 0 {
			return 0
		}
		shares := int64(math.Floor(refVol * s.VolumePct / 100))
		maxShares := int64(math.Floor(s.MaxStake / price))
		if shares > maxShares {
			shares = maxShares
		}
		if shares <= 0 {
			return 0
		}
		return shares

	default:
		return 0
	}
}

// referenceVolume picks the volume the percentage applies to: the last
// completed candle, or the building candle's volume projected to a full
// minute when no candle has completed yet.
func referenceVolume(completed []types.Candle, building *types.Candle, quoteTime time.Time) float64 {
	if len(completed) > 0 {
		return float64(completed[len(completed)-1].Volume)
	}
	if building == nil {
		return 0
	}
	elapsed := quoteTime.Sub(building.Minute).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(building.Volume) * (60 / elapsed)
}
