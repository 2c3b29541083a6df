// Package exposure enforces per-user position limits.
//
// A user buying YES across every market in a season carries correlated
// risk: at most one participant wins, so the aggregate is bounded but the
// outlay is not. This package caps both the net YES exposure in any single
// market and the aggregate exposure across a season's markets.
package exposure

import (
	"errors"
)

var (
	// ErrPerMarketLimitExceeded is returned when an order would push a
	// single market's net position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("exposure: per-market position limit exceeded")

	// ErrSeasonLimitExceeded is returned when an order would push the
	// aggregate exposure across a season's markets beyond the season
	// maximum.
	ErrSeasonLimitExceeded = errors.New("exposure: season exposure limit exceeded")
)

// Limiter enforces position limits. Exposure is measured in shares:
// net = yesShares − noShares per market, aggregated as absolute values
// across the season.
type Limiter struct {
	// MaxPerMarket is the maximum absolute net position in any single market.
	MaxPerMarket int64

	// MaxPerSeason is the maximum aggregate absolute exposure across all
	// markets of one season.
	MaxPerSeason int64
}

// NewLimiter creates a limiter with the given per-market and per-season
// exposure limits. Zero or negative limits disable the corresponding check.
func NewLimiter(maxPerMarket, maxPerSeason int64) *Limiter {
	return &Limiter{
		MaxPerMarket: maxPerMarket,
		MaxPerSeason: maxPerSeason,
	}
}

// Check validates whether an order respects position limits.
//
// Parameters:
//   - targetMarket: market ID of the order being placed
//   - delta: signed change in net exposure (+YES direction, −NO direction)
//   - existing: map of market ID → current net exposure for this user
//     across the target market's season
//
// Returns nil if the order is within limits, or an error naming the
// violated limit.
func (l *Limiter) Check(targetMarket string, delta int64, existing map[string]int64) error {
	newPosition := existing[targetMarket] + delta

	if l.MaxPerMarket > 0 && abs(newPosition) > l.MaxPerMarket {
		return ErrPerMarketLimitExceeded
	}

	if l.MaxPerSeason > 0 {
		total := abs(newPosition)
		for marketID, exp := range existing {
			if marketID == targetMarket {
				continue // already counted via newPosition above
			}
			total += abs(exp)
		}
		if total > l.MaxPerSeason {
			return ErrSeasonLimitExceeded
		}
	}

	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
