// Package settle computes pro-rata settlement payouts for a concluded
// season and drives their disbursement through an external payment rail.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/contract"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

var (
	// ErrSeasonNotConcluded is returned when computing payouts before the
	// season has a recorded winner.
	ErrSeasonNotConcluded = errors.New("settle: season is not concluded")

	// ErrWinnerMismatch is returned when the requested winner differs
	// from the one recorded at conclusion.
	ErrWinnerMismatch = errors.New("settle: winner does not match season record")

	// ErrOpenOrdersRemain is returned when the winning market still has
	// resting orders.
	ErrOpenOrdersRemain = errors.New("settle: open orders remain on winning market")
)

// Calculator derives the payout set for a concluded season. Payouts are
// computed once; repeat calls return the stored set unchanged.
type Calculator struct {
	store store.Store
}

// NewCalculator creates a payout calculator over the given store.
func NewCalculator(st store.Store) *Calculator {
	return &Calculator{store: st}
}

// ComputePayouts distributes the winning market's locked collateral
// pro-rata across its YES holders. Holders are processed in user ID
// order; every holder but the last receives a rounded share and the last
// receives the exact remainder, so the payout sum equals the locked pool
// to the cent.
func (c *Calculator) ComputePayouts(ctx context.Context, seasonID, winnerParticipantID string) ([]model.Payout, error) {
	season, err := c.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	if season.Status != model.SeasonConcluded {
		return nil, ErrSeasonNotConcluded
	}
	if winnerParticipantID != "" && winnerParticipantID != season.WinnerParticipantID {
		return nil, fmt.Errorf("%w: recorded %q, requested %q",
			ErrWinnerMismatch, season.WinnerParticipantID, winnerParticipantID)
	}

	if existing, err := c.store.ListPayoutsBySeason(ctx, seasonID); err != nil {
		return nil, err
	} else if len(existing) > 0 {
		return existing, nil
	}

	ticker := contract.Ticker(seasonID, season.WinnerParticipantID)
	market, err := c.store.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if market.Status == model.MarketActive {
		return nil, fmt.Errorf("settle: winning market %s is still active", ticker)
	}
	open, err := c.store.ListOpenOrders(ctx, market.ID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, ErrOpenOrdersRemain
	}

	positions, err := c.store.ListPositionsByMarket(ctx, market.ID)
	if err != nil {
		return nil, err
	}

	var holders []model.MarketPosition
	var totalYes int64
	for _, p := range positions {
		if p.YesShares > 0 {
			holders = append(holders, p)
			totalYes += p.YesShares
		}
	}
	if totalYes == 0 {
		return nil, nil
	}
	if totalYes != market.OutstandingPairs {
		return nil, fmt.Errorf("settle: market %s holds %d yes shares against %d pairs",
			ticker, totalYes, market.OutstandingPairs)
	}

	pool := market.LockedCollateral
	total := decimal.NewFromInt(totalYes)
	now := time.Now().UTC()

	payouts := make([]model.Payout, 0, len(holders))
	remaining := pool
	for i, h := range holders {
		shares := decimal.NewFromInt(h.YesShares)
		pct := shares.Div(total)

		var amount decimal.Decimal
		if i == len(holders)-1 {
			amount = remaining
		} else {
			amount = pool.Mul(shares).Div(total).Round(2)
			remaining = remaining.Sub(amount)
		}

		payouts = append(payouts, model.Payout{
			ID:        uuid.New().String(),
			SeasonID:  seasonID,
			MarketID:  market.ID,
			UserID:    h.UserID,
			YesShares: h.YesShares,
			SharePct:  pct,
			Amount:    amount,
			Status:    model.PayoutPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := c.store.InsertPayouts(ctx, payouts); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost the race to a concurrent computation; the stored set wins.
			return c.store.ListPayoutsBySeason(ctx, seasonID)
		}
		return nil, err
	}

	// Settled markets stay immutable; the losing books were emptied at
	// conclusion, so the whole season can be closed out.
	markets, err := c.store.ListMarketsBySeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		if m.Status == model.MarketHalted {
			if err := c.store.UpdateMarketStatus(ctx, m.ID, model.MarketSettled); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("payouts computed",
		"season", seasonID,
		"winner", season.WinnerParticipantID,
		"holders", len(payouts),
		"pool", pool.String(),
	)
	return payouts, nil
}
