package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pairmint/market-engine/internal/contract"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

var (
	// ErrSeasonConcluded is returned for mutations on an already
	// concluded season.
	ErrSeasonConcluded = errors.New("engine: season already concluded")

	// ErrUnknownParticipant is returned when a winner is not one of the
	// season's participants.
	ErrUnknownParticipant = errors.New("engine: participant not in season")

	// ErrOpenOrdersRemain is returned when settling a market whose book
	// still holds resting orders.
	ErrOpenOrdersRemain = errors.New("engine: open orders remain on market")

	// ErrInvalidDeposit is returned for non-positive deposit amounts.
	ErrInvalidDeposit = errors.New("engine: deposit must be positive")
)

// CreateSeason creates a season and one binary market per participant.
// Participant IDs must be unique and ticker-safe.
func (e *Engine) CreateSeason(ctx context.Context, seasonID string, participants []string) (*model.Season, []model.Market, error) {
	if len(participants) == 0 {
		return nil, nil, fmt.Errorf("engine: season needs at least one participant")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := seen[p]; dup {
			return nil, nil, fmt.Errorf("engine: duplicate participant %q", p)
		}
		seen[p] = struct{}{}
		if _, err := contract.ParseTicker(contract.Ticker(seasonID, p)); err != nil {
			return nil, nil, fmt.Errorf("engine: participant %q: %w", p, err)
		}
	}

	now := time.Now().UTC()
	season := &model.Season{
		ID:           seasonID,
		Status:       model.SeasonActive,
		Participants: append([]string(nil), participants...),
		PrizePool:    decimal.Zero,
		CreatedAt:    now,
	}
	if err := e.store.CreateSeason(ctx, season); err != nil {
		return nil, nil, err
	}

	markets := make([]model.Market, 0, len(participants))
	for _, p := range participants {
		m := model.Market{
			ID:               uuid.New().String(),
			SeasonID:         seasonID,
			ParticipantID:    p,
			Ticker:           contract.Ticker(seasonID, p),
			LockedCollateral: decimal.Zero,
			LastPrice:        decimal.Zero,
			Status:           model.MarketActive,
			CreatedAt:        now,
		}
		if err := e.store.CreateMarket(ctx, &m); err != nil {
			return nil, nil, err
		}
		markets = append(markets, m)
	}

	slog.Info("season created", "season", seasonID, "markets", len(markets))
	return season, markets, nil
}

// Deposit credits a user's available balance. The first deposit creates
// the account.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidDeposit
	}
	entry, err := e.store.ApplyLedger(ctx, userID, model.ReasonDeposit, amount, decimal.Zero, "")
	if err != nil {
		return nil, err
	}
	slog.Info("deposit", "user", userID, "amount", amount.String())
	return entry, nil
}

// FreezeMarket halts order entry on one market. Settled markets are
// immutable.
func (e *Engine) FreezeMarket(ctx context.Context, marketID string) error {
	ms := e.state(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return e.freezeLocked(ctx, marketID)
}

func (e *Engine) freezeLocked(ctx context.Context, marketID string) error {
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	switch market.Status {
	case model.MarketSettled:
		return fmt.Errorf("engine: market %s is settled", market.Ticker)
	case model.MarketHalted:
		return nil
	}
	return e.store.UpdateMarketStatus(ctx, marketID, model.MarketHalted)
}

// FreezeSeason halts every market in a season concurrently. Idempotent:
// already-halted markets are left alone.
func (e *Engine) FreezeSeason(ctx context.Context, seasonID string) error {
	markets, err := e.store.ListMarketsBySeason(ctx, seasonID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range markets {
		marketID := m.ID
		g.Go(func() error {
			return e.FreezeMarket(gctx, marketID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("season frozen", "season", seasonID, "markets", len(markets))
	return nil
}

// CancelAllForSeason cancels every resting order across a season's
// markets, releasing each order's remaining collateral. Idempotent.
func (e *Engine) CancelAllForSeason(ctx context.Context, seasonID string) (int, error) {
	markets, err := e.store.ListMarketsBySeason(ctx, seasonID)
	if err != nil {
		return 0, err
	}

	var cancelled int
	for _, m := range markets {
		ms := e.state(m.ID)
		ms.mu.Lock()
		for _, o := range ms.book.Orders() {
			if _, err := e.cancelLocked(ctx, ms, o); err != nil {
				ms.mu.Unlock()
				return cancelled, fmt.Errorf("cancel order %s: %w", o.ID, err)
			}
			cancelled++
		}
		ms.mu.Unlock()
	}

	if cancelled > 0 {
		slog.Info("season orders cancelled", "season", seasonID, "orders", cancelled)
	}
	return cancelled, nil
}

// SettleMarket marks a halted, empty market settled. Settling is
// irreversible.
func (e *Engine) SettleMarket(ctx context.Context, marketID string) error {
	ms := e.state(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	switch market.Status {
	case model.MarketSettled:
		return nil
	case model.MarketActive:
		return fmt.Errorf("engine: market %s must be halted before settling", market.Ticker)
	}
	if ms.book.Size() > 0 {
		return ErrOpenOrdersRemain
	}
	return e.store.UpdateMarketStatus(ctx, marketID, model.MarketSettled)
}

// ConcludeSeason freezes the season, cancels all resting orders, records
// the winner, and snapshots the prize pool as the sum of every market's
// locked collateral. Concluding is one-way; a second call fails.
func (e *Engine) ConcludeSeason(ctx context.Context, seasonID, winnerParticipantID string) (*model.Season, error) {
	season, err := e.store.GetSeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	if season.Status == model.SeasonConcluded {
		return nil, ErrSeasonConcluded
	}
	var known bool
	for _, p := range season.Participants {
		if p == winnerParticipantID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, winnerParticipantID)
	}

	if err := e.FreezeSeason(ctx, seasonID); err != nil {
		return nil, err
	}
	if _, err := e.CancelAllForSeason(ctx, seasonID); err != nil {
		return nil, err
	}

	markets, err := e.store.ListMarketsBySeason(ctx, seasonID)
	if err != nil {
		return nil, err
	}
	pool := decimal.Zero
	for _, m := range markets {
		pool = pool.Add(m.LockedCollateral)
	}

	now := time.Now().UTC()
	if err := e.store.ConcludeSeason(ctx, seasonID, winnerParticipantID, pool, now); err != nil {
		return nil, err
	}

	slog.Info("season concluded",
		"season", seasonID,
		"winner", winnerParticipantID,
		"prize_pool", pool.String(),
	)
	return e.store.GetSeason(ctx, seasonID)
}

// Store exposes the engine's backing store for read paths that need no
// serialization.
func (e *Engine) Store() store.Store {
	return e.store
}
