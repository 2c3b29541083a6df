package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets, positions, and accounts. Writes
// go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	// Try cache via ticker→marketID mapping.
	marketID, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, tickerKey(ticker), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) UpdateMarketAggregates(ctx context.Context, id string, pairs int64, locked, lastPrice decimal.Decimal) error {
	if err := s.primary.UpdateMarketAggregates(ctx, id, pairs, locked, lastPrice); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Accounts & ledger ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ApplyLedger(ctx context.Context, userID string, reason model.LedgerReason, amount, lockDelta decimal.Decimal, refID string) (*model.LedgerEntry, error) {
	entry, err := s.primary.ApplyLedger(ctx, userID, reason, amount, lockDelta, refID)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, accountKey(userID))
	return entry, nil
}

// --- Positions ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.MarketPosition, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.MarketPosition) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.MarketPosition, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.MarketPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListMarketsBySeason(ctx context.Context, seasonID string) ([]model.Market, error) {
	return s.primary.ListMarketsBySeason(ctx, seasonID)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, marketID)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, marketID)
}

func (s *CachedStore) InsertFill(ctx context.Context, f *model.OrderFill) error {
	return s.primary.InsertFill(ctx, f)
}

func (s *CachedStore) ListFillsByMarket(ctx context.Context, marketID string) ([]model.OrderFill, error) {
	return s.primary.ListFillsByMarket(ctx, marketID)
}

func (s *CachedStore) ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByUser(ctx, userID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.MarketPosition, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) CreateSeason(ctx context.Context, season *model.Season) error {
	return s.primary.CreateSeason(ctx, season)
}

func (s *CachedStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	return s.primary.GetSeason(ctx, id)
}

func (s *CachedStore) ConcludeSeason(ctx context.Context, id, winnerParticipantID string, prizePool decimal.Decimal, at time.Time) error {
	return s.primary.ConcludeSeason(ctx, id, winnerParticipantID, prizePool, at)
}

func (s *CachedStore) InsertPayouts(ctx context.Context, payouts []model.Payout) error {
	return s.primary.InsertPayouts(ctx, payouts)
}

func (s *CachedStore) ListPayoutsBySeason(ctx context.Context, seasonID string) ([]model.Payout, error) {
	return s.primary.ListPayoutsBySeason(ctx, seasonID)
}

func (s *CachedStore) ListPendingPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	return s.primary.ListPendingPayouts(ctx, limit)
}

func (s *CachedStore) UpdatePayout(ctx context.Context, id string, status model.PayoutStatus, txRef string, attempts int) error {
	return s.primary.UpdatePayout(ctx, id, status, txRef, attempts)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func tickerKey(t string) string      { return fmt.Sprintf("ticker:%s", t) }
func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
