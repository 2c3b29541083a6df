package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	orders    map[string]*model.Order
	orderSeq  []string // insertion order, for submission-time listings
	fills     []model.OrderFill
	accounts  map[string]*model.Account
	ledger    []model.LedgerEntry
	positions map[string]*model.MarketPosition // key: userID + "/" + marketID
	seasons   map[string]*model.Season
	payouts   []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		orders:    make(map[string]*model.Order),
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.MarketPosition),
		seasons:   make(map[string]*model.Season),
	}
}

func posKey(userID, marketID string) string {
	return userID + "/" + marketID
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("market %s: %w", m.Ticker, ErrAlreadyExists)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market %s: %w", ticker, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListMarketsBySeason(_ context.Context, seasonID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if m.SeasonID == seasonID {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Ticker < markets[j].Ticker
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketAggregates(_ context.Context, id string, pairs int64, locked, lastPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.OutstandingPairs = pairs
	m.LockedCollateral = locked
	m.LastPrice = lastPrice
	return nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	return nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.MarketID == marketID && !o.Status.Terminal() {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.UserID != userID {
			continue
		}
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// --- Fills ---

func (s *MemoryStore) InsertFill(_ context.Context, f *model.OrderFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, *f)
	return nil
}

func (s *MemoryStore) ListFillsByMarket(_ context.Context, marketID string) ([]model.OrderFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fills []model.OrderFill
	for _, f := range s.fills {
		if f.MarketID == marketID {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// --- Accounts & ledger ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return &model.Account{
			UserID:    userID,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		}, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ApplyLedger(_ context.Context, userID string, reason model.LedgerReason, amount, lockDelta decimal.Decimal, refID string) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = &model.Account{
			UserID:    userID,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
			CreatedAt: time.Now().UTC(),
		}
		s.accounts[userID] = a
	}

	newAvailable := a.Available.Add(amount)
	if newAvailable.IsNegative() {
		return nil, fmt.Errorf("user %s needs %s available: %w", userID, amount.Neg(), ErrInsufficientFunds)
	}
	newLocked := a.Locked.Add(lockDelta)
	if newLocked.IsNegative() {
		return nil, fmt.Errorf("user %s locked balance would go negative by %s", userID, newLocked.Neg())
	}

	entry := model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		BalanceBefore: a.Available,
		BalanceAfter:  newAvailable,
		ReferenceID:   refID,
		CreatedAt:     time.Now().UTC(),
	}

	a.Available = newAvailable
	a.Locked = newLocked
	s.ledger = append(s.ledger, entry)

	cp := entry
	return &cp, nil
}

func (s *MemoryStore) ListLedgerByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.MarketPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.MarketPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[posKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.MarketPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.MarketPosition
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.MarketPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.MarketPosition
	for _, p := range s.positions {
		if p.MarketID == marketID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions, nil
}

// --- Seasons ---

func (s *MemoryStore) CreateSeason(_ context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seasons[season.ID]; ok {
		return fmt.Errorf("season %s: %w", season.ID, ErrAlreadyExists)
	}
	cp := *season
	cp.Participants = append([]string(nil), season.Participants...)
	s.seasons[season.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSeason(_ context.Context, id string) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	season, ok := s.seasons[id]
	if !ok {
		return nil, fmt.Errorf("season %s: %w", id, ErrNotFound)
	}
	cp := *season
	cp.Participants = append([]string(nil), season.Participants...)
	return &cp, nil
}

func (s *MemoryStore) ConcludeSeason(_ context.Context, id, winnerParticipantID string, prizePool decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	season, ok := s.seasons[id]
	if !ok {
		return fmt.Errorf("season %s: %w", id, ErrNotFound)
	}
	if season.Status == model.SeasonConcluded {
		return fmt.Errorf("season %s already concluded: %w", id, ErrAlreadyExists)
	}
	season.Status = model.SeasonConcluded
	season.WinnerParticipantID = winnerParticipantID
	season.PrizePool = prizePool
	season.ConcludedAt = &at
	return nil
}

// --- Payouts ---

func (s *MemoryStore) InsertPayouts(_ context.Context, payouts []model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payouts) == 0 {
		return nil
	}
	for _, existing := range s.payouts {
		if existing.SeasonID == payouts[0].SeasonID {
			return fmt.Errorf("payouts for season %s: %w", existing.SeasonID, ErrAlreadyExists)
		}
	}
	s.payouts = append(s.payouts, payouts...)
	return nil
}

func (s *MemoryStore) ListPayoutsBySeason(_ context.Context, seasonID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for _, p := range s.payouts {
		if p.SeasonID == seasonID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingPayouts(_ context.Context, limit int) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for _, p := range s.payouts {
		if p.Status == model.PayoutPending {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdatePayout(_ context.Context, id string, status model.PayoutStatus, txRef string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.payouts {
		if s.payouts[i].ID == id {
			s.payouts[i].Status = status
			s.payouts[i].TxReference = txRef
			s.payouts[i].Attempts = attempts
			s.payouts[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("payout %s: %w", id, ErrNotFound)
}
