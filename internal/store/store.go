// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on unique-constraint conflicts.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a ledger application would
	// drive the available balance negative.
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByTicker retrieves a market by its ticker.
	GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListMarketsBySeason returns all markets belonging to a season.
	ListMarketsBySeason(ctx context.Context, seasonID string) ([]model.Market, error)

	// UpdateMarketAggregates writes the pair/collateral/price aggregates
	// after a fill.
	UpdateMarketAggregates(ctx context.Context, id string, pairs int64, locked, lastPrice decimal.Decimal) error

	// UpdateMarketStatus transitions a market's lifecycle state.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// --- Orders ---

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrder writes an order's fill progress, status, and lock.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// ListOpenOrders returns a market's open/partial orders in
	// submission order.
	ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error)

	// ListOrdersByUser returns a user's orders, optionally filtered to
	// one market (marketID == "" means all).
	ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error)

	// --- Fills ---

	// InsertFill appends an immutable fill record.
	InsertFill(ctx context.Context, f *model.OrderFill) error

	// ListFillsByMarket returns all fills for a market in match order.
	ListFillsByMarket(ctx context.Context, marketID string) ([]model.OrderFill, error)

	// --- Accounts & collateral ledger ---

	// GetAccount retrieves a user's collateral account; a zero-balance
	// account is returned for unknown users.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ApplyLedger atomically mutates a user's account and appends exactly
	// one ledger row. amount is the signed change to the available
	// balance; lockDelta the signed change to locked collateral. Fails
	// with ErrInsufficientFunds (no mutation) if available would go
	// negative.
	ApplyLedger(ctx context.Context, userID string, reason model.LedgerReason, amount, lockDelta decimal.Decimal, refID string) (*model.LedgerEntry, error)

	// ListLedgerByUser returns a user's ledger rows in append order.
	ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Positions ---

	// GetPosition returns a user's position in one market, or ErrNotFound.
	GetPosition(ctx context.Context, userID, marketID string) (*model.MarketPosition, error)

	// UpsertPosition writes a position row, creating it on first fill.
	UpsertPosition(ctx context.Context, p *model.MarketPosition) error

	// ListPositionsByUser returns all of a user's positions.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.MarketPosition, error)

	// ListPositionsByMarket returns every position row for a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.MarketPosition, error)

	// --- Seasons ---

	// CreateSeason persists a new season.
	CreateSeason(ctx context.Context, s *model.Season) error

	// GetSeason retrieves a season by ID.
	GetSeason(ctx context.Context, id string) (*model.Season, error)

	// ConcludeSeason records the one-way active → concluded transition.
	ConcludeSeason(ctx context.Context, id, winnerParticipantID string, prizePool decimal.Decimal, at time.Time) error

	// --- Payouts ---

	// InsertPayouts writes a season's payout records in one shot. Fails
	// with ErrAlreadyExists, writing nothing, if the season already has
	// payouts.
	InsertPayouts(ctx context.Context, payouts []model.Payout) error

	// ListPayoutsBySeason returns a season's payout records.
	ListPayoutsBySeason(ctx context.Context, seasonID string) ([]model.Payout, error)

	// ListPendingPayouts returns up to limit payouts still awaiting
	// disbursement, oldest first.
	ListPendingPayouts(ctx context.Context, limit int) ([]model.Payout, error)

	// UpdatePayout records a disbursement attempt's result.
	UpdatePayout(ctx context.Context, id string, status model.PayoutStatus, txRef string, attempts int) error
}
