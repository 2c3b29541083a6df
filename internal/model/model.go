// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole units and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one leg of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Opposite returns the complementary outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketActive  MarketStatus = "active"
	MarketHalted  MarketStatus = "halted"
	MarketSettled MarketStatus = "settled"
)

// OrderStatus transitions open → partial → filled, or → cancelled.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further fills.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// FillType classifies how a match moved collateral.
type FillType string

const (
	// FillMint created a new YES/NO pair from two complementary buys.
	FillMint FillType = "mint"
	// FillBurn destroyed an existing pair from two complementary sells.
	FillBurn FillType = "burn"
	// FillTransfer moved existing shares between users; pair supply unchanged.
	FillTransfer FillType = "transfer"
)

// LedgerReason tags the cause of a collateral ledger entry.
type LedgerReason string

const (
	ReasonDeposit          LedgerReason = "deposit"
	ReasonOrderLock        LedgerReason = "order_lock"
	ReasonOrderRelease     LedgerReason = "order_release"
	ReasonMintLock         LedgerReason = "mint_lock"
	ReasonBurnRelease      LedgerReason = "burn_release"
	ReasonSettlementPayout LedgerReason = "settlement_payout"
)

// SeasonStatus is the lifecycle state of a season. Concluding is one-way.
type SeasonStatus string

const (
	SeasonActive    SeasonStatus = "active"
	SeasonConcluded SeasonStatus = "concluded"
)

// PayoutStatus tracks disbursement of a computed payout.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// One is the collateral backing a single YES/NO pair.
var One = decimal.NewFromInt(1)

// Market is one binary market, one per (season, participant).
// Invariant: LockedCollateral == OutstandingPairs × 1.00 — every minted
// pair is backed by exactly one unit of collateral.
type Market struct {
	ID               string          `json:"id" db:"id"`
	SeasonID         string          `json:"season_id" db:"season_id"`
	ParticipantID    string          `json:"participant_id" db:"participant_id"`
	Ticker           string          `json:"ticker" db:"ticker"`
	OutstandingPairs int64           `json:"outstanding_pairs" db:"outstanding_pairs"`
	LockedCollateral decimal.Decimal `json:"locked_collateral" db:"locked_collateral"`
	LastPrice        decimal.Decimal `json:"last_price" db:"last_price"` // last matched YES price
	Status           MarketStatus    `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Order is a resting or historical instruction. Terminal orders are
// retained for audit.
type Order struct {
	ID               string          `json:"id" db:"id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Outcome          Outcome         `json:"outcome" db:"outcome"`
	Side             Side            `json:"side" db:"side"`
	Price            decimal.Decimal `json:"price" db:"price"` // [0.01, 0.99], 0.01 ticks
	Quantity         int64           `json:"quantity" db:"quantity"`
	FilledQuantity   int64           `json:"filled_quantity" db:"filled_quantity"`
	Status           OrderStatus     `json:"status" db:"status"`
	CollateralLocked decimal.Decimal `json:"collateral_locked" db:"collateral_locked"` // remaining lock
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining is the still-matchable quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// OrderFill is an immutable record of one match. Created exactly once,
// never mutated. YesPrice + NoPrice always equals 1.00.
type OrderFill struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	TakerOrderID    string          `json:"taker_order_id" db:"taker_order_id"`
	MakerOrderID    string          `json:"maker_order_id" db:"maker_order_id"`
	TakerUserID     string          `json:"taker_user_id" db:"taker_user_id"`
	MakerUserID     string          `json:"maker_user_id" db:"maker_user_id"`
	FillType        FillType        `json:"fill_type" db:"fill_type"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	YesPrice        decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice         decimal.Decimal `json:"no_price" db:"no_price"`
	CollateralMoved decimal.Decimal `json:"collateral_moved" db:"collateral_moved"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// MarketPosition is a user's current holdings in one market. One row per
// (user, market), created lazily on first fill.
type MarketPosition struct {
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	YesShares   int64           `json:"yes_shares" db:"yes_shares"`
	NoShares    int64           `json:"no_shares" db:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price" db:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price" db:"avg_no_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Shares returns the holdings for one outcome.
func (p *MarketPosition) Shares(o Outcome) int64 {
	if o == OutcomeYes {
		return p.YesShares
	}
	return p.NoShares
}

// Account is a user's collateral account. Available is the ledger-tracked
// balance; Locked backs open buy orders.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry is one append-only row of a user's collateral history.
// Amount is the signed change to the available balance; BalanceAfter
// equals the running sum of Amounts since account creation.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Reason        LedgerReason    `json:"reason" db:"reason"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	ReferenceID   string          `json:"reference_id" db:"reference_id"` // order, fill, or payout id
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Season groups the markets settled together. Once concluded it carries
// the winning participant and total prize pool.
type Season struct {
	ID                  string          `json:"id" db:"id"`
	Status              SeasonStatus    `json:"status" db:"status"`
	Participants        []string        `json:"participants" db:"participants"`
	WinnerParticipantID string          `json:"winner_participant_id,omitempty" db:"winner_participant_id"`
	PrizePool           decimal.Decimal `json:"prize_pool" db:"prize_pool"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	ConcludedAt         *time.Time      `json:"concluded_at,omitempty" db:"concluded_at"`
}

// Payout is one holder's computed share of a settled market's collateral.
// Unique per (season, user); the amount never changes once computed.
type Payout struct {
	ID          string          `json:"id" db:"id"`
	SeasonID    string          `json:"season_id" db:"season_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	YesShares   int64           `json:"yes_shares" db:"yes_shares"`
	SharePct    decimal.Decimal `json:"share_pct" db:"share_pct"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Status      PayoutStatus    `json:"status" db:"status"`
	TxReference string          `json:"tx_reference,omitempty" db:"tx_reference"`
	Attempts    int             `json:"attempts" db:"attempts"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
