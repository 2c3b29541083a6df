// Package engine implements the binary-outcome matching engine: order
// validation, collateral locking, the complementary-pair match loop,
// and market lifecycle transitions.
//
// All mutations touching one market's book, ledger rows, and positions
// run inside that market's critical section; independent markets proceed
// in parallel. All monetary values use shopspring/decimal — never
// float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/book"
	"github.com/pairmint/market-engine/internal/exposure"
	"github.com/pairmint/market-engine/internal/metrics"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

var (
	// ErrMarketNotActive is returned when placing an order on a halted
	// or settled market.
	ErrMarketNotActive = errors.New("engine: market is not active")

	// ErrInvalidPrice is returned for prices outside [0.01, 0.99] or off
	// the 0.01 tick grid.
	ErrInvalidPrice = errors.New("engine: price must be in [0.01, 0.99] in 0.01 increments")

	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("engine: quantity must be a positive integer")

	// ErrInsufficientShares is returned when a sell order exceeds the
	// user's uncommitted holdings of that outcome.
	ErrInsufficientShares = errors.New("engine: insufficient uncommitted shares to sell")

	// ErrNothingToCancel is returned when cancelling an order with no
	// remaining open quantity.
	ErrNothingToCancel = errors.New("engine: nothing to cancel")

	// ErrNotOrderOwner is returned when a user cancels someone else's order.
	ErrNotOrderOwner = errors.New("engine: order belongs to another user")
)

var (
	hundred  = decimal.NewFromInt(100)
	minPrice = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
)

// marketState is the serialization unit: one lock, one book, per market.
type marketState struct {
	mu   sync.Mutex
	book *book.Book
}

// Engine is the matching engine. One instance serves all markets; a
// per-market lock registry keeps independent markets fully parallel.
type Engine struct {
	store   store.Store
	limiter *exposure.Limiter

	mu     sync.Mutex
	states map[string]*marketState
}

// New creates a matching engine. Pass nil for limiter to disable
// exposure limits.
func New(st store.Store, limiter *exposure.Limiter) *Engine {
	if limiter == nil {
		limiter = exposure.NewLimiter(0, 0)
	}
	return &Engine{
		store:   st,
		limiter: limiter,
		states:  make(map[string]*marketState),
	}
}

// state returns the lock+book pair for a market, creating it lazily.
func (e *Engine) state(marketID string) *marketState {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.states[marketID]
	if !ok {
		ms = &marketState{book: book.New(marketID)}
		e.states[marketID] = ms
	}
	return ms
}

// evict drops a state created for a market that turned out not to exist,
// so unknown market IDs cannot grow the registry. Only removes the exact
// entry handed out, and only while its book is empty.
func (e *Engine) evict(marketID string, ms *marketState) {
	if ms.book.Size() != 0 {
		return
	}
	e.mu.Lock()
	if e.states[marketID] == ms {
		delete(e.states, marketID)
	}
	e.mu.Unlock()
}

// Restore rebuilds every market's book from stored open orders, in
// submission order so time priority survives a restart.
func (e *Engine) Restore(ctx context.Context) error {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("restore: list markets: %w", err)
	}

	var restored int
	for _, m := range markets {
		orders, err := e.store.ListOpenOrders(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", m.ID, err)
		}
		if len(orders) == 0 {
			continue
		}
		ms := e.state(m.ID)
		ms.mu.Lock()
		for i := range orders {
			o := orders[i]
			ms.book.Insert(&o)
			restored++
		}
		ms.mu.Unlock()
	}

	if restored > 0 {
		slog.Info("order books restored", "orders", restored)
	}
	return nil
}

// PlaceOrderRequest is the validated input to PlaceOrder.
type PlaceOrderRequest struct {
	MarketID string
	UserID   string
	Outcome  model.Outcome
	Side     model.Side
	Price    decimal.Decimal
	Quantity int64
}

// PlaceOrderResult reports the order's final state and the fills it
// produced, in match order.
type PlaceOrderResult struct {
	Order *model.Order
	Fills []model.OrderFill
}

// PlaceOrder validates, collateralizes, and matches a new order. Any
// unfilled remainder rests in the book. Rejections leave no state behind.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if err := validatePrice(req.Price); err != nil {
		return nil, err
	}
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		return nil, fmt.Errorf("engine: outcome must be yes or no")
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, fmt.Errorf("engine: side must be buy or sell")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("engine: user id is required")
	}

	ms := e.state(req.MarketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	market, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.evict(req.MarketID, ms)
		}
		return nil, err
	}
	if market.Status != model.MarketActive {
		return nil, ErrMarketNotActive
	}

	if err := e.checkExposure(ctx, market, req); err != nil {
		metrics.OrdersRejected.WithLabelValues("exposure_limit").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:               uuid.New().String(),
		MarketID:         req.MarketID,
		UserID:           req.UserID,
		Outcome:          req.Outcome,
		Side:             req.Side,
		Price:            req.Price,
		Quantity:         req.Quantity,
		Status:           model.OrderOpen,
		CollateralLocked: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.Side == model.SideBuy {
		// Check and lock collateral atomically before any matching.
		lock := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if _, err := e.store.ApplyLedger(ctx, req.UserID, model.ReasonOrderLock, lock.Neg(), lock, order.ID); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
			}
			return nil, err
		}
		order.CollateralLocked = lock
	} else {
		// Sellers need uncommitted shares: current holdings minus what
		// earlier resting sells already promise.
		held, err := e.heldShares(ctx, req.UserID, req.MarketID, req.Outcome)
		if err != nil {
			return nil, err
		}
		committed := ms.book.OpenSellQuantity(req.UserID, req.Outcome)
		if held-committed < req.Quantity {
			metrics.OrdersRejected.WithLabelValues("insufficient_shares").Inc()
			return nil, fmt.Errorf("%w: have %d uncommitted, want %d",
				ErrInsufficientShares, held-committed, req.Quantity)
		}
	}

	if err := e.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	fills, err := e.match(ctx, ms, market, order)
	if err != nil {
		return nil, err
	}

	if order.Remaining() > 0 {
		ms.book.Insert(order)
	}
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Outcome), string(req.Side)).Inc()
	slog.Info("order placed",
		"order_id", order.ID,
		"market", market.Ticker,
		"user", req.UserID,
		"outcome", req.Outcome,
		"side", req.Side,
		"price", req.Price.String(),
		"qty", req.Quantity,
		"filled", order.FilledQuantity,
		"fills", len(fills),
	)

	return &PlaceOrderResult{Order: order, Fills: fills}, nil
}

// CancelOrder cancels the remaining quantity of a resting order and
// releases exactly that portion's collateral. The check runs inside the
// market's critical section so it cannot race a concurrent match.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	stored, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if stored.UserID != userID {
		return nil, ErrNotOrderOwner
	}

	ms := e.state(stored.MarketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	// Re-read inside the lock: a concurrent match may have consumed the
	// order between lookup and lock acquisition.
	order := ms.book.Get(orderID)
	if order == nil {
		return nil, ErrNothingToCancel
	}
	return e.cancelLocked(ctx, ms, order)
}

// cancelLocked cancels a resting order already under the market lock.
func (e *Engine) cancelLocked(ctx context.Context, ms *marketState, order *model.Order) (*model.Order, error) {
	if order.Remaining() <= 0 || order.Status.Terminal() {
		return nil, ErrNothingToCancel
	}

	if order.CollateralLocked.IsPositive() {
		release := order.CollateralLocked
		if _, err := e.store.ApplyLedger(ctx, order.UserID, model.ReasonOrderRelease, release, release.Neg(), order.ID); err != nil {
			return nil, err
		}
		order.CollateralLocked = decimal.Zero
	}

	if _, err := ms.book.Remove(order.ID); err != nil {
		return nil, err
	}
	order.Status = model.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	return order, nil
}

// checkExposure applies the position limiter against the user's net
// exposure across the market's season.
func (e *Engine) checkExposure(ctx context.Context, market *model.Market, req PlaceOrderRequest) error {
	if e.limiter.MaxPerMarket <= 0 && e.limiter.MaxPerSeason <= 0 {
		return nil
	}

	seasonMarkets, err := e.store.ListMarketsBySeason(ctx, market.SeasonID)
	if err != nil {
		return err
	}
	existing := make(map[string]int64, len(seasonMarkets))
	for _, m := range seasonMarkets {
		p, err := e.store.GetPosition(ctx, req.UserID, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		existing[m.ID] = p.YesShares - p.NoShares
	}

	// Net exposure moves +YES-ward for buy-YES / sell-NO, −YES-ward for
	// the complements.
	delta := req.Quantity
	if (req.Outcome == model.OutcomeYes) == (req.Side == model.SideSell) {
		delta = -delta
	}
	return e.limiter.Check(market.ID, delta, existing)
}

// heldShares returns the user's current holdings of one outcome.
func (e *Engine) heldShares(ctx context.Context, userID, marketID string, outcome model.Outcome) (int64, error) {
	p, err := e.store.GetPosition(ctx, userID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Shares(outcome), nil
}

// validatePrice enforces the [0.01, 0.99] band on the 0.01 tick grid.
func validatePrice(p decimal.Decimal) error {
	if p.LessThan(minPrice) || p.GreaterThan(maxPrice) {
		return ErrInvalidPrice
	}
	if !p.Mul(hundred).IsInteger() {
		return ErrInvalidPrice
	}
	return nil
}

// BookSnapshot is the externally visible state of one market's book.
type BookSnapshot struct {
	MarketID         string            `json:"market_id"`
	Ticker           string            `json:"ticker"`
	LastPrice        decimal.Decimal   `json:"last_price"`
	OutstandingPairs int64             `json:"outstanding_pairs"`
	LockedCollateral decimal.Decimal   `json:"locked_collateral"`
	YesBids          []book.DepthLevel `json:"yes_bids"`
	YesAsks          []book.DepthLevel `json:"yes_asks"`
	NoBids           []book.DepthLevel `json:"no_bids"`
	NoAsks           []book.DepthLevel `json:"no_asks"`
}

// GetOrderBook returns aggregated depth for one market.
func (e *Engine) GetOrderBook(ctx context.Context, marketID string) (*BookSnapshot, error) {
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	ms := e.state(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return &BookSnapshot{
		MarketID:         market.ID,
		Ticker:           market.Ticker,
		LastPrice:        market.LastPrice,
		OutstandingPairs: market.OutstandingPairs,
		LockedCollateral: market.LockedCollateral,
		YesBids:          ms.book.Depth(model.OutcomeYes, model.SideBuy),
		YesAsks:          ms.book.Depth(model.OutcomeYes, model.SideSell),
		NoBids:           ms.book.Depth(model.OutcomeNo, model.SideBuy),
		NoAsks:           ms.book.Depth(model.OutcomeNo, model.SideSell),
	}, nil
}

// GetUserPositions returns all of a user's positions.
func (e *Engine) GetUserPositions(ctx context.Context, userID string) ([]model.MarketPosition, error) {
	return e.store.ListPositionsByUser(ctx, userID)
}

// GetUserOrders returns a user's orders, optionally scoped to one market.
func (e *Engine) GetUserOrders(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID, marketID)
}
