package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/engine"
	"github.com/pairmint/market-engine/internal/exposure"
	"github.com/pairmint/market-engine/internal/metrics"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEngine creates an engine over a fresh in-memory store with one
// season ("S1": ALPHA, BETA) and returns the engine, store, and the
// ALPHA and BETA markets.
func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore, *model.Market, *model.Market) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms, nil)

	_, markets, err := eng.CreateSeason(context.Background(), "S1", []string{"ALPHA", "BETA"})
	if err != nil {
		t.Fatalf("create season: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}
	return eng, ms, &markets[0], &markets[1]
}

func fund(t *testing.T, eng *engine.Engine, userID string, amount float64) {
	t.Helper()
	if _, err := eng.Deposit(context.Background(), userID, d(amount)); err != nil {
		t.Fatalf("deposit for %s: %v", userID, err)
	}
}

func place(t *testing.T, eng *engine.Engine, marketID, userID string, outcome model.Outcome, side model.Side, price float64, qty int64) *engine.PlaceOrderResult {
	t.Helper()
	res, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: marketID,
		UserID:   userID,
		Outcome:  outcome,
		Side:     side,
		Price:    d(price),
		Quantity: qty,
	})
	if err != nil {
		t.Fatalf("place order (%s %s %s %.2f x%d): %v", userID, side, outcome, price, qty, err)
	}
	return res
}

func available(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account %s: %v", userID, err)
	}
	return a.Available
}

func locked(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account %s: %v", userID, err)
	}
	return a.Locked
}

// checkMarketInvariant asserts lockedCollateral == outstandingPairs × 1.00.
func checkMarketInvariant(t *testing.T, ms *store.MemoryStore, marketID string) {
	t.Helper()
	m, err := ms.GetMarket(context.Background(), marketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	want := decimal.NewFromInt(m.OutstandingPairs)
	if !m.LockedCollateral.Equal(want) {
		t.Errorf("market %s: locked %s but %d pairs outstanding",
			m.Ticker, m.LockedCollateral, m.OutstandingPairs)
	}
}

// checkLedgerRunningSum asserts each balance_after equals the running sum
// of amounts since account creation.
func checkLedgerRunningSum(t *testing.T, ms *store.MemoryStore, userID string) {
	t.Helper()
	entries, err := ms.ListLedgerByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("list ledger %s: %v", userID, err)
	}
	running := decimal.Zero
	for i, e := range entries {
		if !e.BalanceBefore.Equal(running) {
			t.Errorf("entry %d (%s): balance_before %s, running sum %s",
				i, e.Reason, e.BalanceBefore, running)
		}
		running = running.Add(e.Amount)
		if !e.BalanceAfter.Equal(running) {
			t.Errorf("entry %d (%s): balance_after %s, running sum %s",
				i, e.Reason, e.BalanceAfter, running)
		}
	}
}

// --- Validation ---

func TestPlaceOrder_Validation(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)

	tests := []struct {
		name    string
		price   decimal.Decimal
		qty     int64
		wantErr error
	}{
		{"price below band", d(0.005), 10, engine.ErrInvalidPrice},
		{"price above band", decimal.NewFromInt(1), 10, engine.ErrInvalidPrice},
		{"price zero", decimal.Zero, 10, engine.ErrInvalidPrice},
		{"price off tick", d(0.105), 10, engine.ErrInvalidPrice},
		{"zero quantity", d(0.50), 0, engine.ErrInvalidQuantity},
		{"negative quantity", d(0.50), -5, engine.ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
				MarketID: alpha.ID,
				UserID:   "u1",
				Outcome:  model.OutcomeYes,
				Side:     model.SideBuy,
				Price:    tt.price,
				Quantity: tt.qty,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 3)

	_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: alpha.ID,
		UserID:   "u1",
		Outcome:  model.OutcomeYes,
		Side:     model.SideBuy,
		Price:    d(0.50),
		Quantity: 10, // needs 5.00, has 3.00
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestPlaceOrder_SellWithoutShares(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)

	_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: alpha.ID,
		UserID:   "u1",
		Outcome:  model.OutcomeYes,
		Side:     model.SideSell,
		Price:    d(0.50),
		Quantity: 10,
	})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
}

// --- Matching ---

func TestMint_CrossOutcomeBuys(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)

	// u1's buy YES at 0.40 rests; u2's buy NO at 0.65 crosses
	// (0.40 + 0.65 >= 1.00) and mints at the maker's price.
	res1 := place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.40, 10)
	if len(res1.Fills) != 0 {
		t.Fatalf("first order should rest, got %d fills", len(res1.Fills))
	}
	if !locked(t, ms, "u1").Equal(d(4.00)) {
		t.Errorf("u1 lock = %s, want 4.00", locked(t, ms, "u1"))
	}

	res2 := place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.65, 10)
	if len(res2.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res2.Fills))
	}
	fill := res2.Fills[0]
	if fill.FillType != model.FillMint {
		t.Errorf("fill type = %s, want mint", fill.FillType)
	}
	if !fill.YesPrice.Equal(d(0.40)) || !fill.NoPrice.Equal(d(0.60)) {
		t.Errorf("exec prices yes=%s no=%s, want 0.40/0.60", fill.YesPrice, fill.NoPrice)
	}
	if !fill.YesPrice.Add(fill.NoPrice).Equal(decimal.NewFromInt(1)) {
		t.Errorf("yes+no = %s, want 1.00", fill.YesPrice.Add(fill.NoPrice))
	}

	// Taker pays the 0.60 complement, not their 0.65 limit: 0.05 x 10
	// comes back as surplus.
	if got := available(t, ms, "u2"); !got.Equal(d(94.00)) {
		t.Errorf("u2 available = %s, want 94.00", got)
	}
	if got := available(t, ms, "u1"); !got.Equal(d(96.00)) {
		t.Errorf("u1 available = %s, want 96.00", got)
	}
	if !locked(t, ms, "u1").IsZero() || !locked(t, ms, "u2").IsZero() {
		t.Error("both locks should be consumed by the mint")
	}

	m, _ := ms.GetMarket(context.Background(), alpha.ID)
	if m.OutstandingPairs != 10 {
		t.Errorf("outstanding pairs = %d, want 10", m.OutstandingPairs)
	}
	if !m.LockedCollateral.Equal(d(10.00)) {
		t.Errorf("locked collateral = %s, want 10.00", m.LockedCollateral)
	}
	if !m.LastPrice.Equal(d(0.40)) {
		t.Errorf("last price = %s, want 0.40", m.LastPrice)
	}

	p1, _ := ms.GetPosition(context.Background(), "u1", alpha.ID)
	p2, _ := ms.GetPosition(context.Background(), "u2", alpha.ID)
	if p1.YesShares != 10 || p2.NoShares != 10 {
		t.Errorf("positions yes=%d no=%d, want 10/10", p1.YesShares, p2.NoShares)
	}

	checkMarketInvariant(t, ms, alpha.ID)
	checkLedgerRunningSum(t, ms, "u1")
	checkLedgerRunningSum(t, ms, "u2")
}

func TestTransfer_SameOutcome(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)
	fund(t, eng, "u3", 100)

	// Mint 10 pairs so u1 holds YES.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	// u1's ask rests; u3's bid crosses and transfers at the maker's 0.50.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideSell, 0.50, 10)
	res := place(t, eng, alpha.ID, "u3", model.OutcomeYes, model.SideBuy, 0.55, 10)

	if len(res.Fills) != 1 || res.Fills[0].FillType != model.FillTransfer {
		t.Fatalf("expected one transfer fill, got %+v", res.Fills)
	}
	if !res.Fills[0].YesPrice.Equal(d(0.50)) {
		t.Errorf("exec price = %s, want maker's 0.50", res.Fills[0].YesPrice)
	}

	// Pair supply unchanged; shares moved u1 -> u3.
	m, _ := ms.GetMarket(context.Background(), alpha.ID)
	if m.OutstandingPairs != 10 {
		t.Errorf("pairs = %d, want 10 (transfer must not mint)", m.OutstandingPairs)
	}
	p1, _ := ms.GetPosition(context.Background(), "u1", alpha.ID)
	p3, _ := ms.GetPosition(context.Background(), "u3", alpha.ID)
	if p1.YesShares != 0 || p3.YesShares != 10 {
		t.Errorf("yes shares u1=%d u3=%d, want 0/10", p1.YesShares, p3.YesShares)
	}

	// u1: 100 - 5.00 (mint) + 5.00 (sale proceeds) = 100.
	if got := available(t, ms, "u1"); !got.Equal(d(100.00)) {
		t.Errorf("u1 available = %s, want 100.00", got)
	}
	// u3: 100 - 5.50 lock + 0.50 surplus refund = 95.00 spent 5.00.
	if got := available(t, ms, "u3"); !got.Equal(d(95.00)) {
		t.Errorf("u3 available = %s, want 95.00", got)
	}

	checkMarketInvariant(t, ms, alpha.ID)
	for _, u := range []string{"u1", "u2", "u3"} {
		checkLedgerRunningSum(t, ms, u)
	}
}

func TestBurn_CrossOutcomeSells(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)

	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	// u1's sell YES at 0.45 rests; u2's sell NO at 0.50 crosses
	// (0.45 + 0.50 <= 1.00) and burns: maker receives the ask, taker the
	// 0.55 complement.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideSell, 0.45, 10)
	res := place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideSell, 0.50, 10)

	if len(res.Fills) != 1 || res.Fills[0].FillType != model.FillBurn {
		t.Fatalf("expected one burn fill, got %+v", res.Fills)
	}

	m, _ := ms.GetMarket(context.Background(), alpha.ID)
	if m.OutstandingPairs != 0 {
		t.Errorf("pairs = %d, want 0 after burn", m.OutstandingPairs)
	}
	if !m.LockedCollateral.IsZero() {
		t.Errorf("locked = %s, want 0 after burn", m.LockedCollateral)
	}

	// u1: 100 - 5.00 + 4.50 = 99.50; u2: 100 - 5.00 + 5.50 = 100.50.
	if got := available(t, ms, "u1"); !got.Equal(d(99.50)) {
		t.Errorf("u1 available = %s, want 99.50", got)
	}
	if got := available(t, ms, "u2"); !got.Equal(d(100.50)) {
		t.Errorf("u2 available = %s, want 100.50", got)
	}

	checkMarketInvariant(t, ms, alpha.ID)
	checkLedgerRunningSum(t, ms, "u1")
	checkLedgerRunningSum(t, ms, "u2")
}

func TestMatch_TiePrefersTransfer(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		fund(t, eng, u, 100)
	}

	// Give u1 YES shares to offer.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	// Two candidates at the same 0.60 effective price for a YES buyer:
	// u1's ask at 0.60 (transfer) and u3's NO bid at 0.40 (mint).
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideSell, 0.60, 10)
	place(t, eng, alpha.ID, "u3", model.OutcomeNo, model.SideBuy, 0.40, 10)

	res := place(t, eng, alpha.ID, "u4", model.OutcomeYes, model.SideBuy, 0.60, 10)
	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res.Fills))
	}
	if res.Fills[0].FillType != model.FillTransfer {
		t.Errorf("tie went to %s, want transfer", res.Fills[0].FillType)
	}

	m, _ := ms.GetMarket(context.Background(), alpha.ID)
	if m.OutstandingPairs != 10 {
		t.Errorf("pairs = %d, want 10 (tie must not mint)", m.OutstandingPairs)
	}
}

func TestMatch_PartialFill(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)

	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.40, 10)
	res := place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.60, 25)

	if res.Order.FilledQuantity != 10 {
		t.Errorf("taker filled %d, want 10", res.Order.FilledQuantity)
	}
	if res.Order.Status != model.OrderPartial {
		t.Errorf("taker status = %s, want partial", res.Order.Status)
	}

	maker, _ := ms.GetOrder(context.Background(), res.Fills[0].MakerOrderID)
	if maker.Status != model.OrderFilled {
		t.Errorf("maker status = %s, want filled", maker.Status)
	}

	// The remainder rests and still backs 15 x 0.60 of lock.
	if got := locked(t, ms, "u2"); !got.Equal(d(9.00)) {
		t.Errorf("u2 lock = %s, want 9.00 for the resting remainder", got)
	}
	checkMarketInvariant(t, ms, alpha.ID)
}

func TestMatch_PriceTimePriority(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		fund(t, eng, u, 100)
	}

	// Mint shares for two sellers.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u3", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	// u3 asks 0.55 first, u1 asks 0.50: better price wins despite time.
	u3Ask := place(t, eng, alpha.ID, "u3", model.OutcomeYes, model.SideSell, 0.55, 10)
	u1Ask := place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideSell, 0.50, 10)

	res := place(t, eng, alpha.ID, "u4", model.OutcomeYes, model.SideBuy, 0.60, 10)
	if got := res.Fills[0].MakerOrderID; got != u1Ask.Order.ID {
		t.Errorf("matched maker %s, want best-priced ask %s", got, u1Ask.Order.ID)
	}
	_ = u3Ask
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	eng, ms, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)

	res := place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.40, 10)
	if got := available(t, ms, "u1"); !got.Equal(d(96.00)) {
		t.Fatalf("available after lock = %s, want 96.00", got)
	}

	cancelled, err := eng.CancelOrder(context.Background(), res.Order.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.OrderCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := available(t, ms, "u1"); !got.Equal(d(100.00)) {
		t.Errorf("available after cancel = %s, want 100.00", got)
	}
	if !locked(t, ms, "u1").IsZero() {
		t.Errorf("lock after cancel = %s, want 0", locked(t, ms, "u1"))
	}

	// Second cancel has nothing left to release.
	if _, err := eng.CancelOrder(context.Background(), res.Order.ID, "u1"); !errors.Is(err, engine.ErrNothingToCancel) {
		t.Errorf("second cancel: got %v, want ErrNothingToCancel", err)
	}
	checkLedgerRunningSum(t, ms, "u1")
}

func TestCancelOrder_WrongOwner(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)

	res := place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.40, 10)
	if _, err := eng.CancelOrder(context.Background(), res.Order.ID, "u2"); !errors.Is(err, engine.ErrNotOrderOwner) {
		t.Errorf("got %v, want ErrNotOrderOwner", err)
	}
}

func TestCancelOrder_AlreadyFilled(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)

	res := place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	if _, err := eng.CancelOrder(context.Background(), res.Order.ID, "u1"); !errors.Is(err, engine.ErrNothingToCancel) {
		t.Errorf("cancel of filled order: got %v, want ErrNothingToCancel", err)
	}
}

// --- Uncommitted shares ---

func TestSell_CommittedSharesCounted(t *testing.T) {
	eng, _, alpha, _ := newTestEngine(t)
	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)

	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)

	// First ask commits all 10 shares; a second ask must be rejected.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideSell, 0.60, 10)
	_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: alpha.ID,
		UserID:   "u1",
		Outcome:  model.OutcomeYes,
		Side:     model.SideSell,
		Price:    d(0.70),
		Quantity: 1,
	})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

// --- Lifecycle ---

func TestConcludeSeason_CancelsAndFreezes(t *testing.T) {
	eng, ms, alpha, beta := newTestEngine(t)
	for _, u := range []string{"u1", "u2", "u3"} {
		fund(t, eng, u, 100)
	}

	// Mint a pair on ALPHA, then leave three resting orders across both
	// markets.
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.50, 10)
	place(t, eng, alpha.ID, "u3", model.OutcomeYes, model.SideBuy, 0.30, 5)
	place(t, eng, beta.ID, "u1", model.OutcomeNo, model.SideBuy, 0.20, 5)
	place(t, eng, beta.ID, "u2", model.OutcomeYes, model.SideBuy, 0.10, 5)

	season, err := eng.ConcludeSeason(context.Background(), "S1", "ALPHA")
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if season.Status != model.SeasonConcluded {
		t.Errorf("season status = %s, want concluded", season.Status)
	}
	if season.WinnerParticipantID != "ALPHA" {
		t.Errorf("winner = %s, want ALPHA", season.WinnerParticipantID)
	}
	if !season.PrizePool.Equal(d(10.00)) {
		t.Errorf("prize pool = %s, want the 10.00 locked on ALPHA", season.PrizePool)
	}

	// Every market halted, every resting order cancelled, every lock
	// released.
	for _, id := range []string{alpha.ID, beta.ID} {
		m, _ := ms.GetMarket(context.Background(), id)
		if m.Status != model.MarketHalted {
			t.Errorf("market %s status = %s, want halted", m.Ticker, m.Status)
		}
		open, _ := ms.ListOpenOrders(context.Background(), id)
		if len(open) != 0 {
			t.Errorf("market %s still has %d open orders", m.Ticker, len(open))
		}
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		if !locked(t, ms, u).IsZero() {
			t.Errorf("%s still has locked collateral %s", u, locked(t, ms, u))
		}
		checkLedgerRunningSum(t, ms, u)
	}

	// Placing on a halted market fails; concluding twice fails.
	_, err = eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: alpha.ID, UserID: "u1",
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Price: d(0.50), Quantity: 1,
	})
	if !errors.Is(err, engine.ErrMarketNotActive) {
		t.Errorf("place on halted market: got %v, want ErrMarketNotActive", err)
	}
	if _, err := eng.ConcludeSeason(context.Background(), "S1", "BETA"); !errors.Is(err, engine.ErrSeasonConcluded) {
		t.Errorf("second conclude: got %v, want ErrSeasonConcluded", err)
	}
}

func TestConcludeSeason_UnknownWinner(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	if _, err := eng.ConcludeSeason(context.Background(), "S1", "GAMMA"); !errors.Is(err, engine.ErrUnknownParticipant) {
		t.Errorf("got %v, want ErrUnknownParticipant", err)
	}
}

// --- Restart recovery ---

func TestRestore_RebuildsBooks(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := engine.New(ms, nil)
	_, markets, err := eng.CreateSeason(context.Background(), "S1", []string{"ALPHA"})
	if err != nil {
		t.Fatalf("create season: %v", err)
	}
	alpha := markets[0]

	fund(t, eng, "u1", 100)
	fund(t, eng, "u2", 100)
	place(t, eng, alpha.ID, "u1", model.OutcomeYes, model.SideBuy, 0.40, 10)

	// Fresh engine over the same store: the resting bid must survive and
	// match an incoming complementary buy.
	eng2 := engine.New(ms, nil)
	if err := eng2.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	res := place(t, eng2, alpha.ID, "u2", model.OutcomeNo, model.SideBuy, 0.60, 10)
	if len(res.Fills) != 1 || res.Fills[0].FillType != model.FillMint {
		t.Fatalf("restored book did not match, fills: %+v", res.Fills)
	}
	checkMarketInvariant(t, ms, alpha.ID)
}

// --- Exposure limits ---

func TestPlaceOrder_ExposureLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	eng := engine.New(ms, exposure.NewLimiter(15, 0))
	_, markets, err := eng.CreateSeason(context.Background(), "S1", []string{"ALPHA"})
	if err != nil {
		t.Fatalf("create season: %v", err)
	}
	fund(t, eng, "u1", 100)

	if _, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: markets[0].ID, UserID: "u1",
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Price: d(0.10), Quantity: 20,
	}); err == nil {
		t.Fatal("expected per-market exposure rejection")
	}
}

// faultyStore fails collateral locks with an infrastructure error while
// delegating everything else to the wrapped store.
type faultyStore struct {
	store.Store
	lockErr error
}

func (s *faultyStore) ApplyLedger(ctx context.Context, userID string, reason model.LedgerReason, amount, lockDelta decimal.Decimal, refID string) (*model.LedgerEntry, error) {
	if reason == model.ReasonOrderLock {
		return nil, s.lockErr
	}
	return s.Store.ApplyLedger(ctx, userID, reason, amount, lockDelta, refID)
}

func TestPlaceOrder_StoreFailureIsNotAFundsRejection(t *testing.T) {
	ms := store.NewMemoryStore()
	seed := engine.New(ms, nil)
	_, markets, err := seed.CreateSeason(context.Background(), "S1", []string{"ALPHA"})
	if err != nil {
		t.Fatalf("create season: %v", err)
	}
	fund(t, seed, "u1", 100)

	lockErr := errors.New("connection reset by peer")
	eng := engine.New(&faultyStore{Store: ms, lockErr: lockErr}, nil)

	before := testutil.ToFloat64(metrics.OrdersRejected.WithLabelValues("insufficient_funds"))
	_, err = eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		MarketID: markets[0].ID, UserID: "u1",
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Price: d(0.50), Quantity: 1,
	})
	if !errors.Is(err, lockErr) {
		t.Fatalf("got %v, want the store error back", err)
	}
	if after := testutil.ToFloat64(metrics.OrdersRejected.WithLabelValues("insufficient_funds")); after != before {
		t.Errorf("store failure moved the rejection count from %v to %v", before, after)
	}
}
