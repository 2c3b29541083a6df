package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestApplyLedger_AppendsAndBalances(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	e1, err := ms.ApplyLedger(ctx, "u1", model.ReasonDeposit, d(100), decimal.Zero, "")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !e1.BalanceBefore.IsZero() || !e1.BalanceAfter.Equal(d(100)) {
		t.Errorf("first entry balances %s -> %s, want 0 -> 100", e1.BalanceBefore, e1.BalanceAfter)
	}

	e2, err := ms.ApplyLedger(ctx, "u1", model.ReasonOrderLock, d(-40), d(40), "order-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !e2.BalanceAfter.Equal(d(60)) {
		t.Errorf("balance after lock = %s, want 60", e2.BalanceAfter)
	}

	a, err := ms.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !a.Available.Equal(d(60)) || !a.Locked.Equal(d(40)) {
		t.Errorf("account = %s/%s, want 60 available, 40 locked", a.Available, a.Locked)
	}

	entries, err := ms.ListLedgerByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[1].ReferenceID != "order-1" {
		t.Errorf("reference id = %q, want order-1", entries[1].ReferenceID)
	}
}

func TestApplyLedger_InsufficientFunds(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.ApplyLedger(ctx, "u1", model.ReasonDeposit, d(10), decimal.Zero, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := ms.ApplyLedger(ctx, "u1", model.ReasonOrderLock, d(-15), d(15), "order-1")
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// A failed application mutates nothing.
	a, _ := ms.GetAccount(ctx, "u1")
	if !a.Available.Equal(d(10)) || !a.Locked.IsZero() {
		t.Errorf("account after rejection = %s/%s, want 10/0", a.Available, a.Locked)
	}
	entries, _ := ms.ListLedgerByUser(ctx, "u1")
	if len(entries) != 1 {
		t.Errorf("rejected application appended a ledger row")
	}
}

func TestGetAccount_UnknownUserIsZero(t *testing.T) {
	ms := store.NewMemoryStore()
	a, err := ms.GetAccount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Available.IsZero() || !a.Locked.IsZero() {
		t.Errorf("unknown account = %s/%s, want zeros", a.Available, a.Locked)
	}
}

func TestListOpenOrders_SubmissionOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"o1", "o2", "o3"} {
		o := &model.Order{
			ID: id, MarketID: "m1", UserID: "u1",
			Outcome: model.OutcomeYes, Side: model.SideBuy,
			Price: d(0.50), Quantity: 10, Status: model.OrderOpen,
			CollateralLocked: d(5), CreatedAt: now, UpdatedAt: now,
		}
		if err := ms.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	// Terminal orders drop out of the open set.
	o2, _ := ms.GetOrder(ctx, "o2")
	o2.Status = model.OrderCancelled
	if err := ms.UpdateOrder(ctx, o2); err != nil {
		t.Fatalf("update: %v", err)
	}

	open, err := ms.ListOpenOrders(ctx, "m1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].ID != "o1" || open[1].ID != "o3" {
		t.Fatalf("open orders = %+v, want [o1 o3] in submission order", open)
	}
}

func TestInsertPayouts_SecondSeasonBatchRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []model.Payout{{
		ID: "p1", SeasonID: "S1", MarketID: "m1", UserID: "u1",
		YesShares: 10, SharePct: decimal.NewFromInt(1), Amount: d(10),
		Status: model.PayoutPending, CreatedAt: now, UpdatedAt: now,
	}}
	if err := ms.InsertPayouts(ctx, batch); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := []model.Payout{{
		ID: "p2", SeasonID: "S1", MarketID: "m1", UserID: "u2",
		YesShares: 5, SharePct: d(0.5), Amount: d(5),
		Status: model.PayoutPending, CreatedAt: now, UpdatedAt: now,
	}}
	if err := ms.InsertPayouts(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second insert: got %v, want ErrAlreadyExists", err)
	}

	payouts, _ := ms.ListPayoutsBySeason(ctx, "S1")
	if len(payouts) != 1 {
		t.Errorf("rejected batch partially written: %d payouts", len(payouts))
	}
}

func TestUpdateOrder_CopyOnReturn(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	o := &model.Order{
		ID: "o1", MarketID: "m1", UserID: "u1",
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Price: d(0.50), Quantity: 10, Status: model.OrderOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := ms.InsertOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, _ := ms.GetOrder(ctx, "o1")
	got.FilledQuantity = 9 // mutating the copy must not touch the store

	again, _ := ms.GetOrder(ctx, "o1")
	if again.FilledQuantity != 0 {
		t.Error("store returned a shared reference instead of a copy")
	}
}

func TestConcludeSeason_OneWay(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	season := &model.Season{
		ID: "S1", Status: model.SeasonActive,
		Participants: []string{"ALPHA"}, PrizePool: decimal.Zero, CreatedAt: now,
	}
	if err := ms.CreateSeason(ctx, season); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ms.ConcludeSeason(ctx, "S1", "ALPHA", d(10), now); err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if err := ms.ConcludeSeason(ctx, "S1", "ALPHA", d(10), now); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("second conclude: got %v, want ErrAlreadyExists", err)
	}

	s, _ := ms.GetSeason(ctx, "S1")
	if s.Status != model.SeasonConcluded || s.WinnerParticipantID != "ALPHA" {
		t.Errorf("season after conclude = %+v", s)
	}
	if s.ConcludedAt == nil {
		t.Error("concluded_at not set")
	}
}
