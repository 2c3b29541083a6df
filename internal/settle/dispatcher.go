package settle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pairmint/market-engine/internal/metrics"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
	"github.com/shopspring/decimal"
)

// Disburser sends funds to a user over an external payment rail. It
// returns an opaque transaction reference on success. Implementations
// must tolerate being called again for the same payout after an error
// whose outcome was lost.
type Disburser interface {
	SendPayout(ctx context.Context, userID string, amount decimal.Decimal) (txRef string, err error)
}

// Dispatcher drains pending payouts through a Disburser with bounded
// exponential backoff. It runs outside every market lock; a slow or
// failing payment rail never blocks trading.
type Dispatcher struct {
	store     store.Store
	disburser Disburser

	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
}

// NewDispatcher creates a dispatcher with its default cadence.
func NewDispatcher(st store.Store, d Disburser) *Dispatcher {
	return &Dispatcher{
		store:        st,
		disburser:    d,
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
		BaseBackoff:  500 * time.Millisecond,
	}
}

// Run polls for pending payouts until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := d.Drain(ctx); err != nil {
			slog.Error("payout drain failed", "error", err)
		} else if n > 0 {
			slog.Info("payouts dispatched", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain processes one batch of pending payouts and returns how many
// reached a terminal status.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingPayouts(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	var done int
	for i := range pending {
		if err := d.dispatch(ctx, &pending[i]); err != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			continue
		}
		done++
	}
	return done, nil
}

// dispatch pushes one payout through the rail, retrying transient
// failures with exponential backoff. Exhausting the attempt budget marks
// the payout failed; it stays in the store for a later requeue.
func (d *Dispatcher) dispatch(ctx context.Context, p *model.Payout) error {
	backoff := d.BaseBackoff
	for attempt := p.Attempts; attempt < d.MaxAttempts; attempt++ {
		txRef, err := d.disburser.SendPayout(ctx, p.UserID, p.Amount)
		if err == nil {
			if err := d.store.UpdatePayout(ctx, p.ID, model.PayoutSent, txRef, attempt+1); err != nil {
				return err
			}
			if _, err := d.store.ApplyLedger(ctx, p.UserID, model.ReasonSettlementPayout, p.Amount, decimal.Zero, p.ID); err != nil {
				return err
			}
			metrics.PayoutsDispatched.WithLabelValues("sent").Inc()
			slog.Info("payout sent",
				"payout_id", p.ID,
				"user", p.UserID,
				"amount", p.Amount.String(),
				"tx_ref", txRef,
			)
			return nil
		}

		slog.Warn("payout attempt failed",
			"payout_id", p.ID,
			"user", p.UserID,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			if err := d.store.UpdatePayout(context.WithoutCancel(ctx), p.ID, model.PayoutPending, "", attempt+1); err != nil {
				slog.Error("persisting payout attempt count", "payout_id", p.ID, "error", err)
			}
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if err := d.store.UpdatePayout(ctx, p.ID, model.PayoutFailed, "", d.MaxAttempts); err != nil {
		return err
	}
	metrics.PayoutsDispatched.WithLabelValues("failed").Inc()
	return fmt.Errorf("settle: payout %s failed after %d attempts", p.ID, d.MaxAttempts)
}

// Requeue flips a season's failed payouts back to pending so the next
// drain retries them.
func (d *Dispatcher) Requeue(ctx context.Context, seasonID string) (int, error) {
	payouts, err := d.store.ListPayoutsBySeason(ctx, seasonID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, p := range payouts {
		if p.Status != model.PayoutFailed {
			continue
		}
		if err := d.store.UpdatePayout(ctx, p.ID, model.PayoutPending, "", 0); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
