package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pairmint/market-engine/internal/metrics"
	"github.com/pairmint/market-engine/internal/model"
	"github.com/pairmint/market-engine/internal/store"
)

// candidate is one matchable resting order plus the fill type matching
// it would produce and the taker's effective price per share.
type candidate struct {
	maker    *model.Order
	fillType model.FillType
	// effective is what the taker pays (buys) or receives (sells) per
	// share if this candidate is chosen.
	effective decimal.Decimal
}

// match runs the taker against the book until its quantity is exhausted
// or no resting order crosses. Execution is at the maker's price; a
// crossed spread improves the taker's price, never the maker's.
func (e *Engine) match(ctx context.Context, ms *marketState, market *model.Market, taker *model.Order) ([]model.OrderFill, error) {
	var fills []model.OrderFill
	for taker.Remaining() > 0 {
		cand := e.bestCandidate(ms, taker)
		if cand == nil {
			break
		}

		qty := taker.Remaining()
		if r := cand.maker.Remaining(); r < qty {
			qty = r
		}

		var (
			fill *model.OrderFill
			err  error
		)
		switch cand.fillType {
		case model.FillTransfer:
			fill, err = e.applyTransfer(ctx, market, taker, cand.maker, qty)
		case model.FillMint:
			fill, err = e.applyMint(ctx, market, taker, cand.maker, qty)
		case model.FillBurn:
			fill, err = e.applyBurn(ctx, market, taker, cand.maker, qty)
		}
		if err != nil {
			return fills, err
		}
		fills = append(fills, *fill)

		if cand.maker.Remaining() == 0 {
			if _, err := ms.book.Remove(cand.maker.ID); err != nil {
				return fills, err
			}
		}
		metrics.FillsTotal.WithLabelValues(string(cand.fillType)).Inc()
		metrics.SharesMatched.Add(float64(qty))
	}
	return fills, nil
}

// bestCandidate picks the resting order giving the taker the best
// effective price. Each incoming order has two potential counterparties:
// the same-outcome opposite side (share transfer) and the
// complementary-outcome same side (pair mint for buys, pair burn for
// sells). Ties go to the transfer so pair supply only moves when the
// cross-outcome price is strictly better.
func (e *Engine) bestCandidate(ms *marketState, taker *model.Order) *candidate {
	opp := taker.Outcome.Opposite()

	if taker.Side == model.SideBuy {
		var transfer, mint *candidate
		if m := ms.book.BestSell(taker.Outcome); m != nil && m.Price.LessThanOrEqual(taker.Price) {
			transfer = &candidate{maker: m, fillType: model.FillTransfer, effective: m.Price}
		}
		if m := ms.book.BestBuy(opp); m != nil && m.Price.Add(taker.Price).GreaterThanOrEqual(model.One) {
			mint = &candidate{maker: m, fillType: model.FillMint, effective: model.One.Sub(m.Price)}
		}
		if transfer == nil {
			return mint
		}
		if mint == nil || transfer.effective.LessThanOrEqual(mint.effective) {
			return transfer
		}
		return mint
	}

	var transfer, burn *candidate
	if m := ms.book.BestBuy(taker.Outcome); m != nil && m.Price.GreaterThanOrEqual(taker.Price) {
		transfer = &candidate{maker: m, fillType: model.FillTransfer, effective: m.Price}
	}
	if m := ms.book.BestSell(opp); m != nil && m.Price.Add(taker.Price).LessThanOrEqual(model.One) {
		burn = &candidate{maker: m, fillType: model.FillBurn, effective: model.One.Sub(m.Price)}
	}
	if transfer == nil {
		return burn
	}
	if burn == nil || transfer.effective.GreaterThanOrEqual(burn.effective) {
		return transfer
	}
	return burn
}

// applyTransfer moves qty existing shares from the sell side to the buy
// side at the maker's price. Pair supply and market collateral are
// untouched; cash moves buyer to seller through the ledger.
func (e *Engine) applyTransfer(ctx context.Context, market *model.Market, taker, maker *model.Order, qty int64) (*model.OrderFill, error) {
	buyer, seller := taker, maker
	if taker.Side == model.SideSell {
		buyer, seller = maker, taker
	}
	exec := maker.Price
	q := decimal.NewFromInt(qty)

	fill := e.newFill(market, taker, maker, model.FillTransfer, qty, taker.Outcome, exec)
	fill.CollateralMoved = exec.Mul(q)
	if err := e.store.InsertFill(ctx, fill); err != nil {
		return nil, err
	}

	// The buyer's lock was taken at their limit price. The executed
	// portion leaves the account entirely; any price improvement over the
	// limit returns to available.
	consumed := buyer.Price.Mul(q)
	surplus := buyer.Price.Sub(exec).Mul(q)
	if _, err := e.store.ApplyLedger(ctx, buyer.UserID, model.ReasonOrderRelease, surplus, consumed.Neg(), fill.ID); err != nil {
		return nil, err
	}
	if _, err := e.store.ApplyLedger(ctx, seller.UserID, model.ReasonBurnRelease, exec.Mul(q), decimal.Zero, fill.ID); err != nil {
		return nil, err
	}

	if err := e.applyPositionBuy(ctx, buyer.UserID, market.ID, taker.Outcome, qty, exec); err != nil {
		return nil, err
	}
	if err := e.applyPositionSell(ctx, seller.UserID, market.ID, taker.Outcome, qty, exec); err != nil {
		return nil, err
	}

	buyer.CollateralLocked = buyer.CollateralLocked.Sub(consumed)
	e.progressOrders(taker, maker, qty)
	if err := e.store.UpdateOrder(ctx, maker); err != nil {
		return nil, err
	}

	if err := e.persistAggregates(ctx, market, fill.YesPrice); err != nil {
		return nil, err
	}
	return fill, nil
}

// applyMint matches two complementary buys whose prices sum to at least
// 1.00, creating qty new YES/NO pairs. Exactly 1.00 per pair moves into
// the market's locked pool: the maker contributes their limit price, the
// taker the complement; anything the taker locked above that complement
// is refunded.
func (e *Engine) applyMint(ctx context.Context, market *model.Market, taker, maker *model.Order, qty int64) (*model.OrderFill, error) {
	q := decimal.NewFromInt(qty)
	takerExec := model.One.Sub(maker.Price)

	fill := e.newFill(market, taker, maker, model.FillMint, qty, taker.Outcome, takerExec)
	fill.CollateralMoved = model.One.Mul(q)
	if err := e.store.InsertFill(ctx, fill); err != nil {
		return nil, err
	}

	takerConsumed := taker.Price.Mul(q)
	surplus := taker.Price.Sub(takerExec).Mul(q)
	if _, err := e.store.ApplyLedger(ctx, taker.UserID, model.ReasonMintLock, surplus, takerConsumed.Neg(), fill.ID); err != nil {
		return nil, err
	}
	makerConsumed := maker.Price.Mul(q)
	if _, err := e.store.ApplyLedger(ctx, maker.UserID, model.ReasonMintLock, decimal.Zero, makerConsumed.Neg(), fill.ID); err != nil {
		return nil, err
	}

	if err := e.applyPositionBuy(ctx, taker.UserID, market.ID, taker.Outcome, qty, takerExec); err != nil {
		return nil, err
	}
	if err := e.applyPositionBuy(ctx, maker.UserID, market.ID, maker.Outcome, qty, maker.Price); err != nil {
		return nil, err
	}

	taker.CollateralLocked = taker.CollateralLocked.Sub(takerConsumed)
	maker.CollateralLocked = maker.CollateralLocked.Sub(makerConsumed)
	e.progressOrders(taker, maker, qty)
	if err := e.store.UpdateOrder(ctx, maker); err != nil {
		return nil, err
	}

	market.OutstandingPairs += qty
	market.LockedCollateral = market.LockedCollateral.Add(model.One.Mul(q))
	if err := e.persistAggregates(ctx, market, fill.YesPrice); err != nil {
		return nil, err
	}
	return fill, nil
}

// applyBurn matches two complementary sells whose prices sum to at most
// 1.00, destroying qty pairs. Exactly 1.00 per pair leaves the market's
// locked pool: the maker receives their ask, the taker the complement,
// so a spread below 1.00 improves the taker's proceeds.
func (e *Engine) applyBurn(ctx context.Context, market *model.Market, taker, maker *model.Order, qty int64) (*model.OrderFill, error) {
	q := decimal.NewFromInt(qty)
	takerExec := model.One.Sub(maker.Price)

	fill := e.newFill(market, taker, maker, model.FillBurn, qty, taker.Outcome, takerExec)
	fill.CollateralMoved = model.One.Mul(q)
	if err := e.store.InsertFill(ctx, fill); err != nil {
		return nil, err
	}

	if _, err := e.store.ApplyLedger(ctx, taker.UserID, model.ReasonBurnRelease, takerExec.Mul(q), decimal.Zero, fill.ID); err != nil {
		return nil, err
	}
	if _, err := e.store.ApplyLedger(ctx, maker.UserID, model.ReasonBurnRelease, maker.Price.Mul(q), decimal.Zero, fill.ID); err != nil {
		return nil, err
	}

	if err := e.applyPositionSell(ctx, taker.UserID, market.ID, taker.Outcome, qty, takerExec); err != nil {
		return nil, err
	}
	if err := e.applyPositionSell(ctx, maker.UserID, market.ID, maker.Outcome, qty, maker.Price); err != nil {
		return nil, err
	}

	e.progressOrders(taker, maker, qty)
	if err := e.store.UpdateOrder(ctx, maker); err != nil {
		return nil, err
	}

	market.OutstandingPairs -= qty
	market.LockedCollateral = market.LockedCollateral.Sub(model.One.Mul(q))
	if err := e.persistAggregates(ctx, market, fill.YesPrice); err != nil {
		return nil, err
	}
	return fill, nil
}

// newFill builds the immutable fill record. exec is the taker's price in
// the taker's outcome; the record always stores both legs so YesPrice +
// NoPrice == 1.00.
func (e *Engine) newFill(market *model.Market, taker, maker *model.Order, ft model.FillType, qty int64, takerOutcome model.Outcome, exec decimal.Decimal) *model.OrderFill {
	yes, no := exec, model.One.Sub(exec)
	if takerOutcome == model.OutcomeNo {
		yes, no = no, yes
	}
	return &model.OrderFill{
		ID:           uuid.New().String(),
		MarketID:     market.ID,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		FillType:     ft,
		Quantity:     qty,
		YesPrice:     yes,
		NoPrice:      no,
		CreatedAt:    time.Now().UTC(),
	}
}

// progressOrders advances filled quantity and status on both legs.
func (e *Engine) progressOrders(taker, maker *model.Order, qty int64) {
	now := time.Now().UTC()
	for _, o := range []*model.Order{taker, maker} {
		o.FilledQuantity += qty
		if o.Remaining() == 0 {
			o.Status = model.OrderFilled
		} else {
			o.Status = model.OrderPartial
		}
		o.UpdatedAt = now
	}
}

// applyPositionBuy adds shares to a position at the executed price,
// re-weighting the average cost.
func (e *Engine) applyPositionBuy(ctx context.Context, userID, marketID string, outcome model.Outcome, qty int64, price decimal.Decimal) error {
	pos, err := e.loadPosition(ctx, userID, marketID)
	if err != nil {
		return err
	}
	q := decimal.NewFromInt(qty)
	if outcome == model.OutcomeYes {
		held := decimal.NewFromInt(pos.YesShares)
		pos.AvgYesPrice = pos.AvgYesPrice.Mul(held).Add(price.Mul(q)).Div(held.Add(q))
		pos.YesShares += qty
	} else {
		held := decimal.NewFromInt(pos.NoShares)
		pos.AvgNoPrice = pos.AvgNoPrice.Mul(held).Add(price.Mul(q)).Div(held.Add(q))
		pos.NoShares += qty
	}
	pos.UpdatedAt = time.Now().UTC()
	return e.store.UpsertPosition(ctx, pos)
}

// applyPositionSell removes shares at the executed price and realizes
// the difference against the average cost.
func (e *Engine) applyPositionSell(ctx context.Context, userID, marketID string, outcome model.Outcome, qty int64, price decimal.Decimal) error {
	pos, err := e.loadPosition(ctx, userID, marketID)
	if err != nil {
		return err
	}
	q := decimal.NewFromInt(qty)
	if outcome == model.OutcomeYes {
		pos.RealizedPnl = pos.RealizedPnl.Add(price.Sub(pos.AvgYesPrice).Mul(q))
		pos.YesShares -= qty
	} else {
		pos.RealizedPnl = pos.RealizedPnl.Add(price.Sub(pos.AvgNoPrice).Mul(q))
		pos.NoShares -= qty
	}
	pos.UpdatedAt = time.Now().UTC()
	return e.store.UpsertPosition(ctx, pos)
}

func (e *Engine) loadPosition(ctx context.Context, userID, marketID string) (*model.MarketPosition, error) {
	pos, err := e.store.GetPosition(ctx, userID, marketID)
	if err == nil {
		return pos, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return &model.MarketPosition{
			UserID:      userID,
			MarketID:    marketID,
			AvgYesPrice: decimal.Zero,
			AvgNoPrice:  decimal.Zero,
			RealizedPnl: decimal.Zero,
		}, nil
	}
	return nil, err
}

// persistAggregates writes the market's pair count, locked pool, and
// last traded YES price after a fill.
func (e *Engine) persistAggregates(ctx context.Context, market *model.Market, yesPrice decimal.Decimal) error {
	market.LastPrice = yesPrice
	metrics.PairsOutstanding.WithLabelValues(market.Ticker).Set(float64(market.OutstandingPairs))
	return e.store.UpdateMarketAggregates(ctx, market.ID, market.OutstandingPairs, market.LockedCollateral, market.LastPrice)
}
