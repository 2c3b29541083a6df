package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/google/uuid"

	"github.com/pairmint/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `id, season_id, participant_id, ticker, outstanding_pairs,
        locked_collateral::TEXT, last_price::TEXT, status, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var locked, lastPrice string
	if err := row.Scan(&m.ID, &m.SeasonID, &m.ParticipantID, &m.Ticker,
		&m.OutstandingPairs, &locked, &lastPrice, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.LockedCollateral, _ = decimal.NewFromString(locked)
	m.LastPrice, _ = decimal.NewFromString(lastPrice)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, season_id, participant_id, ticker, outstanding_pairs,
		                      locked_collateral, last_price, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		m.ID, m.SeasonID, m.ParticipantID, m.Ticker, m.OutstandingPairs,
		m.LockedCollateral.String(), m.LastPrice.String(), m.Status, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market by ticker %s: %w", ticker, err)
	}
	return m, nil
}

func (s *PostgresStore) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListMarketsBySeason(ctx context.Context, seasonID string) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE season_id = $1 ORDER BY ticker`, seasonID)
}

func (s *PostgresStore) UpdateMarketAggregates(ctx context.Context, id string, pairs int64, locked, lastPrice decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET outstanding_pairs = $2, locked_collateral = $3::NUMERIC, last_price = $4::NUMERIC
		 WHERE id = $1`,
		id, pairs, locked.String(), lastPrice.String(),
	)
	return err
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	return err
}

const orderColumns = `id, market_id, user_id, outcome, side, price::TEXT,
        quantity, filled_quantity, status, collateral_locked::TEXT, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, locked string
	if err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Outcome, &o.Side, &price,
		&o.Quantity, &o.FilledQuantity, &o.Status, &locked, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Price, _ = decimal.NewFromString(price)
	o.CollateralLocked, _ = decimal.NewFromString(locked)
	return &o, nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, market_id, user_id, outcome, side, price,
		                     quantity, filled_quantity, status, collateral_locked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12)`,
		o.ID, o.MarketID, o.UserID, o.Outcome, o.Side, o.Price.String(),
		o.Quantity, o.FilledQuantity, o.Status, o.CollateralLocked.String(),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_quantity = $2, status = $3, collateral_locked = $4::NUMERIC, updated_at = $5
		 WHERE id = $1`,
		o.ID, o.FilledQuantity, o.Status, o.CollateralLocked.String(), o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	// seq preserves submission order across restarts; created_at alone
	// can tie within one clock tick.
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partial')
		 ORDER BY seq`, marketID)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	if marketID == "" {
		return s.listOrders(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY seq`, userID)
	}
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND market_id = $2 ORDER BY seq`, userID, marketID)
}

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.OrderFill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_fills (id, market_id, taker_order_id, maker_order_id,
		                          taker_user_id, maker_user_id, fill_type, quantity,
		                          yes_price, no_price, collateral_moved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		f.ID, f.MarketID, f.TakerOrderID, f.MakerOrderID,
		f.TakerUserID, f.MakerUserID, f.FillType, f.Quantity,
		f.YesPrice.String(), f.NoPrice.String(), f.CollateralMoved.String(), f.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListFillsByMarket(ctx context.Context, marketID string) ([]model.OrderFill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, taker_order_id, maker_order_id,
		        taker_user_id, maker_user_id, fill_type, quantity,
		        yes_price::TEXT, no_price::TEXT, collateral_moved::TEXT, created_at
		 FROM order_fills WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.OrderFill
	for rows.Next() {
		var f model.OrderFill
		var yes, no, moved string
		if err := rows.Scan(&f.ID, &f.MarketID, &f.TakerOrderID, &f.MakerOrderID,
			&f.TakerUserID, &f.MakerUserID, &f.FillType, &f.Quantity,
			&yes, &no, &moved, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.YesPrice, _ = decimal.NewFromString(yes)
		f.NoPrice, _ = decimal.NewFromString(no)
		f.CollateralMoved, _ = decimal.NewFromString(moved)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var available, locked string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, available::TEXT, locked::TEXT, created_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &available, &locked, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Account{
			UserID:    userID,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Available, _ = decimal.NewFromString(available)
	a.Locked, _ = decimal.NewFromString(locked)
	return &a, nil
}

// ApplyLedger runs the balance check, account mutation, and ledger append
// in one transaction with the account row locked, so concurrent fills on
// different markets cannot interleave on a shared user.
func (s *PostgresStore) ApplyLedger(ctx context.Context, userID string, reason model.LedgerReason, amount, lockDelta decimal.Decimal, refID string) (*model.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, available, locked, created_at)
		 VALUES ($1, 0, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		return nil, err
	}

	var availableS, lockedS string
	if err := tx.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&availableS, &lockedS); err != nil {
		return nil, err
	}
	available, _ := decimal.NewFromString(availableS)
	locked, _ := decimal.NewFromString(lockedS)

	newAvailable := available.Add(amount)
	newLocked := locked.Add(lockDelta)
	if newAvailable.IsNegative() {
		return nil, fmt.Errorf("user %s: available %s, need %s: %w",
			userID, available.String(), amount.Neg().String(), ErrInsufficientFunds)
	}
	if newLocked.IsNegative() {
		return nil, fmt.Errorf("user %s: locked would go negative: %w", userID, ErrInsufficientFunds)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET available = $2::NUMERIC, locked = $3::NUMERIC WHERE user_id = $1`,
		userID, newAvailable.String(), newLocked.String()); err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		BalanceBefore: available,
		BalanceAfter:  newAvailable,
		ReferenceID:   refID,
		CreatedAt:     now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, reason, balance_before, balance_after, reference_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		entry.ID, entry.UserID, entry.Amount.String(), entry.Reason,
		entry.BalanceBefore.String(), entry.BalanceAfter.String(),
		entry.ReferenceID, entry.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, reason, balance_before::TEXT, balance_after::TEXT, reference_id, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Reason,
			&before, &after, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const positionColumns = `user_id, market_id, yes_shares, no_shares,
        avg_yes_price::TEXT, avg_no_price::TEXT, realized_pnl::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.MarketPosition, error) {
	var p model.MarketPosition
	var avgYes, avgNo, pnl string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares,
		&avgYes, &avgNo, &pnl, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvgYesPrice, _ = decimal.NewFromString(avgYes)
	p.AvgNoPrice, _ = decimal.NewFromString(avgNo)
	p.RealizedPnl, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.MarketPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.MarketPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares,
		                        avg_yes_price, avg_no_price, realized_pnl, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     avg_yes_price = EXCLUDED.avg_yes_price,
		     avg_no_price = EXCLUDED.avg_no_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.YesShares, p.NoShares,
		p.AvgYesPrice.String(), p.AvgNoPrice.String(), p.RealizedPnl.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.MarketPosition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.MarketPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.MarketPosition, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.MarketPosition, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
}

func (s *PostgresStore) CreateSeason(ctx context.Context, season *model.Season) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seasons (id, status, participants, prize_pool, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		season.ID, season.Status, season.Participants, season.PrizePool.String(), season.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSeason(ctx context.Context, id string) (*model.Season, error) {
	var season model.Season
	var prizePool string
	var winner *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, participants, winner_participant_id, prize_pool::TEXT, created_at, concluded_at
		 FROM seasons WHERE id = $1`, id).
		Scan(&season.ID, &season.Status, &season.Participants, &winner,
			&prizePool, &season.CreatedAt, &season.ConcludedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("season %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get season %s: %w", id, err)
	}
	if winner != nil {
		season.WinnerParticipantID = *winner
	}
	season.PrizePool, _ = decimal.NewFromString(prizePool)
	return &season, nil
}

func (s *PostgresStore) ConcludeSeason(ctx context.Context, id, winnerParticipantID string, prizePool decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE seasons
		 SET status = 'concluded', winner_participant_id = $2, prize_pool = $3::NUMERIC, concluded_at = $4
		 WHERE id = $1 AND status = 'active'`,
		id, winnerParticipantID, prizePool.String(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("season %s: %w", id, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) InsertPayouts(ctx context.Context, payouts []model.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM payouts WHERE season_id = $1`, payouts[0].SeasonID).
		Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("season %s payouts: %w", payouts[0].SeasonID, ErrAlreadyExists)
	}

	for _, p := range payouts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, season_id, market_id, user_id, yes_shares,
			                      share_pct, amount, status, tx_reference, attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
			p.ID, p.SeasonID, p.MarketID, p.UserID, p.YesShares,
			p.SharePct.String(), p.Amount.String(), p.Status, p.TxReference,
			p.Attempts, p.CreatedAt, p.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) listPayouts(ctx context.Context, query string, args ...any) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		var pct, amount string
		if err := rows.Scan(&p.ID, &p.SeasonID, &p.MarketID, &p.UserID, &p.YesShares,
			&pct, &amount, &p.Status, &p.TxReference, &p.Attempts,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.SharePct, _ = decimal.NewFromString(pct)
		p.Amount, _ = decimal.NewFromString(amount)
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

const payoutColumns = `id, season_id, market_id, user_id, yes_shares,
        share_pct::TEXT, amount::TEXT, status, tx_reference, attempts, created_at, updated_at`

func (s *PostgresStore) ListPayoutsBySeason(ctx context.Context, seasonID string) ([]model.Payout, error) {
	return s.listPayouts(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE season_id = $1 ORDER BY user_id`, seasonID)
}

func (s *PostgresStore) ListPendingPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	return s.listPayouts(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE status = 'pending'
		 ORDER BY created_at LIMIT $1`, limit)
}

func (s *PostgresStore) UpdatePayout(ctx context.Context, id string, status model.PayoutStatus, txRef string, attempts int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payouts SET status = $2, tx_reference = $3, attempts = $4, updated_at = $5
		 WHERE id = $1`,
		id, status, txRef, attempts, time.Now().UTC(),
	)
	return err
}
