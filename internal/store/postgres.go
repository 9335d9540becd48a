package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The atomic write paths run inside a transaction with the market row
// locked, so the version check and the four-step apply commit together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, name, description, status, liquidity_param, version, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		m.ID, m.Name, m.Description, m.Status, m.B.String(), m.Version, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}

	for _, o := range m.Outcomes {
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, name, shares_outstanding, display_order)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			o.ID, m.ID, o.Name, o.SharesOutstanding.String(), o.DisplayOrder,
		)
		if err != nil {
			return fmt.Errorf("create outcome %s: %w", o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := s.getMarketRow(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	m.Outcomes, err = s.getOutcomes(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// querier covers both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getMarketRow(ctx context.Context, q querier, id string) (*model.Market, error) {
	var m model.Market
	var b string
	var winning, description *string

	err := q.QueryRow(ctx,
		`SELECT id, name, COALESCE(description, ''), status,
		        liquidity_param::TEXT, winning_outcome_id, version, resolved_at, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &description, &m.Status, &b, &winning,
			&m.Version, &m.ResolvedAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	if description != nil {
		m.Description = *description
	}
	if winning != nil {
		m.WinningOutcomeID = *winning
	}
	m.B, _ = decimal.NewFromString(b)
	return &m, nil
}

func (s *PostgresStore) getOutcomes(ctx context.Context, q querier, marketID string) ([]model.Outcome, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, name, shares_outstanding::TEXT, display_order
		 FROM outcomes WHERE market_id = $1 ORDER BY display_order`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var shares string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &shares, &o.DisplayOrder); err != nil {
			return nil, err
		}
		o.SharesOutstanding, _ = decimal.NewFromString(shares)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	markets := make([]model.Market, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, from []string, to string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, version = version + 1
		 WHERE id = $1 AND status = ANY($3) AND version = $4`,
		id, to, from, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.classifyWriteMiss(ctx, id, from, version)
}

func (s *PostgresStore) SetOutcomeShares(ctx context.Context, marketID string, version int64, shares []decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE markets SET version = version + 1
		 WHERE id = $1 AND status = $2 AND version = $3`,
		marketID, model.StatusDraft, version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return s.classifyWriteMiss(ctx, marketID, []string{model.StatusDraft}, version)
	}

	for i, q := range shares {
		_, err := tx.Exec(ctx,
			`UPDATE outcomes SET shares_outstanding = $3::NUMERIC
			 WHERE market_id = $1 AND display_order = $2`,
			marketID, i, q.String(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// classifyWriteMiss inspects a market after a conditional write matched no
// rows, mapping the miss to the right sentinel.
func (s *PostgresStore) classifyWriteMiss(ctx context.Context, id string, from []string, version int64) error {
	var status string
	var current int64
	err := s.pool.QueryRow(ctx,
		`SELECT status, version FROM markets WHERE id = $1`, id).Scan(&status, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !statusIn(status, from) {
		return ErrInvalidTransition
	}
	if current != version {
		return ErrVersionConflict
	}
	return ErrVersionConflict
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) ListUsersByBalance(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, balance::TEXT, created_at
		 FROM users ORDER BY balance DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance string
		if err := rows.Scan(&u.ID, &u.Name, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balance)
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	var p model.Position
	var shares, basis string

	err := s.pool.QueryRow(ctx,
		`SELECT p.user_id, p.outcome_id, o.market_id, p.shares::TEXT, p.avg_cost_basis::TEXT
		 FROM positions p JOIN outcomes o ON o.id = p.outcome_id
		 WHERE p.user_id = $1 AND p.outcome_id = $2`, userID, outcomeID).
		Scan(&p.UserID, &p.OutcomeID, &p.MarketID, &shares, &basis)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgCostBasis, _ = decimal.NewFromString(basis)
	return &p, nil
}

func (s *PostgresStore) GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.user_id, p.outcome_id, o.market_id, p.shares::TEXT, p.avg_cost_basis::TEXT, m.status
		 FROM positions p
		 JOIN outcomes o ON o.id = p.outcome_id
		 JOIN markets m ON m.id = o.market_id
		 WHERE p.user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows, true)
}

func (s *PostgresStore) GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.user_id, p.outcome_id, o.market_id, p.shares::TEXT, p.avg_cost_basis::TEXT
		 FROM positions p
		 JOIN outcomes o ON o.id = p.outcome_id
		 WHERE o.market_id = $1 AND p.shares > 0`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows, false)
}

func scanPositions(rows pgx.Rows, withStatus bool) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var shares, basis string

		dest := []any{&p.UserID, &p.OutcomeID, &p.MarketID, &shares, &basis}
		if withStatus {
			dest = append(dest, &p.MarketStatus)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		p.Shares, _ = decimal.NewFromString(shares)
		p.AvgCostBasis, _ = decimal.NewFromString(basis)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Atomic writes ---

// ApplyTrade runs the four-step delta in one transaction. The market row
// is locked first; a version mismatch aborts with ErrVersionConflict and
// nothing is observable outside the transaction. Returns the balance as
// committed.
func (s *PostgresStore) ApplyTrade(ctx context.Context, d TradeDelta) (decimal.Decimal, error) {
	var zero decimal.Decimal

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM markets WHERE id = $1 FOR UPDATE`, d.MarketID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	if version != d.MarketVersion {
		return zero, ErrVersionConflict
	}

	// 1. Balance.
	var balanceBefore string
	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC
		 WHERE id = $1
		 RETURNING (balance + $2::NUMERIC)::TEXT`,
		d.UserID, d.Cost.String()).Scan(&balanceBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	before, _ := decimal.NewFromString(balanceBefore)
	after := before.Sub(d.Cost)
	if after.IsNegative() {
		// Another market's trade or a payout moved the balance since the
		// caller validated. Roll back rather than commit an overdraft.
		return zero, ErrOverdraft
	}

	// 2. Outstanding shares + version bump.
	_, err = tx.Exec(ctx,
		`UPDATE outcomes SET shares_outstanding = shares_outstanding + $2::NUMERIC
		 WHERE id = $1`,
		d.OutcomeID, d.DeltaShares.String())
	if err != nil {
		return zero, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE markets SET version = version + 1 WHERE id = $1`, d.MarketID)
	if err != nil {
		return zero, err
	}

	// 3. Position upsert / delete.
	if err := applyPosition(ctx, tx, d); err != nil {
		return zero, err
	}

	// 4. Immutable transaction record.
	txType := model.TxBuy
	if d.DeltaShares.IsNegative() {
		txType = model.TxSell
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions
		   (id, user_id, market_id, outcome_id, type, shares, price_per_share,
		    total_cost, balance_before, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11)`,
		d.TxID, d.UserID, d.MarketID, d.OutcomeID, txType,
		d.DeltaShares.Abs().String(), d.FillPrice.String(), d.Cost.Abs().String(),
		before.String(), after.String(), d.ExecutedAt,
	)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return after, nil
}

func applyPosition(ctx context.Context, tx pgx.Tx, d TradeDelta) error {
	var shares, basis string
	err := tx.QueryRow(ctx,
		`SELECT shares::TEXT, avg_cost_basis::TEXT FROM positions
		 WHERE user_id = $1 AND outcome_id = $2 FOR UPDATE`,
		d.UserID, d.OutcomeID).Scan(&shares, &basis)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if d.DeltaShares.IsPositive() {
			_, err = tx.Exec(ctx,
				`INSERT INTO positions (user_id, outcome_id, shares, avg_cost_basis)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
				d.UserID, d.OutcomeID, d.DeltaShares.String(), d.FillPrice.String())
			return err
		}
		return nil
	case err != nil:
		return err
	}

	current, _ := decimal.NewFromString(shares)
	avgBasis, _ := decimal.NewFromString(basis)
	newShares := current.Add(d.DeltaShares)

	if newShares.LessThanOrEqual(positionFloor) {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND outcome_id = $2`,
			d.UserID, d.OutcomeID)
		return err
	}

	if d.DeltaShares.IsPositive() {
		avgBasis = avgBasis.Mul(current).Add(d.Cost).Div(newShares)
	}
	_, err = tx.Exec(ctx,
		`UPDATE positions SET shares = $3::NUMERIC, avg_cost_basis = $4::NUMERIC
		 WHERE user_id = $1 AND outcome_id = $2`,
		d.UserID, d.OutcomeID, newShares.String(), avgBasis.String())
	return err
}

// ResolveMarket flips the market terminal and credits every payout in one
// transaction. The locked, status-gated market row makes resolution
// mutually exclusive with trades and rejects re-resolution cleanly.
func (s *PostgresStore) ResolveMarket(ctx context.Context, res Resolution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var version int64
	err = tx.QueryRow(ctx,
		`SELECT status, version FROM markets WHERE id = $1 FOR UPDATE`,
		res.MarketID).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != model.StatusOpen && status != model.StatusPaused {
		return ErrInvalidTransition
	}
	if version != res.MarketVersion {
		return ErrVersionConflict
	}

	for _, p := range res.Payouts {
		var balanceBefore string
		err = tx.QueryRow(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC
			 WHERE id = $1
			 RETURNING (balance - $2::NUMERIC)::TEXT`,
			p.UserID, p.Shares.String()).Scan(&balanceBefore)
		if err != nil {
			return err
		}
		before, _ := decimal.NewFromString(balanceBefore)

		_, err = tx.Exec(ctx,
			`INSERT INTO transactions
			   (id, user_id, market_id, outcome_id, type, shares, price_per_share,
			    total_cost, balance_before, balance_after, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, 1.00, $6::NUMERIC,
			         $7::NUMERIC, $8::NUMERIC, $9)`,
			p.TxID, p.UserID, res.MarketID, p.OutcomeID, model.TxPayout,
			p.Shares.String(), before.String(), before.Add(p.Shares).String(),
			res.ResolvedAt,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_outcome_id = $3, resolved_at = $4, version = version + 1
		 WHERE id = $1`,
		res.MarketID, model.StatusResolved, res.WinningOutcomeID, res.ResolvedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Transaction log ---

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome_id, type,
		        shares::TEXT, price_per_share::TEXT, total_cost::TEXT,
		        balance_before::TEXT, balance_after::TEXT, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome_id, type,
		        shares::TEXT, price_per_share::TEXT, total_cost::TEXT,
		        balance_before::TEXT, balance_after::TEXT, created_at
		 FROM transactions WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var shares, price, cost, before, after string

		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &e.OutcomeID, &e.Type,
			&shares, &price, &cost, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Shares, _ = decimal.NewFromString(shares)
		e.PricePerShare, _ = decimal.NewFromString(price)
		e.TotalCost, _ = decimal.NewFromString(cost)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
