/*
Package postgres provides a PostgreSQL-backed implementation of settlement.TxStore.

PURPOSE:
  Production storage. Same contract as store/sqlite, but concurrency is handled by
  the database: row locks on point_balances serialize writers per user, and
  conditional UPDATEs serialize status transitions per intent.

LOCKING:
  ApplyMovement: upsert balance row -> SELECT ... FOR UPDATE -> check reference ->
  insert movement (ON CONFLICT DO NOTHING) -> update balance. Two writers for the
  same user queue on the row lock; the second sees the first's reference.

SCHEMA:
  schema.sql is embedded and applied on New().
*/
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/szer/settlement/settlement"
)

//go:embed schema.sql
var schema string

// Store implements settlement.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ settlement.TxStore = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate empties every table. Tests only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE point_balances, point_movements, purchase_grants, payment_intents, programs`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) direct() queries {
	return queries{q: s.pool, now: s.now}
}

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store settlement.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(queries{q: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// settlement.Store - every multi-statement write gets its own transaction
// =============================================================================

func (s *Store) Balance(ctx context.Context, userID settlement.UserID) (int64, error) {
	return s.direct().Balance(ctx, userID)
}

func (s *Store) ApplyMovement(ctx context.Context, m settlement.PointMovement) (balance int64, err error) {
	err = s.WithTx(ctx, func(tx settlement.Store) error {
		balance, err = tx.ApplyMovement(ctx, m)
		return err
	})
	return balance, err
}

func (s *Store) Movements(ctx context.Context, userID settlement.UserID) ([]settlement.PointMovement, error) {
	return s.direct().Movements(ctx, userID)
}

func (s *Store) Users(ctx context.Context) ([]settlement.UserID, error) {
	return s.direct().Users(ctx)
}

func (s *Store) HasGrant(ctx context.Context, userID settlement.UserID, programID settlement.ProgramID) (bool, error) {
	return s.direct().HasGrant(ctx, userID, programID)
}

func (s *Store) Grant(ctx context.Context, g settlement.PurchaseGrant) (bool, error) {
	return s.direct().Grant(ctx, g)
}

func (s *Store) Grants(ctx context.Context, userID settlement.UserID) ([]settlement.PurchaseGrant, error) {
	return s.direct().Grants(ctx, userID)
}

func (s *Store) CreateIntent(ctx context.Context, pi settlement.PaymentIntent) error {
	return s.direct().CreateIntent(ctx, pi)
}

func (s *Store) GetIntent(ctx context.Context, id settlement.MerchantPaymentID) (settlement.PaymentIntent, error) {
	return s.direct().GetIntent(ctx, id)
}

func (s *Store) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (settlement.PaymentIntent, error) {
	return s.direct().TransitionIntent(ctx, id, expected, next, providerPaymentID)
}

func (s *Store) ListIntents(ctx context.Context, f settlement.IntentFilter) ([]settlement.PaymentIntent, error) {
	return s.direct().ListIntents(ctx, f)
}

func (s *Store) GetProgram(ctx context.Context, id settlement.ProgramID) (settlement.Program, error) {
	return s.direct().GetProgram(ctx, id)
}

func (s *Store) SaveProgram(ctx context.Context, p settlement.Program) error {
	return s.direct().SaveProgram(ctx, p)
}

// =============================================================================
// QUERIES
// =============================================================================

type queries struct {
	q   querier
	now func() time.Time
}

func (q queries) Balance(ctx context.Context, userID settlement.UserID) (int64, error) {
	var balance int64
	err := q.q.QueryRow(ctx, `SELECT balance FROM point_balances WHERE user_id = $1`, string(userID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

// ApplyMovement must run inside a transaction: the row lock lasts until commit.
func (q queries) ApplyMovement(ctx context.Context, m settlement.PointMovement) (int64, error) {
	if m.UserID == "" || m.ReferenceID == "" || m.Delta == 0 || !m.Reason.Valid() {
		return 0, fmt.Errorf("%w: %+v", settlement.ErrInvalidMovement, m)
	}

	if _, err := q.q.Exec(ctx,
		`INSERT INTO point_balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		string(m.UserID)); err != nil {
		return 0, fmt.Errorf("balance upsert failed: %w", err)
	}

	var current int64
	if err := q.q.QueryRow(ctx,
		`SELECT balance FROM point_balances WHERE user_id = $1 FOR UPDATE`,
		string(m.UserID)).Scan(&current); err != nil {
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}

	duplicate := &settlement.DuplicateReferenceError{Reason: m.Reason, ReferenceID: m.ReferenceID, Balance: current}

	var exists bool
	if err := q.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM point_movements WHERE reason = $1 AND reference_id = $2)`,
		string(m.Reason), m.ReferenceID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("reference check failed: %w", err)
	}
	if exists {
		return current, duplicate
	}

	next := current + m.Delta
	if next < 0 {
		return current, &settlement.InsufficientBalanceError{UserID: m.UserID, Available: current, Requested: -m.Delta}
	}

	now := q.now().UTC()
	// DO NOTHING keeps the transaction usable when another user's movement holds
	// the same reference.
	tag, err := q.q.Exec(ctx, `
		INSERT INTO point_movements (id, user_id, delta, reason, reference_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reason, reference_id) DO NOTHING`,
		uuid.New(), string(m.UserID), m.Delta, string(m.Reason), m.ReferenceID, next, now)
	if err != nil {
		return 0, fmt.Errorf("movement insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return current, duplicate
	}

	if _, err := q.q.Exec(ctx,
		`UPDATE point_balances SET balance = $1, updated_at = $2 WHERE user_id = $3`,
		next, now, string(m.UserID)); err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}
	return next, nil
}

func (q queries) Movements(ctx context.Context, userID settlement.UserID) ([]settlement.PointMovement, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id::text, user_id, delta, reason, reference_id, balance_after, created_at
		FROM point_movements WHERE user_id = $1 ORDER BY seq`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("movements query failed: %w", err)
	}
	defer rows.Close()

	var out []settlement.PointMovement
	for rows.Next() {
		var (
			m      settlement.PointMovement
			user   string
			reason string
		)
		if err := rows.Scan(&m.ID, &user, &m.Delta, &reason, &m.ReferenceID, &m.BalanceAfter, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.UserID = settlement.UserID(user)
		m.Reason = settlement.Reason(reason)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) Users(ctx context.Context) ([]settlement.UserID, error) {
	rows, err := q.q.Query(ctx, `SELECT user_id FROM point_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("users query failed: %w", err)
	}
	defer rows.Close()

	var out []settlement.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, settlement.UserID(u))
	}
	return out, rows.Err()
}

func (q queries) HasGrant(ctx context.Context, userID settlement.UserID, programID settlement.ProgramID) (bool, error) {
	var exists bool
	err := q.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM purchase_grants WHERE user_id = $1 AND program_id = $2)`,
		string(userID), int64(programID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grant query failed: %w", err)
	}
	return exists, nil
}

func (q queries) Grant(ctx context.Context, g settlement.PurchaseGrant) (bool, error) {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = q.now()
	}
	tag, err := q.q.Exec(ctx, `
		INSERT INTO purchase_grants (user_id, program_id, source, granted_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, program_id) DO NOTHING`,
		string(g.UserID), int64(g.ProgramID), string(g.Source), g.GrantedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("grant insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) Grants(ctx context.Context, userID settlement.UserID) ([]settlement.PurchaseGrant, error) {
	rows, err := q.q.Query(ctx, `
		SELECT user_id, program_id, source, granted_at
		FROM purchase_grants WHERE user_id = $1 ORDER BY granted_at, program_id`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("grants query failed: %w", err)
	}
	defer rows.Close()

	var out []settlement.PurchaseGrant
	for rows.Next() {
		var (
			g         settlement.PurchaseGrant
			user      string
			programID int64
			source    string
		)
		if err := rows.Scan(&user, &programID, &source, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.UserID = settlement.UserID(user)
		g.ProgramID = settlement.ProgramID(programID)
		g.Source = settlement.GrantSource(source)
		g.GrantedAt = g.GrantedAt.UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q queries) CreateIntent(ctx context.Context, pi settlement.PaymentIntent) error {
	if err := pi.Validate(); err != nil {
		return err
	}
	now := q.now()
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = now
	}
	if pi.UpdatedAt.IsZero() {
		pi.UpdatedAt = pi.CreatedAt
	}
	if pi.Status == "" {
		pi.Status = settlement.StatusCreated
	}

	var programID *int64
	if pi.ProgramID != 0 {
		id := int64(pi.ProgramID)
		programID = &id
	}

	_, err := q.q.Exec(ctx, `
		INSERT INTO payment_intents
			(merchant_payment_id, user_id, purpose, amount, points, program_id, status, provider_payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(pi.MerchantPaymentID), string(pi.UserID), string(pi.Purpose), pi.Amount, pi.Points,
		programID, string(pi.Status), pi.ProviderPaymentID, pi.CreatedAt.UTC(), pi.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: merchant payment id %s already exists", settlement.ErrInvalidIntent, pi.MerchantPaymentID)
		}
		return fmt.Errorf("intent insert failed: %w", err)
	}
	return nil
}

const intentColumns = `merchant_payment_id, user_id, purpose, amount, points, program_id, status, provider_payment_id, created_at, updated_at`

func (q queries) GetIntent(ctx context.Context, id settlement.MerchantPaymentID) (settlement.PaymentIntent, error) {
	pi, err := scanIntent(q.q.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE merchant_payment_id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.PaymentIntent{}, fmt.Errorf("payment intent %s: %w", id, settlement.ErrNotFound)
	}
	return pi, err
}

func (q queries) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (settlement.PaymentIntent, error) {
	if !settlement.CanTransition(expected, next) {
		return settlement.PaymentIntent{}, fmt.Errorf("%w: %s -> %s", settlement.ErrIllegalTransition, expected, next)
	}

	pi, err := scanIntent(q.q.QueryRow(ctx, `
		UPDATE payment_intents
		SET status = $1,
			provider_payment_id = CASE WHEN $2 <> '' THEN $2 ELSE provider_payment_id END,
			updated_at = $3
		WHERE merchant_payment_id = $4 AND status = $5
		RETURNING `+intentColumns,
		string(next), providerPaymentID, q.now().UTC(), string(id), string(expected)))
	if err == nil {
		return pi, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return settlement.PaymentIntent{}, fmt.Errorf("intent update failed: %w", err)
	}

	current, err := q.GetIntent(ctx, id)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	return current, &settlement.StaleTransitionError{MerchantPaymentID: id, Expected: expected, Actual: current.Status}
}

func (q queries) ListIntents(ctx context.Context, f settlement.IntentFilter) ([]settlement.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE TRUE`
	var args []any

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore.UTC())
		query += fmt.Sprintf(` AND updated_at < $%d`, len(args))
	}
	query += ` ORDER BY updated_at, merchant_payment_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("intents query failed: %w", err)
	}
	defer rows.Close()

	var out []settlement.PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

func (q queries) GetProgram(ctx context.Context, id settlement.ProgramID) (settlement.Program, error) {
	var (
		p   settlement.Program
		pid int64
	)
	err := q.q.QueryRow(ctx,
		`SELECT id, title, price, limited_release FROM programs WHERE id = $1`, int64(id)).
		Scan(&pid, &p.Title, &p.Price, &p.LimitedRelease)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Program{}, fmt.Errorf("%w: %d", settlement.ErrProgramNotFound, id)
	}
	if err != nil {
		return settlement.Program{}, fmt.Errorf("program query failed: %w", err)
	}
	p.ID = settlement.ProgramID(pid)
	return p, nil
}

func (q queries) SaveProgram(ctx context.Context, p settlement.Program) error {
	if p.ID <= 0 {
		return fmt.Errorf("program id must be positive, got %d", p.ID)
	}
	_, err := q.q.Exec(ctx, `
		INSERT INTO programs (id, title, price, limited_release) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			limited_release = EXCLUDED.limited_release`,
		int64(p.ID), p.Title, p.Price, p.LimitedRelease)
	if err != nil {
		return fmt.Errorf("program upsert failed: %w", err)
	}
	return nil
}

func scanIntent(row pgx.Row) (settlement.PaymentIntent, error) {
	var (
		pi              settlement.PaymentIntent
		id, user        string
		purpose, status string
		programID       *int64
	)
	err := row.Scan(&id, &user, &purpose, &pi.Amount, &pi.Points, &programID, &status,
		&pi.ProviderPaymentID, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	pi.MerchantPaymentID = settlement.MerchantPaymentID(id)
	pi.UserID = settlement.UserID(user)
	pi.Purpose = settlement.Purpose(purpose)
	pi.Status = settlement.Status(status)
	if programID != nil {
		pi.ProgramID = settlement.ProgramID(*programID)
	}
	pi.CreatedAt = pi.CreatedAt.UTC()
	pi.UpdatedAt = pi.UpdatedAt.UTC()
	return pi, nil
}
