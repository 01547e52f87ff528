/*
Package sqlite provides a SQLite-backed implementation of settlement.TxStore.

PURPOSE:
  Durable storage for the points ledger, purchase grants, payment intents and the
  program price list. Used for single-node deployments and for tests with
  ":memory:". PostgreSQL (store/postgres) implements the same contract.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on point_movements
  - point_balances is a materialized sum, written in the same transaction as the
    movement that changes it

KEY TABLES:
  point_balances:   One row per user, CHECK (balance >= 0)
  point_movements:  Immutable ledger, UNIQUE (reason, reference_id)
  purchase_grants:  PRIMARY KEY (user_id, program_id)
  payment_intents:  Status updated only by conditional UPDATE ... WHERE status = ?
  programs:         Settlement-side copy of catalog prices

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so an
  in-memory database is shared by every caller and writers are serialized.
  In production with PostgreSQL, row locks handle this instead.

TIMESTAMPS:
  Stored as fixed-width UTC text so that string comparison orders them.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/store.go: Interface definitions
  - settlement/storetest: Conformance suite
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/szer/settlement/settlement"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements settlement.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ settlement.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite has a
	// single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Materialized balance, one row per user
	CREATE TABLE IF NOT EXISTS point_balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS point_movements (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL CHECK (delta <> 0),
		reason TEXT NOT NULL CHECK (reason IN ('topup_direct', 'topup_paypay', 'purchase_spend')),
		reference_id TEXT NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one movement per business event
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_reference
		ON point_movements(reason, reference_id);
	CREATE INDEX IF NOT EXISTS idx_movements_user_seq
		ON point_movements(user_id, seq);

	-- CRITICAL: one grant per (user, program)
	CREATE TABLE IF NOT EXISTS purchase_grants (
		user_id TEXT NOT NULL,
		program_id INTEGER NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('points_spend', 'paypay')),
		granted_at TEXT NOT NULL,
		PRIMARY KEY (user_id, program_id)
	);

	CREATE TABLE IF NOT EXISTS payment_intents (
		merchant_payment_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		purpose TEXT NOT NULL CHECK (purpose IN ('points_topup', 'program_purchase')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		points INTEGER NOT NULL DEFAULT 0,
		program_id INTEGER,
		status TEXT NOT NULL CHECK (status IN ('CREATED', 'PENDING', 'COMPLETED', 'FAILED', 'EXPIRED')),
		provider_payment_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Sweeper scan: non-terminal intents by age
	CREATE INDEX IF NOT EXISTS idx_intents_status_updated
		ON payment_intents(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_intents_user
		ON payment_intents(user_id);

	CREATE TABLE IF NOT EXISTS programs (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		price INTEGER NOT NULL CHECK (price >= 0),
		limited_release INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKING WRAPPERS (settlement.Store interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) read() queries {
	return queries{q: s.db, now: s.now}
}

// atomic runs fn in its own database transaction under the write lock.
func (s *Store) atomic(ctx context.Context, fn func(q queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, fn)
}

func (s *Store) inTx(ctx context.Context, fn func(q queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Balance(ctx context.Context, userID settlement.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Balance(ctx, userID)
}

func (s *Store) ApplyMovement(ctx context.Context, m settlement.PointMovement) (balance int64, err error) {
	err = s.atomic(ctx, func(q queries) error {
		balance, err = q.ApplyMovement(ctx, m)
		return err
	})
	return balance, err
}

func (s *Store) Movements(ctx context.Context, userID settlement.UserID) ([]settlement.PointMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Movements(ctx, userID)
}

func (s *Store) Users(ctx context.Context) ([]settlement.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Users(ctx)
}

func (s *Store) HasGrant(ctx context.Context, userID settlement.UserID, programID settlement.ProgramID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().HasGrant(ctx, userID, programID)
}

func (s *Store) Grant(ctx context.Context, g settlement.PurchaseGrant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Grant(ctx, g)
}

func (s *Store) Grants(ctx context.Context, userID settlement.UserID) ([]settlement.PurchaseGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Grants(ctx, userID)
}

func (s *Store) CreateIntent(ctx context.Context, pi settlement.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateIntent(ctx, pi)
}

func (s *Store) GetIntent(ctx context.Context, id settlement.MerchantPaymentID) (settlement.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetIntent(ctx, id)
}

func (s *Store) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (pi settlement.PaymentIntent, err error) {
	err = s.atomic(ctx, func(q queries) error {
		pi, err = q.TransitionIntent(ctx, id, expected, next, providerPaymentID)
		return err
	})
	return pi, err
}

func (s *Store) ListIntents(ctx context.Context, f settlement.IntentFilter) ([]settlement.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListIntents(ctx, f)
}

func (s *Store) GetProgram(ctx context.Context, id settlement.ProgramID) (settlement.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetProgram(ctx, id)
}

func (s *Store) SaveProgram(ctx context.Context, p settlement.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().SaveProgram(ctx, p)
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The Store passed to fn runs every call on the transaction and takes no locks.
func (s *Store) WithTx(ctx context.Context, fn func(store settlement.Store) error) error {
	return s.atomic(ctx, func(q queries) error { return fn(q) })
}

// =============================================================================
// QUERIES - shared by the locking wrappers and WithTx
// =============================================================================

type queries struct {
	q   querier
	now func() time.Time
}

func (q queries) Balance(ctx context.Context, userID settlement.UserID) (int64, error) {
	var balance int64
	err := q.q.QueryRowContext(ctx,
		`SELECT balance FROM point_balances WHERE user_id = ?`, string(userID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance, nil
}

// ApplyMovement must run inside a transaction (the wrappers guarantee it).
func (q queries) ApplyMovement(ctx context.Context, m settlement.PointMovement) (int64, error) {
	if m.UserID == "" || m.ReferenceID == "" || m.Delta == 0 || !m.Reason.Valid() {
		return 0, fmt.Errorf("%w: %+v", settlement.ErrInvalidMovement, m)
	}

	current, err := q.Balance(ctx, m.UserID)
	if err != nil {
		return 0, err
	}

	var one int
	err = q.q.QueryRowContext(ctx,
		`SELECT 1 FROM point_movements WHERE reason = ? AND reference_id = ?`,
		string(m.Reason), m.ReferenceID).Scan(&one)
	switch {
	case err == nil:
		return current, &settlement.DuplicateReferenceError{Reason: m.Reason, ReferenceID: m.ReferenceID, Balance: current}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("failed to check reference: %w", err)
	}

	next := current + m.Delta
	if next < 0 {
		return current, &settlement.InsufficientBalanceError{UserID: m.UserID, Available: current, Requested: -m.Delta}
	}

	now := formatTime(q.now())
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO point_movements (id, seq, user_id, delta, reason, reference_id, balance_after, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM point_movements), ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(m.UserID), m.Delta, string(m.Reason), m.ReferenceID, next, now)
	if isUniqueViolation(err) {
		return current, &settlement.DuplicateReferenceError{Reason: m.Reason, ReferenceID: m.ReferenceID, Balance: current}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert movement: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO point_balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		string(m.UserID), next, now)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	return next, nil
}

func (q queries) Movements(ctx context.Context, userID settlement.UserID) ([]settlement.PointMovement, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, delta, reason, reference_id, balance_after, created_at
		FROM point_movements WHERE user_id = ? ORDER BY seq`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []settlement.PointMovement
	for rows.Next() {
		var (
			m         settlement.PointMovement
			user      string
			reason    string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &user, &m.Delta, &reason, &m.ReferenceID, &m.BalanceAfter, &createdAt); err != nil {
			return nil, err
		}
		m.UserID = settlement.UserID(user)
		m.Reason = settlement.Reason(reason)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q queries) Users(ctx context.Context) ([]settlement.UserID, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT user_id FROM point_balances ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
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
	var one int
	err := q.q.QueryRowContext(ctx,
		`SELECT 1 FROM purchase_grants WHERE user_id = ? AND program_id = ?`,
		string(userID), int64(programID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return true, nil
}

func (q queries) Grant(ctx context.Context, g settlement.PurchaseGrant) (bool, error) {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = q.now()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO purchase_grants (user_id, program_id, source, granted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, program_id) DO NOTHING`,
		string(g.UserID), int64(g.ProgramID), string(g.Source), formatTime(g.GrantedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q queries) Grants(ctx context.Context, userID settlement.UserID) ([]settlement.PurchaseGrant, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id, program_id, source, granted_at
		FROM purchase_grants WHERE user_id = ? ORDER BY granted_at, program_id`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var out []settlement.PurchaseGrant
	for rows.Next() {
		var (
			g         settlement.PurchaseGrant
			user      string
			programID int64
			source    string
			grantedAt string
		)
		if err := rows.Scan(&user, &programID, &source, &grantedAt); err != nil {
			return nil, err
		}
		g.UserID = settlement.UserID(user)
		g.ProgramID = settlement.ProgramID(programID)
		g.Source = settlement.GrantSource(source)
		if g.GrantedAt, err = parseTime(grantedAt); err != nil {
			return nil, err
		}
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

	var programID sql.NullInt64
	if pi.ProgramID != 0 {
		programID = sql.NullInt64{Int64: int64(pi.ProgramID), Valid: true}
	}

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO payment_intents
			(merchant_payment_id, user_id, purpose, amount, points, program_id, status, provider_payment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(pi.MerchantPaymentID), string(pi.UserID), string(pi.Purpose), pi.Amount, pi.Points,
		programID, string(pi.Status), pi.ProviderPaymentID, formatTime(pi.CreatedAt), formatTime(pi.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: merchant payment id %s already exists", settlement.ErrInvalidIntent, pi.MerchantPaymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert intent: %w", err)
	}
	return nil
}

const intentColumns = `merchant_payment_id, user_id, purpose, amount, points, program_id, status, provider_payment_id, created_at, updated_at`

func (q queries) GetIntent(ctx context.Context, id settlement.MerchantPaymentID) (settlement.PaymentIntent, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE merchant_payment_id = ?`, string(id))
	pi, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.PaymentIntent{}, fmt.Errorf("payment intent %s: %w", id, settlement.ErrNotFound)
	}
	return pi, err
}

// TransitionIntent must run inside a transaction (the wrappers guarantee it).
func (q queries) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (settlement.PaymentIntent, error) {
	if !settlement.CanTransition(expected, next) {
		return settlement.PaymentIntent{}, fmt.Errorf("%w: %s -> %s", settlement.ErrIllegalTransition, expected, next)
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = ?,
			provider_payment_id = CASE WHEN ? <> '' THEN ? ELSE provider_payment_id END,
			updated_at = ?
		WHERE merchant_payment_id = ? AND status = ?`,
		string(next), providerPaymentID, providerPaymentID, formatTime(q.now()), string(id), string(expected))
	if err != nil {
		return settlement.PaymentIntent{}, fmt.Errorf("failed to update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return settlement.PaymentIntent{}, err
	}

	current, err := q.GetIntent(ctx, id)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	if n == 0 {
		return current, &settlement.StaleTransitionError{MerchantPaymentID: id, Expected: expected, Actual: current.Status}
	}
	return current, nil
}

func (q queries) ListIntents(ctx context.Context, f settlement.IntentFilter) ([]settlement.PaymentIntent, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}

	query := `SELECT ` + intentColumns + ` FROM payment_intents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at, merchant_payment_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
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
		p       settlement.Program
		pid     int64
		limited bool
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT id, title, price, limited_release FROM programs WHERE id = ?`, int64(id)).
		Scan(&pid, &p.Title, &p.Price, &limited)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Program{}, fmt.Errorf("%w: %d", settlement.ErrProgramNotFound, id)
	}
	if err != nil {
		return settlement.Program{}, fmt.Errorf("failed to load program: %w", err)
	}
	p.ID = settlement.ProgramID(pid)
	p.LimitedRelease = limited
	return p, nil
}

func (q queries) SaveProgram(ctx context.Context, p settlement.Program) error {
	if p.ID <= 0 {
		return fmt.Errorf("program id must be positive, got %d", p.ID)
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO programs (id, title, price, limited_release) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			price = excluded.price,
			limited_release = excluded.limited_release`,
		int64(p.ID), p.Title, p.Price, p.LimitedRelease)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (settlement.PaymentIntent, error) {
	var (
		pi                   settlement.PaymentIntent
		id, user             string
		purpose, status      string
		programID            sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &user, &purpose, &pi.Amount, &pi.Points, &programID, &status,
		&pi.ProviderPaymentID, &createdAt, &updatedAt)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}

	pi.MerchantPaymentID = settlement.MerchantPaymentID(id)
	pi.UserID = settlement.UserID(user)
	pi.Purpose = settlement.Purpose(purpose)
	pi.Status = settlement.Status(status)
	if programID.Valid {
		pi.ProgramID = settlement.ProgramID(programID.Int64)
	}
	if pi.CreatedAt, err = parseTime(createdAt); err != nil {
		return settlement.PaymentIntent{}, err
	}
	if pi.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return settlement.PaymentIntent{}, err
	}
	return pi, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
