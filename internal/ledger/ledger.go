// Package ledger owns the durable per-user balance store. All balance
// mutations go through single-row atomic SQL so concurrent debits and
// credits for one user never lose updates, while distinct users proceed
// independently.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"imeibot/core/logger"
	"log/slog"
)

var (
	// ErrInsufficientFunds is returned by Debit when the balance does not cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnknownRef is returned when a debit reference cannot be resolved.
	ErrUnknownRef = errors.New("ledger: unknown entry ref")
	// ErrInvalidAmount is returned for non-positive debit/credit amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// User is a chat platform account with a balance. Rows are created on first
// contact and never deleted; Archived marks soft-removed accounts.
type User struct {
	ID        int64           `db:"id"`
	Username  sql.NullString  `db:"username"`
	FirstName sql.NullString  `db:"first_name"`
	LastName  sql.NullString  `db:"last_name"`
	Balance   decimal.Decimal `db:"balance"`
	IsAdmin   bool            `db:"is_admin"`
	Archived  bool            `db:"archived"`
	CreatedAt time.Time       `db:"created_at"`
	LastSeen  time.Time       `db:"last_seen"`
}

// QueryRecord is one entry of a user's lookup history. Only the last four
// digits of the identifier are retained.
type QueryRecord struct {
	ServiceTitle string          `db:"service_title"`
	Price        decimal.Decimal `db:"price"`
	IMEITail     string          `db:"imei_tail"`
	Success      bool            `db:"success"`
	CreatedAt    time.Time       `db:"created_at"`
}

// Store implements the ledger on top of Postgres.
type Store struct {
	db *sqlx.DB
}

// New returns a Store backed by the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Touch returns the user record, creating it with a zero balance on first
// contact and refreshing the profile fields and last-seen timestamp otherwise.
func (s *Store) Touch(ctx context.Context, id int64, username, firstName, lastName string) (User, error) {
	var u User
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO users (id, username, first_name, last_name)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
		 ON CONFLICT (id) DO UPDATE
		 SET username   = COALESCE(NULLIF($2, ''), users.username),
		     first_name = COALESCE(NULLIF($3, ''), users.first_name),
		     last_name  = COALESCE(NULLIF($4, ''), users.last_name),
		     last_seen  = NOW()
		 RETURNING id, username, first_name, last_name, balance, is_admin, archived, created_at, last_seen`,
		id, username, firstName, lastName,
	).StructScan(&u)
	if err != nil {
		return User{}, fmt.Errorf("touch user %d: %w", id, err)
	}
	return u, nil
}

// Balance returns the user's current balance, provisioning the record with a
// zero balance if this is the first contact.
func (s *Store) Balance(ctx context.Context, id int64) (decimal.Decimal, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id,
	); err != nil {
		return decimal.Zero, fmt.Errorf("provision user %d: %w", id, err)
	}

	var balance decimal.Decimal
	if err := s.db.GetContext(ctx, &balance,
		`SELECT balance FROM users WHERE id = $1`, id,
	); err != nil {
		return decimal.Zero, fmt.Errorf("get balance for %d: %w", id, err)
	}
	return balance, nil
}

// Debit atomically decrements the user's balance by amount when the balance
// covers it, recording a pending ledger entry under ref in the same
// transaction. The entry stays pending until Settle or Refund resolves it;
// a crash in between is repaired by RecoverPending.
func (s *Store) Debit(ctx context.Context, id int64, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowxContext(ctx,
		`UPDATE users SET balance = balance - $2
		 WHERE id = $1 AND balance >= $2
		 RETURNING balance`,
		id, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit user %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (ref, user_id, amount, status)
		 VALUES ($1, $2, $3, 'pending')`,
		ref, id, amount,
	); err != nil {
		return decimal.Zero, fmt.Errorf("record debit %s: %w", ref, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit debit: %w", err)
	}

	logger.Ctx(ctx, logger.Ledger).Debug("debit",
		slog.String("event", "ledger.debit"),
		slog.Int64("user_id", id),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("ref", ref),
	)
	return balance, nil
}

// Credit atomically increments the user's balance, creating the record if
// absent. Used for admin top-ups and failure refunds; it always succeeds for
// positive amounts.
func (s *Store) Credit(ctx context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var balance decimal.Decimal
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET balance = users.balance + EXCLUDED.balance
		 RETURNING balance`,
		id, amount,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit user %d: %w", id, err)
	}

	logger.Ctx(ctx, logger.Ledger).Debug("credit",
		slog.String("event", "ledger.credit"),
		slog.Int64("user_id", id),
		slog.String("amount", amount.StringFixed(2)),
	)
	return balance, nil
}

// Settle marks the pending debit ref as settled after the paid call succeeded.
func (s *Store) Settle(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET status = 'settled', resolved_at = NOW()
		 WHERE ref = $1 AND status = 'pending'`,
		ref,
	)
	if err != nil {
		return fmt.Errorf("settle %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownRef
	}
	return nil
}

// Refund resolves the pending debit ref by crediting the exact debited amount
// back in a single transaction. It is the compensating action for provider
// failures after the debit already happened.
func (s *Store) Refund(ctx context.Context, ref string) (decimal.Decimal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	var (
		userID int64
		amount decimal.Decimal
	)
	err = tx.QueryRowxContext(ctx,
		`UPDATE ledger_entries SET status = 'refunded', resolved_at = NOW()
		 WHERE ref = $1 AND status = 'pending'
		 RETURNING user_id, amount`,
		ref,
	).Scan(&userID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrUnknownRef
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve refund %s: %w", ref, err)
	}

	var balance decimal.Decimal
	err = tx.QueryRowxContext(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, amount,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund user %d: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit refund: %w", err)
	}

	logger.Ctx(ctx, logger.Ledger).Info("refund",
		slog.String("event", "ledger.refund"),
		slog.Int64("user_id", userID),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("ref", ref),
	)
	return balance, nil
}

// RecoverPending refunds debits that stayed pending longer than olderThan,
// repairing the window between a debit and its settle/refund after a crash.
// It returns the number of entries refunded.
func (s *Store) RecoverPending(ctx context.Context, olderThan time.Duration) (int, error) {
	var refs []string
	if err := s.db.SelectContext(ctx, &refs,
		`SELECT ref FROM ledger_entries
		 WHERE status = 'pending' AND created_at < NOW() - ($1 * INTERVAL '1 second')
		 ORDER BY created_at`,
		int64(olderThan.Seconds()),
	); err != nil {
		return 0, fmt.Errorf("scan pending debits: %w", err)
	}

	recovered := 0
	for _, ref := range refs {
		if _, err := s.Refund(ctx, ref); err != nil {
			// Another instance may have resolved it concurrently.
			if errors.Is(err, ErrUnknownRef) {
				continue
			}
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		logger.Ctx(ctx, logger.Ledger).Warn("recovered stale pending debits",
			slog.String("event", "ledger.recover"),
			slog.Int("count", recovered),
		)
	}
	return recovered, nil
}

// RecordQuery appends a lookup to the user's history, keeping only the last
// four identifier digits.
func (s *Store) RecordQuery(ctx context.Context, id int64, serviceTitle string, price decimal.Decimal, imei string, success bool) error {
	tail := imei
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_log (user_id, service_title, price, imei_tail, success)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, serviceTitle, price, tail, success,
	)
	if err != nil {
		return fmt.Errorf("record query for %d: %w", id, err)
	}
	return nil
}

// RecentQueries returns the user's newest history entries, most recent first.
func (s *Store) RecentQueries(ctx context.Context, id int64, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 3
	}
	var records []QueryRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT service_title, price, imei_tail, success, created_at
		 FROM query_log WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent queries for %d: %w", id, err)
	}
	return records, nil
}

// CountUsers returns the number of known users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountQueries returns the total number of logged lookups.
func (s *Store) CountQueries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM query_log`); err != nil {
		return 0, fmt.Errorf("count queries: %w", err)
	}
	return n, nil
}

// TotalBalance sums all user balances.
func (s *Store) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(balance), 0) FROM users`,
	); err != nil {
		return decimal.Zero, fmt.Errorf("total balance: %w", err)
	}
	return total, nil
}

// ListUserIDs returns every non-archived user id, used as the broadcast audience.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM users WHERE NOT archived ORDER BY id`,
	); err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

// ListUsers returns all user records ordered by first contact.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.SelectContext(ctx, &users,
		`SELECT id, username, first_name, last_name, balance, is_admin, archived, created_at, last_seen
		 FROM users ORDER BY created_at`,
	); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
