package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestBalance_ProvisionsOnFirstContact(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM users WHERE id = $1`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("0"))

	balance, err := store.Balance(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_Success(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance`)).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("5.00"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger_entries (ref, user_id, amount, status) VALUES ($1, $2, $3, 'pending')`)).
		WithArgs("ref-1", int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	balance, err := store.Debit(context.Background(), 42, decimal.RequireFromString("5.00"), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "5.00", balance.StringFixed(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_InsufficientFunds(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance`)).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	_, err := store.Debit(context.Background(), 42, decimal.RequireFromString("9.99"), "ref-2")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	store, _ := setupMock(t)

	_, err := store.Debit(context.Background(), 42, decimal.Zero, "ref-3")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = store.Debit(context.Background(), 42, decimal.NewFromInt(-1), "ref-4")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCredit_UpsertsUser(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET balance = users.balance + EXCLUDED.balance RETURNING balance`)).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("12.50"))

	balance, err := store.Credit(context.Background(), 7, decimal.RequireFromString("2.50"))
	require.NoError(t, err)
	assert.Equal(t, "12.50", balance.StringFixed(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_UnknownRef(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ledger_entries SET status = 'settled', resolved_at = NOW() WHERE ref = $1 AND status = 'pending'`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Settle(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownRef)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefund_CreditsExactAmountBack(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE ledger_entries SET status = 'refunded', resolved_at = NOW() WHERE ref = $1 AND status = 'pending' RETURNING user_id, amount`)).
		WithArgs("ref-9").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "amount"}).AddRow(int64(42), "5.00"))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`)).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("10.00"))
	mock.ExpectCommit()

	balance, err := store.Refund(context.Background(), "ref-9")
	require.NoError(t, err)
	assert.Equal(t, "10.00", balance.StringFixed(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverPending_RefundsStaleEntries(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ref FROM ledger_entries WHERE status = 'pending' AND created_at < NOW() - ($1 * INTERVAL '1 second') ORDER BY created_at`)).
		WithArgs(int64(600)).
		WillReturnRows(sqlmock.NewRows([]string{"ref"}).AddRow("stale-1"))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE ledger_entries SET status = 'refunded', resolved_at = NOW() WHERE ref = $1 AND status = 'pending' RETURNING user_id, amount`)).
		WithArgs("stale-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "amount"}).AddRow(int64(3), "1.25"))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`)).
		WithArgs(int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("1.25"))
	mock.ExpectCommit()

	recovered, err := store.RecoverPending(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordQuery_KeepsOnlyIMEITail(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO query_log (user_id, service_title, price, imei_tail, success) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs(int64(42), "Basic Check", sqlmock.AnyArg(), "7518", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.RecordQuery(context.Background(), 42, "Basic Check", decimal.NewFromInt(1), "490154203237518", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
