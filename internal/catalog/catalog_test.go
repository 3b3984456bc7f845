package catalog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
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

func TestGet_NotFound(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, title, price, category, position, created_at FROM services WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "price", "category", "position", "created_at"}))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdd_RejectsNonPositivePrice(t *testing.T) {
	store, _ := setupMock(t)

	err := store.Add(context.Background(), "1", "Basic", decimal.Zero, "General")
	require.ErrorIs(t, err, ErrInvalidPrice)

	err = store.Add(context.Background(), "1", "Basic", decimal.NewFromInt(-1), "General")
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestAdd_DuplicateID(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services (id, title, price, category) VALUES ($1, $2, $3, $4)`)).
		WithArgs("1", "Basic", sqlmock.AnyArg(), "General").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Add(context.Background(), "1", "Basic", decimal.RequireFromString("0.10"), "General")
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestAdd_Success(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services (id, title, price, category) VALUES ($1, $2, $3, $4)`)).
		WithArgs("2", "Carrier Check", sqlmock.AnyArg(), "Apple").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Add(context.Background(), "2", "Carrier Check", decimal.RequireFromString("0.50"), "Apple")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove_NotFound(t *testing.T) {
	store, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM services WHERE id = $1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Remove(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList_InsertionOrder(t *testing.T) {
	store, mock := setupMock(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "title", "price", "category", "position", "created_at"}).
		AddRow("1", "Basic", "0.10", "General", 1, now).
		AddRow("2", "Carrier", "0.50", "Apple", 2, now)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, title, price, category, position, created_at FROM services ORDER BY position`)).
		WillReturnRows(rows)

	services, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "1", services[0].ID)
	assert.Equal(t, "2", services[1].ID)
}
