// Package catalog owns the durable set of priced lookup services.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"imeibot/core/logger"
	"log/slog"
)

var (
	// ErrDuplicateID is returned by Add when the service id already exists.
	ErrDuplicateID = errors.New("catalog: duplicate service id")
	// ErrNotFound is returned when the service id is unknown.
	ErrNotFound = errors.New("catalog: service not found")
	// ErrInvalidPrice is returned by Add when the price is not positive.
	ErrInvalidPrice = errors.New("catalog: price must be positive")
)

// Service is a purchasable lookup offering.
type Service struct {
	ID        string          `db:"id"`
	Title     string          `db:"title"`
	Price     decimal.Decimal `db:"price"`
	Category  string          `db:"category"`
	Position  int64           `db:"position"`
	CreatedAt time.Time       `db:"created_at"`
}

// Store implements the catalog on top of Postgres. Every operation is a
// single statement, so readers never wait on writers longer than one mutation.
type Store struct {
	db *sqlx.DB
}

// New returns a Store backed by the given database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get returns the service with the given id.
func (s *Store) Get(ctx context.Context, id string) (Service, error) {
	var svc Service
	err := s.db.GetContext(ctx, &svc,
		`SELECT id, title, price, category, position, created_at
		 FROM services WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Service{}, ErrNotFound
	}
	if err != nil {
		return Service{}, fmt.Errorf("get service %s: %w", id, err)
	}
	return svc, nil
}

// List returns all services in insertion order.
func (s *Store) List(ctx context.Context) ([]Service, error) {
	var services []Service
	err := s.db.SelectContext(ctx, &services,
		`SELECT id, title, price, category, position, created_at
		 FROM services ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// ListByCategory returns the services of one category in insertion order.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]Service, error) {
	var services []Service
	err := s.db.SelectContext(ctx, &services,
		`SELECT id, title, price, category, position, created_at
		 FROM services WHERE category = $1 ORDER BY position`,
		category,
	)
	if err != nil {
		return nil, fmt.Errorf("list services in %s: %w", category, err)
	}
	return services, nil
}

// Categories returns the distinct categories in first-use order.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	err := s.db.SelectContext(ctx, &categories,
		`SELECT category FROM services GROUP BY category ORDER BY MIN(position)`,
	)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

// Add inserts a new service. The id must be unique and the price positive.
func (s *Store) Add(ctx context.Context, id, title string, price decimal.Decimal, category string) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO services (id, title, price, category) VALUES ($1, $2, $3, $4)`,
		id, title, price, category,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateID
		}
		return fmt.Errorf("add service %s: %w", id, err)
	}

	logger.Catalog.Info("service added",
		slog.String("event", "catalog.add"),
		slog.String("service_id", id),
		slog.String("price", price.StringFixed(2)),
		slog.String("category", category),
	)
	return nil
}

// Remove deletes the service with the given id.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove service %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	logger.Catalog.Info("service removed",
		slog.String("event", "catalog.remove"),
		slog.String("service_id", id),
	)
	return nil
}

// Count returns the number of services.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM services`); err != nil {
		return 0, fmt.Errorf("count services: %w", err)
	}
	return n, nil
}
