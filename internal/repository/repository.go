package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/store"
)

// ErrNotFound indicates the requested product does not exist. It matches
// domain.ErrUnknownProduct.
var ErrNotFound = fmt.Errorf("repository: %w", domain.ErrUnknownProduct)

// Name identifies the Postgres ledger in logs and maintenance responses.
const Name = "primary"

// Repository aggregates all domain-specific repositories.
type Repository struct {
	Votes    *VotesRepository
	Products *ProductsRepository
}

// New constructs a Repository backed by the provided store.
func New(st *store.Store, retry store.RetryPolicy) *Repository {
	return NewWithPool(st.Pool(), retry)
}

// NewWithPool allows constructing repositories directly from a pgx pool.
func NewWithPool(pool *pgxpool.Pool, retry store.RetryPolicy) *Repository {
	return &Repository{
		Votes:    &VotesRepository{pool: pool, retry: retry},
		Products: &ProductsRepository{pool: pool},
	}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
