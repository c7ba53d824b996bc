package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tierd/tierd/internal/domain"
)

// ProductsRepository exposes the cached counters on product rows for
// reconciliation.
type ProductsRepository struct {
	pool *pgxpool.Pool
}

// Name implements reconcile.Target.
func (r *ProductsRepository) Name() string { return Name }

// ListProducts returns every product id that has a counter row.
func (r *ProductsRepository) ListProducts(ctx context.Context) ([]string, error) {
	const query = `SELECT id FROM products ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
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
	return ids, nil
}

// StoredAggregate returns the cached counters, or ErrNotFound.
func (r *ProductsRepository) StoredAggregate(ctx context.Context, productID string) (domain.Aggregate, error) {
	return storedAggregate(ctx, r.pool, productID)
}

// RecountAggregate counts the raw vote rows for a product.
func (r *ProductsRepository) RecountAggregate(ctx context.Context, productID string) (domain.Aggregate, error) {
	return recount(ctx, r.pool, productID)
}

// RepairAggregate overwrites the cached counters with a recount taken in the
// same statement, so it never applies a stale delta.
func (r *ProductsRepository) RepairAggregate(ctx context.Context, productID string) (domain.Aggregate, error) {
	const query = `
        UPDATE products p
        SET upvotes   = c.upvotes,
            downvotes = c.downvotes,
            updated_at = now()
        FROM (
            SELECT COUNT(*) FILTER (WHERE value = 1)  AS upvotes,
                   COUNT(*) FILTER (WHERE value = -1) AS downvotes
            FROM votes
            WHERE product_id = $1
        ) c
        WHERE p.id = $1
        RETURNING p.upvotes, p.downvotes
    `
	var agg domain.Aggregate
	if err := r.pool.QueryRow(ctx, query, productID).Scan(&agg.Upvotes, &agg.Downvotes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Aggregate{}, ErrNotFound
		}
		return domain.Aggregate{}, fmt.Errorf("repair aggregate: %w", err)
	}
	return agg, nil
}

// SetStoredAggregate writes counters without recounting. It exists for
// maintenance imports and for reproducing drift.
func (r *ProductsRepository) SetStoredAggregate(ctx context.Context, productID string, agg domain.Aggregate) error {
	const query = `
        INSERT INTO products (id, upvotes, downvotes) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET upvotes = EXCLUDED.upvotes, downvotes = EXCLUDED.downvotes, updated_at = now()
    `
	if _, err := r.pool.Exec(ctx, query, productID, agg.Upvotes, agg.Downvotes); err != nil {
		return fmt.Errorf("set stored aggregate: %w", err)
	}
	return nil
}
