package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/store"
)

// VotesRepository is the primary vote ledger. Every cast runs in a single
// transaction that holds the product row lock, so aggregates are always
// recounted from a consistent set of vote rows.
type VotesRepository struct {
	pool  *pgxpool.Pool
	retry store.RetryPolicy
}

// Name implements ledger.Store.
func (r *VotesRepository) Name() string { return Name }

// CastVote inserts, toggles, switches or removes the voter's vote and returns
// the recounted aggregate. requested == nil removes any existing vote.
func (r *VotesRepository) CastVote(ctx context.Context, productID string, voter domain.Identity, requested *domain.VoteValue) (domain.CastResult, error) {
	if requested != nil && !requested.Valid() {
		return domain.CastResult{}, domain.ErrInvalidVote
	}
	if productID == "" {
		return domain.CastResult{}, domain.ErrMissingProduct
	}
	if voter.IsZero() {
		return domain.CastResult{}, domain.ErrMissingIdentity
	}

	return store.Operation(ctx, r.retry, func(ctx context.Context) (domain.CastResult, error) {
		return r.castOnce(ctx, productID, voter, requested)
	})
}

func (r *VotesRepository) castOnce(ctx context.Context, productID string, voter domain.Identity, requested *domain.VoteValue) (domain.CastResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.CastResult{}, fmt.Errorf("begin cast: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ensureProduct = `
        INSERT INTO products (id) VALUES ($1)
        ON CONFLICT (id) DO NOTHING
    `
	if _, err := tx.Exec(ctx, ensureProduct, productID); err != nil {
		return domain.CastResult{}, fmt.Errorf("ensure product: %w", err)
	}

	const lockProduct = `SELECT id FROM products WHERE id = $1 FOR UPDATE`
	var locked string
	if err := tx.QueryRow(ctx, lockProduct, productID).Scan(&locked); err != nil {
		return domain.CastResult{}, fmt.Errorf("lock product: %w", err)
	}

	existing, err := currentVote(ctx, tx, productID, voter)
	if err != nil {
		return domain.CastResult{}, err
	}

	next, action := domain.Transition(existing, requested)
	switch action {
	case domain.ActionCreated:
		const insertVote = `
            INSERT INTO votes (product_id, voter_key, user_id, client_id, value)
            VALUES ($1, $2, $3, $4, $5)
        `
		_, err = tx.Exec(ctx, insertVote, productID, voter.Key(), nullString(voter.UserID), nullString(voter.ClientID), int16(*next))
	case domain.ActionSwitched:
		const updateVote = `
            UPDATE votes SET value = $3, client_id = COALESCE($4, client_id), updated_at = now()
            WHERE product_id = $1 AND voter_key = $2
        `
		_, err = tx.Exec(ctx, updateVote, productID, voter.Key(), int16(*next), nullString(voter.ClientID))
	case domain.ActionRemoved:
		const deleteVote = `DELETE FROM votes WHERE product_id = $1 AND voter_key = $2`
		_, err = tx.Exec(ctx, deleteVote, productID, voter.Key())
	}
	if err != nil {
		return domain.CastResult{}, fmt.Errorf("apply %s vote: %w", action, err)
	}

	agg, err := recount(ctx, tx, productID)
	if err != nil {
		return domain.CastResult{}, err
	}

	const storeCounts = `
        UPDATE products SET upvotes = $2, downvotes = $3, updated_at = now()
        WHERE id = $1
    `
	if _, err := tx.Exec(ctx, storeCounts, productID, agg.Upvotes, agg.Downvotes); err != nil {
		return domain.CastResult{}, fmt.Errorf("store counts: %w", err)
	}

	if action != domain.ActionUnchanged {
		const appendEvent = `
            INSERT INTO vote_events (product_id, voter_key, client_id, value)
            VALUES ($1, $2, $3, $4)
        `
		if _, err := tx.Exec(ctx, appendEvent, productID, voter.Key(), nullString(voter.ClientID), nullVote(next)); err != nil {
			return domain.CastResult{}, fmt.Errorf("append vote event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CastResult{}, fmt.Errorf("commit cast: %w", err)
	}

	return domain.CastResult{
		ProductID: productID,
		Aggregate: agg,
		Vote:      next,
		Action:    action,
		Store:     Name,
	}, nil
}

// CurrentVote returns the voter's vote on a product, or nil when none exists.
// Without a user id the client id also matches votes cast by a signed-in
// user from that client; a vote keyed by the client id itself wins.
func (r *VotesRepository) CurrentVote(ctx context.Context, productID string, voter domain.Identity) (*domain.VoteValue, error) {
	if voter.IsZero() {
		return nil, nil
	}
	if voter.UserID != "" {
		return currentVote(ctx, r.pool, productID, voter)
	}

	const query = `
        SELECT value FROM votes
        WHERE product_id = $1 AND (voter_key = $2 OR client_id = $2)
        ORDER BY (voter_key = $2) DESC, updated_at DESC
        LIMIT 1
    `
	var value int16
	err := r.pool.QueryRow(ctx, query, productID, voter.ClientID).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup vote by client: %w", err)
	}
	return domain.VoteValue(value).Ptr(), nil
}

// Counts returns the stored aggregate for a product; unknown products have
// no votes.
func (r *VotesRepository) Counts(ctx context.Context, productID string) (domain.Aggregate, error) {
	agg, err := storedAggregate(ctx, r.pool, productID)
	if errors.Is(err, ErrNotFound) {
		return domain.Aggregate{}, nil
	}
	return agg, err
}

// Snapshot returns the stored aggregate of every product.
func (r *VotesRepository) Snapshot(ctx context.Context) (map[string]domain.Aggregate, error) {
	const query = `SELECT id, upvotes, downvotes FROM products ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.Aggregate)
	for rows.Next() {
		var id string
		var agg domain.Aggregate
		if err := rows.Scan(&id, &agg.Upvotes, &agg.Downvotes); err != nil {
			return nil, err
		}
		result[id] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RecentEvents returns the newest vote events for a product, newest first.
func (r *VotesRepository) RecentEvents(ctx context.Context, productID string, limit int) ([]domain.VoteEvent, error) {
	const query = `
        SELECT product_id, voter_key, COALESCE(client_id, ''), value, created_at
        FROM vote_events
        WHERE product_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `
	rows, err := r.pool.Query(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []domain.VoteEvent
	for rows.Next() {
		var (
			event domain.VoteEvent
			value *int16
			at    time.Time
		)
		if err := rows.Scan(&event.ProductID, &event.Voter, &event.ClientID, &value, &at); err != nil {
			return nil, err
		}
		if value != nil {
			event.Value = domain.VoteValue(*value).Ptr()
		}
		event.Timestamp = at.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func currentVote(ctx context.Context, q querier, productID string, voter domain.Identity) (*domain.VoteValue, error) {
	const query = `SELECT value FROM votes WHERE product_id = $1 AND voter_key = $2`
	var value int16
	err := q.QueryRow(ctx, query, productID, voter.Key()).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup vote: %w", err)
	}
	return domain.VoteValue(value).Ptr(), nil
}

func recount(ctx context.Context, q querier, productID string) (domain.Aggregate, error) {
	const query = `
        SELECT COUNT(*) FILTER (WHERE value = 1)  AS upvotes,
               COUNT(*) FILTER (WHERE value = -1) AS downvotes
        FROM votes
        WHERE product_id = $1
    `
	var agg domain.Aggregate
	if err := q.QueryRow(ctx, query, productID).Scan(&agg.Upvotes, &agg.Downvotes); err != nil {
		return domain.Aggregate{}, fmt.Errorf("recount votes: %w", err)
	}
	return agg, nil
}

func storedAggregate(ctx context.Context, q querier, productID string) (domain.Aggregate, error) {
	const query = `SELECT upvotes, downvotes FROM products WHERE id = $1`
	var agg domain.Aggregate
	err := q.QueryRow(ctx, query, productID).Scan(&agg.Upvotes, &agg.Downvotes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Aggregate{}, ErrNotFound
		}
		return domain.Aggregate{}, fmt.Errorf("stored aggregate: %w", err)
	}
	return agg, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullVote(v *domain.VoteValue) *int16 {
	if v == nil {
		return nil
	}
	val := int16(*v)
	return &val
}
