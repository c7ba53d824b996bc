// Package ledger defines the vote store contract shared by the Postgres and
// file backends, and the chain that falls back from one to the other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/logging"
)

// Store is a vote ledger holding at most one vote per (product, voter).
type Store interface {
	Name() string
	CastVote(ctx context.Context, productID string, voter domain.Identity, requested *domain.VoteValue) (domain.CastResult, error)
	CurrentVote(ctx context.Context, productID string, voter domain.Identity) (*domain.VoteValue, error)
	Counts(ctx context.Context, productID string) (domain.Aggregate, error)
	Snapshot(ctx context.Context) (map[string]domain.Aggregate, error)
	RecentEvents(ctx context.Context, productID string, limit int) ([]domain.VoteEvent, error)
}

// Validate rejects requests that must never reach storage.
func Validate(productID string, voter domain.Identity, requested *domain.VoteValue) error {
	if productID == "" {
		return domain.ErrMissingProduct
	}
	if voter.IsZero() {
		return domain.ErrMissingIdentity
	}
	if requested != nil && !requested.Valid() {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidVote, int8(*requested))
	}
	return nil
}

// IsValidation reports whether err is a client error rather than a storage
// failure. Validation errors never trigger the fallback.
func IsValidation(err error) bool {
	return errors.Is(err, domain.ErrInvalidVote) ||
		errors.Is(err, domain.ErrMissingProduct) ||
		errors.Is(err, domain.ErrMissingIdentity)
}

// ChainOptions tunes the fallback chain.
type ChainOptions struct {
	// PrimaryTimeout caps each primary call so a hung database degrades to
	// the fallback instead of stalling the request.
	PrimaryTimeout time.Duration
	Logger         *zap.Logger
}

// Chain tries the primary store and replays the call on the fallback when the
// primary fails for any reason other than validation.
type Chain struct {
	primary  Store
	fallback Store
	timeout  time.Duration
	logger   *zap.Logger
}

// NewChain builds a chain. primary may be nil, in which case every call goes
// straight to the fallback.
func NewChain(primary, fallback Store, opts ChainOptions) *Chain {
	return &Chain{
		primary:  primary,
		fallback: fallback,
		timeout:  opts.PrimaryTimeout,
		logger:   logging.OrNop(opts.Logger).Named("ledger"),
	}
}

// Name implements Store.
func (c *Chain) Name() string {
	if c.primary == nil {
		return c.fallback.Name()
	}
	return c.primary.Name() + "+" + c.fallback.Name()
}

// Primary returns the primary store, or nil when running fallback-only.
func (c *Chain) Primary() Store { return c.primary }

// Fallback returns the fallback store.
func (c *Chain) Fallback() Store { return c.fallback }

// CastVote implements Store.
func (c *Chain) CastVote(ctx context.Context, productID string, voter domain.Identity, requested *domain.VoteValue) (domain.CastResult, error) {
	if err := Validate(productID, voter, requested); err != nil {
		return domain.CastResult{}, err
	}
	res, err := attempt(ctx, c, "cast", func(ctx context.Context, s Store) (domain.CastResult, error) {
		res, err := s.CastVote(ctx, productID, voter, requested)
		if err == nil && res.Store == "" {
			res.Store = s.Name()
		}
		return res, err
	})
	return res, err
}

// CurrentVote implements Store.
func (c *Chain) CurrentVote(ctx context.Context, productID string, voter domain.Identity) (*domain.VoteValue, error) {
	return attempt(ctx, c, "current vote", func(ctx context.Context, s Store) (*domain.VoteValue, error) {
		return s.CurrentVote(ctx, productID, voter)
	})
}

// Counts implements Store.
func (c *Chain) Counts(ctx context.Context, productID string) (domain.Aggregate, error) {
	return attempt(ctx, c, "counts", func(ctx context.Context, s Store) (domain.Aggregate, error) {
		return s.Counts(ctx, productID)
	})
}

// Snapshot implements Store.
func (c *Chain) Snapshot(ctx context.Context) (map[string]domain.Aggregate, error) {
	return attempt(ctx, c, "snapshot", func(ctx context.Context, s Store) (map[string]domain.Aggregate, error) {
		return s.Snapshot(ctx)
	})
}

// RecentEvents implements Store.
func (c *Chain) RecentEvents(ctx context.Context, productID string, limit int) ([]domain.VoteEvent, error) {
	return attempt(ctx, c, "recent events", func(ctx context.Context, s Store) ([]domain.VoteEvent, error) {
		return s.RecentEvents(ctx, productID, limit)
	})
}

func attempt[T any](ctx context.Context, c *Chain, op string, fn func(context.Context, Store) (T, error)) (T, error) {
	if c.primary != nil {
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		res, err := fn(pctx, c.primary)
		cancel()
		if err == nil {
			return res, nil
		}
		if IsValidation(err) {
			return res, err
		}
		c.logger.Warn("primary store failed, using fallback",
			zap.String("op", op),
			zap.String("fallback", c.fallback.Name()),
			zap.Error(err))
	}

	res, err := fn(ctx, c.fallback)
	if err != nil {
		return res, fmt.Errorf("%s: %s store: %w", op, c.fallback.Name(), err)
	}
	return res, nil
}
