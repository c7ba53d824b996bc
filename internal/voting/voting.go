// Package voting is the vote use case: resolve the voter, apply the rate
// limit, cast through the ledger and announce the change.
package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/identity"
	"github.com/tierd/tierd/internal/ledger"
	"github.com/tierd/tierd/internal/logging"
	"github.com/tierd/tierd/internal/notify"
	"github.com/tierd/tierd/internal/ratelimit"
)

// ErrIdentityRequired is returned for writes without a client supplied
// identity when synthesized identities are disabled.
var ErrIdentityRequired = errors.New("voting: voter identity required")

// LimitedError carries the wait before the voter may try again.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ratelimit.ErrLimited, e.RetryAfter)
}

func (e *LimitedError) Unwrap() error { return ratelimit.ErrLimited }

// Limiter admits or rejects an attempt for key.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

// Options configures a Service.
type Options struct {
	// RequireIdentity rejects writes that would need a synthesized id.
	RequireIdentity bool
	// OfflineStore names the ledger whose results are reported as offline.
	OfflineStore string
	Logger       *zap.Logger
	Now          func() time.Time
}

// Service implements the vote endpoints independent of HTTP.
type Service struct {
	ledger    ledger.Store
	limiter   Limiter
	publisher notify.Publisher
	resolver  *identity.Resolver

	requireIdentity bool
	offlineStore    string
	logger          *zap.Logger
	now             func() time.Time
}

// New wires a Service.
func New(store ledger.Store, limiter Limiter, publisher notify.Publisher, resolver *identity.Resolver, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		ledger:          store,
		limiter:         limiter,
		publisher:       publisher,
		resolver:        resolver,
		requireIdentity: opts.RequireIdentity,
		offlineStore:    opts.OfflineStore,
		logger:          logging.OrNop(opts.Logger).Named("voting"),
		now:             opts.Now,
	}
}

// CastRequest is one vote submission. Vote == nil removes the voter's vote.
type CastRequest struct {
	ProductID string
	Vote      *domain.VoteValue
	Sources   identity.Sources
}

// CastOutcome is what the caller sees after a cast.
type CastOutcome struct {
	domain.CastResult
	Voter   domain.Identity
	Offline bool
	Message string
}

// Cast validates, rate limits and records a vote. The ledger call is not
// cancelled when ctx is, so a started mutation always completes.
func (s *Service) Cast(ctx context.Context, req CastRequest) (CastOutcome, error) {
	productID, err := domain.NormalizeProductID(req.ProductID)
	if err != nil {
		return CastOutcome{}, err
	}
	if req.Vote != nil && !req.Vote.Valid() {
		return CastOutcome{}, fmt.Errorf("%w: got %d", domain.ErrInvalidVote, int8(*req.Vote))
	}

	voter := s.resolver.Resolve(req.Sources)
	if voter.Synthesized {
		if s.requireIdentity {
			return CastOutcome{}, ErrIdentityRequired
		}
		s.logger.Warn("no voter identity supplied, using synthesized id",
			zap.String("productId", productID),
			zap.String("voter", voter.Key()))
	}

	if ok, retry := s.limiter.Allow(voter.Key()); !ok {
		return CastOutcome{}, &LimitedError{RetryAfter: retry}
	}

	res, err := s.ledger.CastVote(context.WithoutCancel(ctx), productID, voter, req.Vote)
	if err != nil {
		return CastOutcome{}, err
	}

	if res.Action != domain.ActionUnchanged {
		s.publisher.Publish(notify.NewVoteUpdate(productID, res.Aggregate, s.now()))
	}

	out := CastOutcome{
		CastResult: res,
		Voter:      voter,
		Offline:    s.offlineStore != "" && res.Store == s.offlineStore,
	}
	out.Message = message(res.Action, out.Offline)
	return out, nil
}

func message(action domain.Action, offline bool) string {
	var msg string
	switch action {
	case domain.ActionCreated:
		msg = "Vote recorded"
	case domain.ActionSwitched:
		msg = "Vote changed"
	case domain.ActionRemoved:
		msg = "Vote removed"
	default:
		msg = "No vote to remove"
	}
	if offline {
		msg += " (offline mode)"
	}
	return msg
}

// Status is a voter's view of one product.
type Status struct {
	ProductID string
	Aggregate domain.Aggregate
	Vote      *domain.VoteValue
}

// HasVoted reports whether the voter holds a vote.
func (s Status) HasVoted() bool { return s.Vote != nil }

// Status returns the product counts and, when the caller identified
// themselves, their current vote. Reads never synthesize an identity.
func (s *Service) Status(ctx context.Context, productID string, src identity.Sources) (Status, error) {
	productID, err := domain.NormalizeProductID(productID)
	if err != nil {
		return Status{}, err
	}

	agg, err := s.ledger.Counts(ctx, productID)
	if err != nil {
		return Status{}, err
	}
	st := Status{ProductID: productID, Aggregate: agg}

	if voter, ok := s.resolver.Lookup(src); ok {
		st.Vote, err = s.ledger.CurrentVote(ctx, productID, voter)
		if err != nil {
			return Status{}, err
		}
	}
	return st, nil
}

// Snapshot returns the counts of every product.
func (s *Service) Snapshot(ctx context.Context) (map[string]domain.Aggregate, error) {
	return s.ledger.Snapshot(ctx)
}

// History returns the newest vote events on a product.
func (s *Service) History(ctx context.Context, productID string, limit int) ([]domain.VoteEvent, error) {
	productID, err := domain.NormalizeProductID(productID)
	if err != nil {
		return nil, err
	}
	return s.ledger.RecentEvents(ctx, productID, limit)
}
