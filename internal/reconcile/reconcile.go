// Package reconcile detects and repairs drift between the cached product
// counters and a recount of the raw votes.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/logging"
	"github.com/tierd/tierd/internal/notify"
)

// DefaultConcurrency bounds bulk runs when Options leaves it unset.
const DefaultConcurrency = 4

// Target is a ledger that can be reconciled. Repairs must overwrite with a
// fresh recount, never apply a delta, so running them alongside live votes
// is safe.
type Target interface {
	Name() string
	ListProducts(ctx context.Context) ([]string, error)
	StoredAggregate(ctx context.Context, productID string) (domain.Aggregate, error)
	RecountAggregate(ctx context.Context, productID string) (domain.Aggregate, error)
	RepairAggregate(ctx context.Context, productID string) (domain.Aggregate, error)
}

// Counts is an aggregate with its derived score.
type Counts struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Score     int64 `json:"score"`
}

func countsOf(a domain.Aggregate) Counts {
	return Counts{Upvotes: a.Upvotes, Downvotes: a.Downvotes, Score: a.Score()}
}

// Check compares stored and recounted counters for one product.
type Check struct {
	ProductID   string `json:"productId"`
	Stored      Counts `json:"stored"`
	Actual      Counts `json:"actual"`
	NeedsFixing bool   `json:"needsFixing"`
	Error       string `json:"error,omitempty"`
}

// Fix is the before and after of one repair.
type Fix struct {
	ProductID string `json:"productId"`
	Before    Counts `json:"before"`
	After     Counts `json:"after"`
	Changed   bool   `json:"changed"`
	Error     string `json:"error,omitempty"`
}

// CheckReport summarises a catalogue-wide check.
type CheckReport struct {
	Store    string  `json:"store"`
	Total    int     `json:"total"`
	Drifted  int     `json:"drifted"`
	Failed   int     `json:"failed"`
	Products []Check `json:"products"`
}

// FixReport summarises a catalogue-wide repair.
type FixReport struct {
	Store    string `json:"store"`
	Total    int    `json:"total"`
	Fixed    int    `json:"fixed"`
	Failed   int    `json:"failed"`
	Products []Fix  `json:"products"`
}

// Options configures a Service.
type Options struct {
	Concurrency int
	// Publisher, when set, is told about every repair that changed counts.
	Publisher notify.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service runs checks and repairs against one target.
type Service struct {
	target      Target
	concurrency int
	publisher   notify.Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// New returns a service for target.
func New(target Target, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		target:      target,
		concurrency: opts.Concurrency,
		publisher:   opts.Publisher,
		logger:      logging.OrNop(opts.Logger).Named("reconcile").With(zap.String("store", target.Name())),
		now:         opts.Now,
	}
}

// Store names the target.
func (s *Service) Store() string { return s.target.Name() }

// Check reports whether productID's stored counters disagree with a recount.
func (s *Service) Check(ctx context.Context, productID string) (Check, error) {
	stored, err := s.target.StoredAggregate(ctx, productID)
	if err != nil {
		return Check{}, fmt.Errorf("stored counts for %s: %w", productID, err)
	}
	actual, err := s.target.RecountAggregate(ctx, productID)
	if err != nil {
		return Check{}, fmt.Errorf("recount %s: %w", productID, err)
	}
	return Check{
		ProductID:   productID,
		Stored:      countsOf(stored),
		Actual:      countsOf(actual),
		NeedsFixing: countsOf(stored) != countsOf(actual),
	}, nil
}

// Fix overwrites productID's stored counters with a recount.
func (s *Service) Fix(ctx context.Context, productID string) (Fix, error) {
	before, err := s.target.StoredAggregate(ctx, productID)
	if err != nil {
		return Fix{}, fmt.Errorf("stored counts for %s: %w", productID, err)
	}
	after, err := s.target.RepairAggregate(ctx, productID)
	if err != nil {
		return Fix{}, fmt.Errorf("repair %s: %w", productID, err)
	}

	fix := Fix{
		ProductID: productID,
		Before:    countsOf(before),
		After:     countsOf(after),
		Changed:   before != after,
	}
	if fix.Changed {
		s.logger.Info("repaired drifted counts",
			zap.String("productId", productID),
			zap.Int64("beforeUp", before.Upvotes),
			zap.Int64("beforeDown", before.Downvotes),
			zap.Int64("afterUp", after.Upvotes),
			zap.Int64("afterDown", after.Downvotes))
		if s.publisher != nil {
			s.publisher.Publish(notify.NewVoteUpdate(productID, after, s.now()))
		}
	}
	return fix, nil
}

// CheckAll checks every product. Per-product failures are reported in the
// result rather than aborting the run.
func (s *Service) CheckAll(ctx context.Context) (CheckReport, error) {
	checks, err := fanOut(ctx, s, func(ctx context.Context, id string) Check {
		c, err := s.Check(ctx, id)
		if err != nil {
			return Check{ProductID: id, Error: err.Error()}
		}
		return c
	})
	if err != nil {
		return CheckReport{}, err
	}
	slices.SortFunc(checks, func(a, b Check) int { return strings.Compare(a.ProductID, b.ProductID) })

	report := CheckReport{Store: s.Store(), Total: len(checks), Products: checks}
	for _, c := range checks {
		switch {
		case c.Error != "":
			report.Failed++
		case c.NeedsFixing:
			report.Drifted++
		}
	}
	return report, nil
}

// FixAll repairs every product.
func (s *Service) FixAll(ctx context.Context) (FixReport, error) {
	fixes, err := fanOut(ctx, s, func(ctx context.Context, id string) Fix {
		f, err := s.Fix(ctx, id)
		if err != nil {
			return Fix{ProductID: id, Error: err.Error()}
		}
		return f
	})
	if err != nil {
		return FixReport{}, err
	}
	slices.SortFunc(fixes, func(a, b Fix) int { return strings.Compare(a.ProductID, b.ProductID) })

	report := FixReport{Store: s.Store(), Total: len(fixes), Products: fixes}
	for _, f := range fixes {
		switch {
		case f.Error != "":
			report.Failed++
		case f.Changed:
			report.Fixed++
		}
	}
	s.logger.Info("reconciled all products",
		zap.Int("total", report.Total),
		zap.Int("fixed", report.Fixed),
		zap.Int("failed", report.Failed))
	return report, nil
}

func fanOut[T any](ctx context.Context, s *Service, fn func(context.Context, string) T) ([]T, error) {
	ids, err := s.target.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	var (
		p       = pool.New().WithContext(ctx).WithMaxGoroutines(s.concurrency)
		mu      sync.Mutex
		results = make([]T, 0, len(ids))
	)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			res := fn(ctx, id)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
