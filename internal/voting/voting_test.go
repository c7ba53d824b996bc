package voting

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/filestore"
	"github.com/tierd/tierd/internal/identity"
	"github.com/tierd/tierd/internal/ledger"
	"github.com/tierd/tierd/internal/notify"
	"github.com/tierd/tierd/internal/ratelimit"
)

type env struct {
	svc     *Service
	hub     *notify.Hub
	sub     *notify.Subscription
	limiter *ratelimit.Limiter
	store   *filestore.Store
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	store := filestore.New(filepath.Join(t.TempDir(), "votes.json"), filestore.Options{})
	chain := ledger.NewChain(nil, store, ledger.ChainOptions{})
	limiter := ratelimit.New(ratelimit.Options{Max: 5, Window: time.Minute, SweepEvery: -1})
	t.Cleanup(limiter.Shutdown)
	hub := notify.NewHub(notify.HubOptions{})
	t.Cleanup(hub.Close)

	opts.OfflineStore = filestore.Name
	return &env{
		svc:     New(chain, limiter, hub, identity.NewResolver(), opts),
		hub:     hub,
		sub:     hub.Subscribe(),
		limiter: limiter,
		store:   store,
	}
}

func byClient(id string) identity.Sources { return identity.Sources{HeaderClientID: id} }

func TestCast_PublishesAndReportsOffline(t *testing.T) {
	e := newEnv(t, Options{})

	out, err := e.svc.Cast(context.Background(), CastRequest{ProductID: " P1 ", Vote: domain.Up.Ptr(), Sources: byClient("c")})
	require.NoError(t, err)
	assert.Equal(t, "P1", out.ProductID)
	assert.Equal(t, domain.Aggregate{Upvotes: 1}, out.Aggregate)
	assert.True(t, out.Offline)
	assert.Equal(t, "Vote recorded (offline mode)", out.Message)
	assert.Equal(t, "c", out.Voter.Key())

	select {
	case u := <-e.sub.Events():
		assert.Equal(t, "P1", u.ProductID)
		assert.Equal(t, int64(1), u.Score)
	case <-time.After(time.Second):
		t.Fatal("no vote-update published")
	}
}

func TestCast_UnchangedIsNotPublished(t *testing.T) {
	e := newEnv(t, Options{})

	out, err := e.svc.Cast(context.Background(), CastRequest{ProductID: "P1", Sources: byClient("c")})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUnchanged, out.Action)
	assert.Equal(t, "No vote to remove (offline mode)", out.Message)

	select {
	case u := <-e.sub.Events():
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestCast_Validation(t *testing.T) {
	e := newEnv(t, Options{})

	_, err := e.svc.Cast(context.Background(), CastRequest{ProductID: "  ", Vote: domain.Up.Ptr(), Sources: byClient("c")})
	assert.ErrorIs(t, err, domain.ErrMissingProduct)

	_, err = e.svc.Cast(context.Background(), CastRequest{ProductID: "P1", Vote: domain.VoteValue(0).Ptr(), Sources: byClient("c")})
	assert.ErrorIs(t, err, domain.ErrInvalidVote)

	// Validation failures do not consume the voter's budget.
	for i := 0; i < 5; i++ {
		assert.False(t, e.limiter.IsLimited("other"))
	}
	assert.True(t, e.limiter.IsLimited("other"))
	assert.False(t, e.limiter.IsLimited("c"))
}

func TestCast_RateLimited(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.svc.Cast(ctx, CastRequest{ProductID: "P1", Vote: domain.Up.Ptr(), Sources: byClient("c")})
		require.NoError(t, err)
	}

	_, err := e.svc.Cast(ctx, CastRequest{ProductID: "P1", Vote: domain.Up.Ptr(), Sources: byClient("c")})
	require.ErrorIs(t, err, ratelimit.ErrLimited)
	var limited *LimitedError
	require.True(t, errors.As(err, &limited))
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	// Five toggles leave one up vote; the rejected sixth changed nothing.
	counts, err := e.store.Counts(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{Upvotes: 1}, counts)
}

func TestCast_SynthesizedIdentity(t *testing.T) {
	e := newEnv(t, Options{})
	out, err := e.svc.Cast(context.Background(), CastRequest{ProductID: "P1", Vote: domain.Down.Ptr(), Sources: identity.Sources{QueryClientID: "undefined"}})
	require.NoError(t, err)
	assert.True(t, out.Voter.Synthesized)

	strict := newEnv(t, Options{RequireIdentity: true})
	_, err = strict.svc.Cast(context.Background(), CastRequest{ProductID: "P1", Vote: domain.Down.Ptr()})
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestCast_CompletesAfterCancel(t *testing.T) {
	e := newEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.svc.Cast(ctx, CastRequest{ProductID: "P1", Vote: domain.Up.Ptr(), Sources: byClient("c")})
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	_, err := e.svc.Cast(ctx, CastRequest{ProductID: "P1", Vote: domain.Down.Ptr(), Sources: byClient("c")})
	require.NoError(t, err)

	st, err := e.svc.Status(ctx, "P1", byClient("c"))
	require.NoError(t, err)
	assert.True(t, st.HasVoted())
	assert.Equal(t, domain.Down, *st.Vote)
	assert.Equal(t, int64(-1), st.Aggregate.Score())

	st, err = e.svc.Status(ctx, "P1", identity.Sources{QueryClientID: "null"})
	require.NoError(t, err)
	assert.False(t, st.HasVoted())
	assert.Equal(t, domain.Aggregate{Downvotes: 1}, st.Aggregate)

	_, err = e.svc.Status(ctx, "", byClient("c"))
	assert.ErrorIs(t, err, domain.ErrMissingProduct)
}

func TestHistoryAndSnapshot(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	for _, v := range []*domain.VoteValue{domain.Up.Ptr(), domain.Down.Ptr()} {
		_, err := e.svc.Cast(ctx, CastRequest{ProductID: "P1", Vote: v, Sources: byClient("c")})
		require.NoError(t, err)
	}

	events, err := e.svc.History(ctx, "P1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.Down, *events[0].Value)

	snap, err := e.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{Downvotes: 1}, snap["P1"])
}
