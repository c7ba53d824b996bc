// Package ledgertest holds the behaviour every ledger.Store must share. Each
// backend runs the same suite from its own tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.Store

func up() *domain.VoteValue   { return domain.Up.Ptr() }
func down() *domain.VoteValue { return domain.Down.Ptr() }

func client(id string) domain.Identity { return domain.Identity{ClientID: id} }

// Run executes the shared contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Scenario", func(t *testing.T) { testScenario(t, newStore(t)) })
	t.Run("ToggleLaw", func(t *testing.T) { testToggle(t, newStore(t)) })
	t.Run("SwitchLaw", func(t *testing.T) { testSwitch(t, newStore(t)) })
	t.Run("ExplicitRemovalIsIdempotent", func(t *testing.T) { testExplicitRemoval(t, newStore(t)) })
	t.Run("RejectsInvalidInput", func(t *testing.T) { testValidation(t, newStore(t)) })
	t.Run("CurrentVoteMatchesIdentity", func(t *testing.T) { testCurrentVote(t, newStore(t)) })
	t.Run("CountsAndSnapshot", func(t *testing.T) { testCountsAndSnapshot(t, newStore(t)) })
	t.Run("RecentEvents", func(t *testing.T) { testRecentEvents(t, newStore(t)) })
	t.Run("ConcurrentVoters", func(t *testing.T) { testConcurrentVoters(t, newStore(t)) })
}

func cast(t *testing.T, s ledger.Store, product string, voter domain.Identity, v *domain.VoteValue) domain.CastResult {
	t.Helper()
	res, err := s.CastVote(context.Background(), product, voter, v)
	require.NoError(t, err)
	return res
}

func testScenario(t *testing.T, s ledger.Store) {
	a, b := client("voter-a"), client("voter-b")

	res := cast(t, s, "P1", a, up())
	assert.Equal(t, domain.Aggregate{Upvotes: 1}, res.Aggregate)
	require.NotNil(t, res.Vote)
	assert.Equal(t, domain.Up, *res.Vote)
	assert.Equal(t, domain.ActionCreated, res.Action)

	res = cast(t, s, "P1", b, down())
	assert.Equal(t, domain.Aggregate{Upvotes: 1, Downvotes: 1}, res.Aggregate)

	res = cast(t, s, "P1", a, up())
	assert.Equal(t, domain.Aggregate{Downvotes: 1}, res.Aggregate)
	assert.Nil(t, res.Vote)
	assert.Equal(t, domain.ActionRemoved, res.Action)

	res = cast(t, s, "P1", a, down())
	assert.Equal(t, domain.Aggregate{Downvotes: 2}, res.Aggregate)
	assert.Equal(t, int64(-2), res.Aggregate.Score())
}

func testToggle(t *testing.T, s ledger.Store) {
	for _, v := range []*domain.VoteValue{up(), down()} {
		product := "toggle-" + v.String()
		cast(t, s, product, client("c"), v)
		res := cast(t, s, product, client("c"), v)
		assert.Equal(t, domain.Aggregate{}, res.Aggregate, "value %s", v)
		assert.Nil(t, res.Vote)

		current, err := s.CurrentVote(context.Background(), product, client("c"))
		require.NoError(t, err)
		assert.Nil(t, current)
	}
}

func testSwitch(t *testing.T, s ledger.Store) {
	cast(t, s, "P2", client("other"), up())
	before := cast(t, s, "P2", client("c"), up())
	after := cast(t, s, "P2", client("c"), down())

	assert.Equal(t, before.Aggregate.Upvotes-1, after.Aggregate.Upvotes)
	assert.Equal(t, before.Aggregate.Downvotes+1, after.Aggregate.Downvotes)
	assert.Equal(t, domain.ActionSwitched, after.Action)
	require.NotNil(t, after.Vote)
	assert.Equal(t, domain.Down, *after.Vote)
}

func testExplicitRemoval(t *testing.T, s ledger.Store) {
	cast(t, s, "P3", client("c"), up())

	res := cast(t, s, "P3", client("c"), nil)
	assert.Equal(t, domain.ActionRemoved, res.Action)
	assert.Equal(t, domain.Aggregate{}, res.Aggregate)

	res = cast(t, s, "P3", client("c"), nil)
	assert.Equal(t, domain.ActionUnchanged, res.Action)
	assert.Equal(t, domain.Aggregate{}, res.Aggregate)
	assert.Nil(t, res.Vote)
}

func testValidation(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.CastVote(ctx, "P4", client("c"), domain.VoteValue(2).Ptr())
	assert.ErrorIs(t, err, domain.ErrInvalidVote)

	_, err = s.CastVote(ctx, "P4", client("c"), domain.VoteValue(0).Ptr())
	assert.ErrorIs(t, err, domain.ErrInvalidVote)

	_, err = s.CastVote(ctx, "", client("c"), up())
	assert.ErrorIs(t, err, domain.ErrMissingProduct)

	_, err = s.CastVote(ctx, "P4", domain.Identity{}, up())
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)

	counts, err := s.Counts(ctx, "P4")
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{}, counts)
}

func testCurrentVote(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	user := domain.Identity{UserID: "user-1", ClientID: "browser-1"}

	cast(t, s, "P5", user, down())

	got, err := s.CurrentVote(ctx, "P5", user)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Down, *got)

	// The user id wins, so the same user on another browser sees the vote.
	got, err = s.CurrentVote(ctx, "P5", domain.Identity{UserID: "user-1", ClientID: "browser-2"})
	require.NoError(t, err)
	require.NotNil(t, got)

	// A client id alone still finds the vote its user cast from that client.
	got, err = s.CurrentVote(ctx, "P5", client("browser-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Down, *got)

	got, err = s.CurrentVote(ctx, "P5", client("browser-3"))
	require.NoError(t, err)
	assert.Nil(t, got)

	// After the user votes from another client, the old client no longer matches.
	cast(t, s, "P5", domain.Identity{UserID: "user-1", ClientID: "browser-2"}, up())
	got, err = s.CurrentVote(ctx, "P5", client("browser-1"))
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.CurrentVote(ctx, "P5", client("browser-2"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Up, *got)

	// A vote keyed by the client itself takes precedence.
	cast(t, s, "P5", client("browser-2"), down())
	got, err = s.CurrentVote(ctx, "P5", client("browser-2"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Down, *got)

	got, err = s.CurrentVote(ctx, "unknown", user)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testCountsAndSnapshot(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cast(t, s, "alpha", client("a"), up())
	cast(t, s, "alpha", client("b"), up())
	cast(t, s, "beta", client("a"), down())

	counts, err := s.Counts(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{Upvotes: 2}, counts)

	counts, err = s.Counts(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{}, counts)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{Upvotes: 2}, snap["alpha"])
	assert.Equal(t, domain.Aggregate{Downvotes: 1}, snap["beta"])
}

func testRecentEvents(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	cast(t, s, "hist", client("a"), up())
	cast(t, s, "hist", client("a"), down())
	cast(t, s, "hist", client("a"), down())
	// A removal with nothing to remove changes nothing and is not recorded.
	cast(t, s, "hist", client("a"), nil)
	cast(t, s, "other", client("a"), up())

	events, err := s.RecentEvents(ctx, "hist", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Nil(t, events[0].Value)
	require.NotNil(t, events[1].Value)
	assert.Equal(t, domain.Down, *events[1].Value)
	require.NotNil(t, events[2].Value)
	assert.Equal(t, domain.Up, *events[2].Value)
	for _, e := range events {
		assert.Equal(t, "hist", e.ProductID)
		assert.Equal(t, "a", e.Voter)
		assert.False(t, e.Timestamp.IsZero())
	}

	events, err = s.RecentEvents(ctx, "hist", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testConcurrentVoters(t *testing.T, s ledger.Store) {
	const voters = 12
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := up()
			if i%3 == 0 {
				v = down()
			}
			if _, err := s.CastVote(context.Background(), "busy", client(fmt.Sprintf("voter-%d", i)), v); err != nil {
				t.Errorf("cast %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	counts, err := s.Counts(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.Aggregate{Upvotes: 8, Downvotes: 4}, counts)
}
