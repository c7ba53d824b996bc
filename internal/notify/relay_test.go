package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testChannel = "tierd:test-updates"

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) rueidis.Client {
	t.Helper()
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

type relayNode struct {
	hub   *Hub
	relay *RedisRelay
}

func startRelay(t *testing.T, ctx context.Context, wg *sync.WaitGroup, mr *miniredis.Miniredis) relayNode {
	t.Helper()
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Close)
	relay := NewRedisRelay(newRedisClient(t, mr), testChannel, hub, zap.NewNop())
	t.Cleanup(relay.Close)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			t.Errorf("relay run: %v", err)
		}
	}()
	return relayNode{hub: hub, relay: relay}
}

func TestRedisRelay_CrossInstance(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	a := startRelay(t, ctx, &wg, mr)
	b := startRelay(t, ctx, &wg, mr)
	require.NotEqual(t, a.relay.Origin(), b.relay.Origin())

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	subA, subB := a.hub.Subscribe(), b.hub.Subscribe()

	a.relay.Publish(update("P1", 7))

	assert.Equal(t, int64(7), receive(t, subB).VoteCounts.Upvotes)
	assert.Equal(t, int64(7), receive(t, subA).VoteCounts.Upvotes)

	// A must not receive its own update a second time via Redis.
	select {
	case u := <-subA.Events():
		t.Fatalf("unexpected echo: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisRelay_PublishSurvivesRedisOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	hub := NewHub(HubOptions{})
	defer hub.Close()
	relay := NewRedisRelay(newRedisClient(t, mr), testChannel, hub, nil)
	t.Cleanup(relay.Close)
	sub := hub.Subscribe()

	mr.Close()
	relay.Publish(update("P1", 1))

	assert.Equal(t, int64(1), receive(t, sub).VoteCounts.Upvotes)
}

func TestRedisRelay_IgnoresMalformedMessages(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	node := startRelay(t, ctx, &wg, mr)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub := node.hub.Subscribe()
	mr.Publish(testChannel, "not json")
	mr.Publish(testChannel, `{"origin":"elsewhere","update":{"productId":"P9","voteCounts":{"upvotes":2,"downvotes":0},"score":2}}`)

	got := receive(t, sub)
	assert.Equal(t, "P9", got.ProductID)
	assert.Equal(t, int64(2), got.Score)
}

// blockingRelay returns a relay whose sender waits on release or its context.
func blockingRelay(t *testing.T, hub *Hub, release <-chan struct{}, sent *atomic.Int32) *RedisRelay {
	t.Helper()
	r := newRelay(testChannel, hub, nil)
	r.send = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			sent.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go r.sendLoop()
	return r
}

func TestRedisRelay_PublishDoesNotWaitForRedis(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()
	release := make(chan struct{})
	var sent atomic.Int32
	relay := blockingRelay(t, hub, release, &sent)
	relay.drain = 2 * time.Second
	sub := hub.Subscribe()

	start := time.Now()
	for i := int64(1); i <= 3; i++ {
		relay.Publish(update("P1", i))
	}
	assert.Less(t, time.Since(start), publishTimeout/4)

	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, i, receive(t, sub).VoteCounts.Upvotes)
	}

	close(release)
	relay.Close()
	assert.Equal(t, int32(3), sent.Load())
	assert.Zero(t, relay.Dropped())
}

func TestRedisRelay_CloseAbandonsStuckQueue(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()
	var sent atomic.Int32
	relay := blockingRelay(t, hub, make(chan struct{}), &sent)
	relay.drain = 20 * time.Millisecond

	for i := 0; i < outboxSize+2; i++ {
		relay.Publish(update("P1", 1))
	}
	assert.NotZero(t, relay.Dropped(), "a full outbox should drop")

	start := time.Now()
	relay.Close()
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, sent.Load())

	before := relay.Dropped()
	relay.Publish(update("P1", 1))
	assert.Equal(t, before+1, relay.Dropped())
	relay.Close()
}
