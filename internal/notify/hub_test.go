package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierd/tierd/internal/domain"
)

func update(product string, up int64) VoteUpdate {
	return NewVoteUpdate(product, domain.Aggregate{Upvotes: up}, time.Now())
}

func receive(t *testing.T, sub *Subscription) VoteUpdate {
	t.Helper()
	select {
	case u, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return VoteUpdate{}
	}
}

func TestHub_FanOutInOrder(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()

	a, b := hub.Subscribe(), hub.Subscribe()
	require.Equal(t, 2, hub.SubscriberCount())

	for i := int64(1); i <= 3; i++ {
		hub.Publish(update("P1", i))
	}

	for _, sub := range []*Subscription{a, b} {
		for i := int64(1); i <= 3; i++ {
			assert.Equal(t, i, receive(t, sub).VoteCounts.Upvotes)
		}
	}
}

func TestHub_NewVoteUpdate(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	u := NewVoteUpdate("P1", domain.Aggregate{Upvotes: 1, Downvotes: 4}, at)

	assert.Equal(t, int64(-3), u.Score)
	assert.Equal(t, time.UTC, u.Timestamp.Location())
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 2})
	defer hub.Close()

	slow := hub.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(update("P1", int64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.EqualValues(t, 8, hub.Dropped())
	assert.Equal(t, int64(0), receive(t, slow).VoteCounts.Upvotes)
	assert.Equal(t, int64(1), receive(t, slow).VoteCounts.Upvotes)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(HubOptions{})
	defer hub.Close()

	sub := hub.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, hub.SubscriberCount())

	hub.Publish(update("P1", 1))
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(HubOptions{})
	sub := hub.Subscribe()

	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	sub.Close()

	late := hub.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()

	hub.Publish(update("P1", 1))
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 4})
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(update(fmt.Sprintf("P%d", i), int64(j)))
			}
		}(i)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe()
			for j := 0; j < 5; j++ {
				select {
				case <-sub.Events():
				case <-time.After(10 * time.Millisecond):
				}
			}
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.SubscriberCount())
}
