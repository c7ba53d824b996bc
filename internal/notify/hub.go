// Package notify fans vote changes out to live subscribers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/logging"
)

// Event names used on the wire.
const (
	EventInitial    = "initial"
	EventVoteUpdate = "vote-update"
	EventPing       = "ping"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// VoteUpdate is the payload of a vote-update event.
type VoteUpdate struct {
	ProductID  string           `json:"productId"`
	VoteCounts domain.Aggregate `json:"voteCounts"`
	Score      int64            `json:"score"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewVoteUpdate stamps an update for productID.
func NewVoteUpdate(productID string, agg domain.Aggregate, at time.Time) VoteUpdate {
	return VoteUpdate{
		ProductID:  productID,
		VoteCounts: agg,
		Score:      agg.Score(),
		Timestamp:  at.UTC(),
	}
}

// Publisher accepts vote updates.
type Publisher interface {
	Publish(VoteUpdate)
}

// HubOptions configures a Hub.
type HubOptions struct {
	Buffer int
	Logger *zap.Logger
}

// Hub is an in-process publish/subscribe fan-out. Publish never blocks: a
// subscriber whose queue is full misses the update.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Hub{
		buffer: opts.Buffer,
		logger: logging.OrNop(opts.Logger).Named("notify"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscription is one listener. Events arrive in publish order.
type Subscription struct {
	id   uint64
	hub  *Hub
	ch   chan VoteUpdate
	once sync.Once
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan VoteUpdate { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s.id]; ok {
			delete(s.hub.subs, s.id)
			close(s.ch)
		}
	})
}

// Subscribe registers a listener. On a closed hub the returned subscription
// is already closed.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, ch: make(chan VoteUpdate, h.buffer)}
	if h.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers u to every current subscriber.
func (h *Hub) Publish(u VoteUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- u:
		default:
			h.dropped.Add(1)
			h.logger.Debug("subscriber queue full, dropping update",
				zap.Uint64("subscriber", sub.id),
				zap.String("productId", u.ProductID))
		}
	}
}

// SubscriberCount reports the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
