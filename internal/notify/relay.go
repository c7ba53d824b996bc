package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/logging"
)

const (
	publishTimeout = 2 * time.Second
	drainTimeout   = 5 * time.Second
	outboxSize     = 256
)

// envelope is the Redis message. Origin lets an instance skip its own
// updates, which it already delivered locally.
type envelope struct {
	Origin string     `json:"origin"`
	Update VoteUpdate `json:"update"`
}

// RedisRelay shares vote updates between instances through a Redis channel.
// Local updates are delivered to the hub and queued for a background sender;
// updates from other instances are delivered to the hub by Run.
type RedisRelay struct {
	client  rueidis.Client
	channel string
	hub     *Hub
	origin  string
	logger  *zap.Logger

	// send performs the PUBLISH; replaced in tests.
	send  func(ctx context.Context, payload string) error
	drain time.Duration

	mu      sync.RWMutex
	closed  bool
	outbox  chan string
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisRelay wraps hub and starts the sender goroutine. The caller owns
// client and must call Close before closing it.
func NewRedisRelay(client rueidis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisRelay {
	r := newRelay(channel, hub, logger)
	r.client = client
	r.send = func(ctx context.Context, payload string) error {
		return client.Do(ctx, client.B().Publish().Channel(channel).Message(payload).Build()).Error()
	}
	go r.sendLoop()
	return r
}

func newRelay(channel string, hub *Hub, logger *zap.Logger) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		channel: channel,
		hub:     hub,
		origin:  uuid.NewString(),
		logger:  logging.OrNop(logger).Named("relay"),
		drain:   drainTimeout,
		outbox:  make(chan string, outboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Origin identifies this instance on the channel.
func (r *RedisRelay) Origin() string { return r.origin }

// Dropped reports updates that never reached Redis because the outbox was
// full or the relay was closed.
func (r *RedisRelay) Dropped() uint64 { return r.dropped.Load() }

// Publish implements Publisher. It never waits on Redis: local subscribers
// are served immediately and the update is queued for the sender.
func (r *RedisRelay) Publish(u VoteUpdate) {
	r.hub.Publish(u)

	payload, err := json.Marshal(envelope{Origin: r.origin, Update: u})
	if err != nil {
		r.logger.Error("encode vote update", zap.Error(err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.outbox <- string(payload):
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay outbox full, dropping vote update", zap.String("productId", u.ProductID))
	}
}

func (r *RedisRelay) sendLoop() {
	defer close(r.done)
	for payload := range r.outbox {
		ctx, cancel := context.WithTimeout(r.ctx, publishTimeout)
		err := r.send(ctx, payload)
		cancel()
		if err != nil {
			r.logger.Warn("publish vote update to redis",
				zap.String("channel", r.channel),
				zap.Error(err))
		}
	}
}

// Close stops accepting updates and waits for queued ones to be published.
// Whatever is still queued after the drain timeout is abandoned. It is safe
// to call more than once.
func (r *RedisRelay) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.outbox)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(r.drain):
		r.logger.Warn("relay drain timed out", zap.Int("pending", len(r.outbox)))
		r.cancel()
		<-r.done
	}
	r.cancel()
}

// Run subscribes to the channel and feeds remote updates into the hub until
// ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	r.logger.Info("relaying vote updates", zap.String("channel", r.channel), zap.String("origin", r.origin))

	err := r.client.Receive(ctx, r.client.B().Subscribe().Channel(r.channel).Build(), func(msg rueidis.PubSubMessage) {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Message), &env); err != nil {
			r.logger.Warn("discarding malformed relay message", zap.Error(err))
			return
		}
		if env.Origin == r.origin {
			return
		}
		r.hub.Publish(env.Update)
	})
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	return nil
}
