package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultChannel is the Redis channel carrying invalidations
const DefaultChannel = "tollgate:membership:invalidate"

const publishTimeout = 2 * time.Second

// invalidation is the message published on the channel
type invalidation struct {
	Origin string     `json:"origin"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
	All    bool       `json:"all,omitempty"`
}

// Broadcaster fans cache invalidations out to peer processes over Redis pub/sub.
// It also implements orgs.Invalidator, applying the change locally first.
type Broadcaster struct {
	client  redis.UniversalClient
	cache   *Cache
	channel string
	origin  string
	logger  *observability.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// BroadcasterOption configures a Broadcaster
type BroadcasterOption func(*Broadcaster)

// WithChannel overrides the pub/sub channel
func WithChannel(channel string) BroadcasterOption {
	return func(b *Broadcaster) {
		b.channel = channel
	}
}

func WithBroadcastLogger(l *observability.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = l
	}
}

// NewBroadcaster creates a Broadcaster for cache
func NewBroadcaster(client redis.UniversalClient, cache *Cache, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		client:  client,
		cache:   cache,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		logger:  observability.NopLogger(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) publish(ctx context.Context, msg invalidation) error {
	msg.Origin = b.origin
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Publish tells peers to drop userID
func (b *Broadcaster) Publish(ctx context.Context, userID uuid.UUID) error {
	return b.publish(ctx, invalidation{UserID: &userID})
}

// PublishAll tells peers to drop everything
func (b *Broadcaster) PublishAll(ctx context.Context) error {
	return b.publish(ctx, invalidation{All: true})
}

// Invalidate drops userID locally, then publishes to peers. Publish failures are logged.
func (b *Broadcaster) Invalidate(userID uuid.UUID) {
	b.cache.Invalidate(userID)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, userID); err != nil {
		b.logger.WithError(err).WithField("user_id", userID.String()).Warn("membership invalidation not broadcast")
	}
}

// Ready is closed once Run has an active subscription
func (b *Broadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and applies peer invalidations to the local cache until ctx is done
func (b *Broadcaster) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.apply(msg.Payload)
		}
	}
}

func (b *Broadcaster) apply(payload string) {
	var msg invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.WithError(err).Warn("ignoring malformed invalidation")
		return
	}
	if msg.Origin == b.origin {
		return
	}

	switch {
	case msg.All:
		b.cache.InvalidateAll()
	case msg.UserID != nil:
		b.cache.Invalidate(*msg.UserID)
	}
}
