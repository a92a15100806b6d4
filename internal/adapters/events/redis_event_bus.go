package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/redis"
)

const (
	subscriberBuffer = 100
	subscribeTimeout = 5 * time.Second
)

// topic is one redis subscription shared by every local subscriber of a channel.
type topic struct {
	pubsub      *redis.PubSub
	subscribers map[chan []byte]struct{}
}

// RedisEventBus relays analysis events between replicas over Redis Pub/Sub.
// Each channel holds a single redis subscription regardless of how many
// local streams listen on it.
type RedisEventBus struct {
	client  *redisclient.Client
	topics  map[string]*topic
	mu      sync.RWMutex
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ providers.EventBus = (*RedisEventBus)(nil)

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redisclient.Client) providers.EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client: client,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish sends payload to every replica subscribed to channel.
func (b *RedisEventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("event payload is empty")
	}
	receivers, err := b.client.Client().Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	log.Debug().Str("channel", channel).Int("bytes", len(payload)).Int64("receivers", receivers).Msg("published analysis event")
	return nil
}

// Subscribe returns a stream of payloads on channel until ctx ends. The first
// subscriber of a channel waits for redis to confirm the subscription so an
// unreachable server surfaces as an error instead of a silent stream.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if b.ctx.Err() != nil {
		return nil, errors.New("event bus is closed")
	}

	b.mu.RLock()
	_, exists := b.topics[channel]
	b.mu.RUnlock()

	var fresh *topic
	if !exists {
		pubsub := b.client.Client().Subscribe(b.ctx, channel)
		confirmCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		_, err := pubsub.Receive(confirmCtx)
		cancel()
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		fresh = &topic{pubsub: pubsub, subscribers: make(map[chan []byte]struct{})}
	}

	b.mu.Lock()
	t, exists := b.topics[channel]
	switch {
	case exists && fresh != nil:
		// Another caller registered the channel while we were confirming.
		_ = fresh.pubsub.Close()
	case !exists && fresh != nil:
		t = fresh
		b.topics[channel] = t
		go b.receive(channel, t)
	case !exists:
		// The shared topic went away between the two checks.
		b.mu.Unlock()
		return b.Subscribe(ctx, channel)
	}

	eventChan := make(chan []byte, subscriberBuffer)
	t.subscribers[eventChan] = struct{}{}
	count := len(t.subscribers)
	b.mu.Unlock()

	log.Debug().Str("channel", channel).Int("subscribers", count).Msg("subscribed to analysis events")

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.removeSubscriber(channel, eventChan)
	}()

	return eventChan, nil
}

// Dropped reports payloads skipped because a subscriber was not keeping up.
func (b *RedisEventBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *RedisEventBus) receive(channel string, t *topic) {
	defer b.closeTopic(channel, t)

	ch := t.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.broadcast(channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisEventBus) broadcast(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[channel]
	if !ok {
		return
	}
	for subscriber := range t.subscribers {
		select {
		case subscriber <- payload:
		default:
			b.dropped.Add(1)
			log.Warn().Str("channel", channel).Msg("analysis event subscriber is full, dropping event")
		}
	}
}

func (b *RedisEventBus) removeSubscriber(channel string, eventChan chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, exists := b.topics[channel]
	if !exists {
		return
	}
	if _, ok := t.subscribers[eventChan]; !ok {
		return
	}

	delete(t.subscribers, eventChan)
	close(eventChan)

	if len(t.subscribers) == 0 {
		delete(b.topics, channel)
		if t.pubsub != nil {
			_ = t.pubsub.Close()
		}
		log.Debug().Str("channel", channel).Msg("closed analysis event subscription")
	}
}

// closeTopic tears down t only if it is still the registered topic for
// channel; a later Subscribe may have replaced it.
func (b *RedisEventBus) closeTopic(channel string, t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.topics[channel]; !ok || current != t {
		return
	}
	for subscriber := range t.subscribers {
		close(subscriber)
	}
	delete(b.topics, channel)
	if t.pubsub != nil {
		if err := t.pubsub.Close(); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("failed to close analysis event subscription")
		}
	}
}

// Close stops every subscription and closes all subscriber streams.
func (b *RedisEventBus) Close() error {
	b.cancel()

	b.mu.RLock()
	open := make(map[string]*topic, len(b.topics))
	for channel, t := range b.topics {
		open[channel] = t
	}
	b.mu.RUnlock()

	for channel, t := range open {
		b.closeTopic(channel, t)
	}

	log.Info().Int("channels", len(open)).Msg("event bus closed")
	return nil
}
