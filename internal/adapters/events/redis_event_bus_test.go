package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisclient "github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/redis"
)

func newTestBus() *RedisEventBus {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return NewRedisEventBus(redisclient.Wrap(rdb)).(*RedisEventBus)
}

func TestRedisEventBus_BroadcastFansOutAndSkipsFullSubscribers(t *testing.T) {
	b := newTestBus()
	fast := make(chan []byte, 1)
	full := make(chan []byte)
	b.topics["analysis:completed"] = &topic{subscribers: map[chan []byte]struct{}{fast: {}, full: {}}}

	b.broadcast("analysis:completed", []byte(`{"result_id":"r-1"}`))
	b.broadcast("analysis:unknown", []byte(`{}`))

	select {
	case got := <-fast:
		assert.JSONEq(t, `{"result_id":"r-1"}`, string(got))
	default:
		t.Fatal("subscriber did not receive payload")
	}
	assert.Equal(t, int64(1), b.Dropped())
}

func TestRedisEventBus_RemoveSubscriberClosesChannel(t *testing.T) {
	b := newTestBus()
	sub := make(chan []byte, 1)
	b.topics["analysis:completed"] = &topic{subscribers: map[chan []byte]struct{}{sub: {}}}

	b.removeSubscriber("analysis:completed", sub)
	b.removeSubscriber("analysis:completed", sub)

	_, open := <-sub
	assert.False(t, open)
	assert.NotContains(t, b.topics, "analysis:completed")
}

func TestRedisEventBus_CloseTopicIgnoresReplacedTopic(t *testing.T) {
	b := newTestBus()
	oldSub := make(chan []byte, 1)
	newSub := make(chan []byte, 1)
	stale := &topic{subscribers: map[chan []byte]struct{}{oldSub: {}}}
	current := &topic{subscribers: map[chan []byte]struct{}{newSub: {}}}
	b.topics["analysis:completed"] = current

	b.closeTopic("analysis:completed", stale)
	assert.Same(t, current, b.topics["analysis:completed"])

	b.closeTopic("analysis:completed", current)
	_, open := <-newSub
	assert.False(t, open)
	assert.Empty(t, b.topics)
}

func TestRedisEventBus_RejectsEmptyPayloadAndClosedBus(t *testing.T) {
	b := newTestBus()
	assert.Error(t, b.Publish(context.Background(), "analysis:completed", nil))

	require.NoError(t, b.Close())
	_, err := b.Subscribe(context.Background(), "analysis:completed")
	assert.Error(t, err)
}

func TestRedisEventBus_PublishSubscribe(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	bus := NewRedisEventBus(redisclient.Wrap(rdb))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "analysis:test")
	require.NoError(t, err)

	// give the subscription time to register with the server
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Publish(ctx, "analysis:test", []byte("hello")))

	select {
	case got := <-ch:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
