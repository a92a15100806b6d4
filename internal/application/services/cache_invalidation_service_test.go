package services_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicalanalysis/backend/internal/application/services"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
)

// MockEventBus delivers published payloads to in-process subscribers
type MockEventBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan []byte
	published   map[string][][]byte
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		subscribers: make(map[string][]chan []byte),
		published:   make(map[string][][]byte),
	}
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []byte, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MockEventBus) Close() error { return nil }

func (m *MockEventBus) publishedTo(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[channel]...)
}

func seedCache(t *testing.T, cache *services.AnalysisCache) {
	t.Helper()
	_, _, err := cache.GetOrCompute(context.Background(), "fp-1", func(ctx context.Context) (*entities.AnalysisResult, error) {
		return &entities.AnalysisResult{ID: "r-1", Fingerprint: "fp-1"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())
}

func TestCacheInvalidationService_RemoteClearDropsEntries(t *testing.T) {
	bus := NewMockEventBus()
	local := services.NewAnalysisCache(services.AnalysisCacheConfig{TTL: time.Minute}, nil)
	remote := services.NewAnalysisCache(services.AnalysisCacheConfig{TTL: time.Minute}, nil)
	seedCache(t, local)
	seedCache(t, remote)

	localSvc := services.NewCacheInvalidationService(local, bus)
	remoteSvc := services.NewCacheInvalidationService(remote, bus)
	require.NoError(t, localSvc.Start())
	require.NoError(t, remoteSvc.Start())
	defer localSvc.Stop()
	defer remoteSvc.Stop()

	require.NoError(t, remote.Clear(context.Background()))
	require.NoError(t, remoteSvc.Broadcast(context.Background()))

	assert.Eventually(t, func() bool { return local.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), local.Generation())
	assert.Equal(t, uint64(1), remote.Generation(), "origin ignores its own event")
}

func TestCacheInvalidationService_BroadcastPayload(t *testing.T) {
	bus := NewMockEventBus()
	cache := services.NewAnalysisCache(services.AnalysisCacheConfig{}, nil)
	svc := services.NewCacheInvalidationService(cache, bus)
	cache.Invalidate()

	require.NoError(t, svc.Broadcast(context.Background()))

	published := bus.publishedTo(providers.EventChannelCacheCleared)
	require.Len(t, published, 1)
	var event services.CacheClearedEvent
	require.NoError(t, json.Unmarshal(published[0], &event))
	assert.Equal(t, svc.InstanceID(), event.Origin)
	assert.Equal(t, uint64(1), event.Generation)
}

func TestCacheInvalidationService_MalformedEventIgnored(t *testing.T) {
	bus := NewMockEventBus()
	cache := services.NewAnalysisCache(services.AnalysisCacheConfig{TTL: time.Minute}, nil)
	seedCache(t, cache)
	svc := services.NewCacheInvalidationService(cache, bus)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	require.NoError(t, bus.Publish(context.Background(), providers.EventChannelCacheCleared, []byte("not json")))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, cache.Len())
	assert.Zero(t, cache.Generation())
}
