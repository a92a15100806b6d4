package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
)

// CacheClearedEvent announces a cache clear to other replicas
type CacheClearedEvent struct {
	Origin     string    `json:"origin"`
	Generation uint64    `json:"generation"`
	ClearedAt  time.Time `json:"cleared_at"`
}

// CacheInvalidationService propagates cache clears between replicas over the event bus
type CacheInvalidationService struct {
	cache      *AnalysisCache
	eventBus   providers.EventBus
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewCacheInvalidationService creates a new cache invalidation service
func NewCacheInvalidationService(cache *AnalysisCache, eventBus providers.EventBus) *CacheInvalidationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheInvalidationService{
		cache:      cache,
		eventBus:   eventBus,
		instanceID: uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this replica in published events
func (s *CacheInvalidationService) InstanceID() string {
	return s.instanceID
}

// Start begins listening for cache clears published by other replicas
func (s *CacheInvalidationService) Start() error {
	eventChan, err := s.eventBus.Subscribe(s.ctx, providers.EventChannelCacheCleared)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cache clears: %w", err)
	}

	go s.processEvents(eventChan)
	log.Info().Str("instance_id", s.instanceID).Msg("Cache invalidation service started")
	return nil
}

// Stop stops the cache invalidation service
func (s *CacheInvalidationService) Stop() {
	s.cancel()
	log.Info().Msg("Cache invalidation service stopped")
}

// Broadcast announces a local clear to the other replicas
func (s *CacheInvalidationService) Broadcast(ctx context.Context) error {
	data, err := json.Marshal(CacheClearedEvent{
		Origin:     s.instanceID,
		Generation: s.cache.Generation(),
		ClearedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache clear: %w", err)
	}
	if err := s.eventBus.Publish(ctx, providers.EventChannelCacheCleared, data); err != nil {
		return fmt.Errorf("failed to publish cache clear: %w", err)
	}
	return nil
}

func (s *CacheInvalidationService) processEvents(eventChan <-chan []byte) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload, ok := <-eventChan:
			if !ok {
				return
			}
			s.handleEvent(payload)
		}
	}
}

// handleEvent drops the local entries unless the clear originated here
func (s *CacheInvalidationService) handleEvent(payload []byte) {
	var event CacheClearedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed cache clear event")
		return
	}
	if event.Origin == s.instanceID {
		return
	}

	generation := s.cache.Invalidate()
	log.Info().
		Str("origin", event.Origin).
		Uint64("generation", generation).
		Msg("Analysis cache invalidated by remote clear")
}
