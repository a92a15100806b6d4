package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
)

// BreakerConfig configures a circuit breaker around an external collaborator
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// BreakerIndex guards a KnowledgeIndex with a circuit breaker
type BreakerIndex struct {
	next    providers.KnowledgeIndex
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerIndex wraps next
func NewBreakerIndex(next providers.KnowledgeIndex, cfg BreakerConfig) *BreakerIndex {
	if cfg.Name == "" {
		cfg.Name = "knowledge-index"
	}
	return &BreakerIndex{next: next, breaker: newBreaker(cfg)}
}

// Search delegates to the wrapped index unless the breaker is open
func (b *BreakerIndex) Search(ctx context.Context, query string, limit int) ([]entities.SearchHit, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Search(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]entities.SearchHit), nil
}

// State reports the breaker state
func (b *BreakerIndex) State() gobreaker.State {
	return b.breaker.State()
}

// BreakerGenerator guards a GenerationProvider with a circuit breaker
type BreakerGenerator struct {
	next    providers.GenerationProvider
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerGenerator wraps next
func NewBreakerGenerator(next providers.GenerationProvider, cfg BreakerConfig) *BreakerGenerator {
	if cfg.Name == "" {
		cfg.Name = "generation"
	}
	return &BreakerGenerator{next: next, breaker: newBreaker(cfg)}
}

// Complete delegates to the wrapped generator unless the breaker is open.
// Partial text returned alongside an error is preserved.
func (b *BreakerGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	var partial string
	_, err := b.breaker.Execute(func() (interface{}, error) {
		text, err := b.next.Complete(ctx, prompt)
		partial = text
		return nil, err
	})
	return partial, err
}

// State reports the breaker state
func (b *BreakerGenerator) State() gobreaker.State {
	return b.breaker.State()
}
