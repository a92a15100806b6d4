package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const l2Timeout = 2 * time.Second

// CacheOutcome reports how GetOrCompute satisfied a call
type CacheOutcome string

const (
	OutcomeHit      CacheOutcome = "hit"
	OutcomeShared   CacheOutcome = "shared"
	OutcomeComputed CacheOutcome = "computed"
)

// ComputeFunc produces an analysis result. It runs detached from the caller's cancellation.
type ComputeFunc func(ctx context.Context) (*entities.AnalysisResult, error)

type cacheEntry struct {
	done       chan struct{}
	result     *entities.AnalysisResult
	err        error
	expiresAt  time.Time
	generation uint64
	fromL2     bool
}

// AnalysisCacheConfig configures the result cache
type AnalysisCacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// AnalysisCache is a fingerprinted TTL cache with single-flight computation.
// Finalized results are immutable and shared by every caller.
type AnalysisCache struct {
	cfg AnalysisCacheConfig
	l2  providers.CacheProvider
	now func() time.Time

	mu         sync.Mutex
	entries    map[string]*cacheEntry
	generation uint64
	onRestore  func(*entities.AnalysisResult)
}

// NewAnalysisCache creates a cache. l2 may be nil.
func NewAnalysisCache(cfg AnalysisCacheConfig, l2 providers.CacheProvider) *AnalysisCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "analysis:"
	}
	return &AnalysisCache{
		cfg:     cfg,
		l2:      l2,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

// GetOrCompute returns the cached result for fingerprint, attaches to an
// in-flight computation, or claims the fingerprint and runs compute exactly once.
// Cancelling ctx only abandons the wait; the computation continues.
func (c *AnalysisCache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (*entities.AnalysisResult, CacheOutcome, error) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		select {
		case <-e.done:
			if e.err == nil && c.now().Before(e.expiresAt) {
				c.mu.Unlock()
				return e.result, OutcomeHit, nil
			}
			delete(c.entries, fingerprint)
		default:
			c.mu.Unlock()
			res, err := c.wait(ctx, e)
			return res, OutcomeShared, err
		}
	}

	e := &cacheEntry{done: make(chan struct{}), generation: c.generation}
	c.entries[fingerprint] = e
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), fingerprint, e, compute)

	res, err := c.wait(ctx, e)
	if err == nil && e.fromL2 {
		return res, OutcomeHit, nil
	}
	return res, OutcomeComputed, err
}

// OnRestore sets fn to run once for every result read back from the
// second-level store, before any waiter receives it.
func (c *AnalysisCache) OnRestore(fn func(*entities.AnalysisResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRestore = fn
}

func (c *AnalysisCache) wait(ctx context.Context, e *cacheEntry) (*entities.AnalysisResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, apperrors.NewWaitError(ctx.Err())
	}
}

func (c *AnalysisCache) run(ctx context.Context, fingerprint string, e *cacheEntry, compute ComputeFunc) {
	result, fromL2 := c.loadL2(ctx, fingerprint)
	var err error
	if result == nil {
		result, err = c.safeCompute(ctx, compute)
	}

	c.mu.Lock()
	current := c.entries[fingerprint] == e
	if err != nil || result == nil {
		if err == nil {
			err = apperrors.NewInternalError("analysis produced no result", nil)
		}
		e.err = err
		if current {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		close(e.done)
		return
	}
	e.result = result
	e.fromL2 = fromL2
	e.expiresAt = c.now().Add(c.cfg.TTL)
	stale := e.generation != c.generation || !current
	if stale && current {
		delete(c.entries, fingerprint)
	}
	restore := c.onRestore
	c.mu.Unlock()

	if fromL2 && restore != nil {
		restore(result)
	}
	close(e.done)

	if !stale && !fromL2 {
		c.storeL2(ctx, fingerprint, result)
	}
}

func (c *AnalysisCache) safeCompute(ctx context.Context, compute ComputeFunc) (result *entities.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("analysis computation panicked: %v", r), nil)
		}
	}()
	return compute(ctx)
}

func (c *AnalysisCache) l2Key(fingerprint string) string {
	return c.cfg.KeyPrefix + fingerprint
}

// loadL2 consults the second-level store. Unreadable entries are evicted and reported as corruption.
func (c *AnalysisCache) loadL2(ctx context.Context, fingerprint string) (*entities.AnalysisResult, bool) {
	if c.l2 == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, l2Timeout)
	defer cancel()

	key := c.l2Key(fingerprint)
	data, err := c.l2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("second-level cache read failed")
		}
		return nil, false
	}

	var result entities.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil || result.ID == "" || result.Fingerprint != fingerprint {
		if err == nil {
			err = errors.New("entry does not match fingerprint")
		}
		corruption := apperrors.NewCacheCorruptionError(key, err)
		log.Warn().
			Err(corruption).
			Str("error_type", string(apperrors.ErrorTypeCacheCorruption)).
			Str("fingerprint", fingerprint).
			Msg("evicting corrupt cache entry")
		if delErr := c.l2.Delete(ctx, key); delErr != nil {
			log.Warn().Err(delErr).Str("key", key).Msg("failed to evict corrupt cache entry")
		}
		return nil, false
	}
	return &result, true
}

func (c *AnalysisCache) storeL2(ctx context.Context, fingerprint string, result *entities.AnalysisResult) {
	if c.l2 == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to encode analysis result")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l2Timeout)
	defer cancel()
	if err := c.l2.Set(ctx, c.l2Key(fingerprint), data, c.cfg.TTL); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("second-level cache write failed")
	}
}

// Clear drops every entry and starts a new generation. Computations still in
// flight deliver to their waiters but are not stored.
func (c *AnalysisCache) Clear(ctx context.Context) error {
	c.Invalidate()

	if c.l2 == nil {
		return nil
	}
	if err := c.l2.DeletePrefix(ctx, c.cfg.KeyPrefix); err != nil {
		return apperrors.NewExternalError("failed to clear second-level cache", err)
	}
	return nil
}

// Invalidate drops the in-memory entries only and returns the new generation.
func (c *AnalysisCache) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.generation++
	return c.generation
}

// Sweep removes expired entries and returns how many were removed.
func (c *AnalysisCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fp, e := range c.entries {
		select {
		case <-e.done:
			if !now.Before(e.expiresAt) {
				delete(c.entries, fp)
				removed++
			}
		default:
		}
	}
	return removed
}

// Len returns the number of live or in-flight entries.
func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Generation returns the current cache generation.
func (c *AnalysisCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
