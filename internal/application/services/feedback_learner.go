package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const archiveTimeout = 5 * time.Second

// AdapterWeightUpdater applies weight deltas to adapters
type AdapterWeightUpdater interface {
	UpdateWeight(id string, delta float64) (float64, error)
}

// FeedbackLearnerConfig holds the learner settings
type FeedbackLearnerConfig struct {
	LearningRate  float64
	WeightFloor   float64
	QueueSize     int
	MaxBuckets    int
	MaxSources    int
	ResultHistory int
}

// IssuedResult is what the learner remembers about a result it may receive feedback for
type IssuedResult struct {
	ResultID   string
	Bucket     string
	AdapterIDs []string
	Sources    []string
	Text       string
}

// LearnerSnapshot is a point-in-time view of the learner state
type LearnerSnapshot struct {
	SourceWeights  map[string]float64     `json:"source_weights"`
	Buckets        []entities.BucketStats `json:"buckets"`
	TrackedResults int                    `json:"tracked_results"`
	QueueDepth     int                    `json:"queue_depth"`
}

// FeedbackLearner ingests feedback events and adjusts adapter and evidence-source
// weights on a dedicated worker. Ingest never blocks.
type FeedbackLearner struct {
	cfg      FeedbackLearnerConfig
	adapters AdapterWeightUpdater
	archive  providers.FeedbackArchive
	metrics  *observability.Metrics
	now      func() time.Time

	results *lru.Cache[string, IssuedResult]
	seen    *lru.Cache[string, struct{}]

	mu            sync.RWMutex
	buckets       *lru.Cache[string, *entities.BucketStats]
	sourceWeights *lru.Cache[string, float64]

	queueMu sync.RWMutex
	closed  bool
	queue   chan entities.FeedbackEvent
	done    chan struct{}
}

// NewFeedbackLearner creates a learner and starts its worker. archive and metrics may be nil.
func NewFeedbackLearner(cfg FeedbackLearnerConfig, adapters AdapterWeightUpdater, archive providers.FeedbackArchive, metrics *observability.Metrics) (*FeedbackLearner, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 512
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 2048
	}
	if cfg.ResultHistory <= 0 {
		cfg.ResultHistory = 4096
	}
	if cfg.WeightFloor < 0 {
		cfg.WeightFloor = 0
	}

	results, err := lru.New[string, IssuedResult](cfg.ResultHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to create result history: %w", err)
	}
	seen, err := lru.New[string, struct{}](cfg.ResultHistory * 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create event history: %w", err)
	}
	buckets, err := lru.New[string, *entities.BucketStats](cfg.MaxBuckets)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket cache: %w", err)
	}
	sourceWeights, err := lru.New[string, float64](cfg.MaxSources)
	if err != nil {
		return nil, fmt.Errorf("failed to create source weight cache: %w", err)
	}

	l := &FeedbackLearner{
		cfg:           cfg,
		adapters:      adapters,
		archive:       archive,
		metrics:       metrics,
		now:           time.Now,
		results:       results,
		seen:          seen,
		buckets:       buckets,
		sourceWeights: sourceWeights,
		queue:         make(chan entities.FeedbackEvent, cfg.QueueSize),
		done:          make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// RegisterResult records an issued result as a valid feedback target.
func (l *FeedbackLearner) RegisterResult(result *entities.AnalysisResult) {
	if result == nil || result.ID == "" {
		return
	}
	text := result.Answer
	if len(result.Recommendations) > 0 {
		text += " " + strings.Join(result.Recommendations, " ")
	}
	l.results.Add(result.ID, IssuedResult{
		ResultID:   result.ID,
		Bucket:     result.Specialty,
		AdapterIDs: result.AdapterIDs(),
		Sources:    result.EvidenceSources(),
		Text:       strings.TrimSpace(text),
	})
}

// Ingest validates an event and queues it for the worker.
func (l *FeedbackLearner) Ingest(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error) {
	logger := observability.LoggerFromContext(ctx)

	if strings.TrimSpace(event.ResultID) == "" {
		return entities.FeedbackAck{}, apperrors.NewValidationError("result_id is required")
	}
	ft, ok := entities.ParseFeedbackType(string(event.Type))
	if !ok {
		return entities.FeedbackAck{}, apperrors.NewValidationError(fmt.Sprintf("unknown feedback type %q", event.Type))
	}
	event.Type = ft
	if ft == entities.FeedbackCorrection && strings.TrimSpace(event.CorrectionText) == "" {
		return entities.FeedbackAck{}, apperrors.NewValidationError("correction_text is required for correction feedback")
	}

	if !l.results.Contains(event.ResultID) {
		logger.Warn().
			Str("result_id", event.ResultID).
			Str("error_type", string(apperrors.ErrorTypeUnknownFeedbackTarget)).
			Msg("feedback rejected")
		observability.RecordFeedback(ctx, l.metrics, "rejected")
		return entities.FeedbackAck{}, apperrors.NewUnknownFeedbackTargetError(event.ResultID)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}
	ack := entities.FeedbackAck{EventID: event.ID, ResultID: event.ResultID}

	if found, _ := l.seen.ContainsOrAdd(event.ID, struct{}{}); found {
		ack.Status = entities.FeedbackStatusDuplicate
		observability.RecordFeedback(ctx, l.metrics, "duplicate")
		return ack, nil
	}

	l.queueMu.RLock()
	defer l.queueMu.RUnlock()
	if l.closed {
		l.seen.Remove(event.ID)
		return entities.FeedbackAck{}, apperrors.NewFeedbackQueueFullError()
	}
	select {
	case l.queue <- event:
	default:
		l.seen.Remove(event.ID)
		logger.Warn().
			Str("result_id", event.ResultID).
			Str("event_id", event.ID).
			Str("error_type", string(apperrors.ErrorTypeFeedbackQueueFull)).
			Msg("feedback dropped")
		observability.RecordFeedback(ctx, l.metrics, "dropped")
		return entities.FeedbackAck{}, apperrors.NewFeedbackQueueFullError()
	}

	observability.RecordFeedback(ctx, l.metrics, "queued")
	ack.Status = entities.FeedbackStatusQueued
	return ack, nil
}

func (l *FeedbackLearner) run() {
	defer close(l.done)
	for event := range l.queue {
		l.apply(event)
	}
}

func (l *FeedbackLearner) apply(event entities.FeedbackEvent) {
	issued, ok := l.results.Get(event.ResultID)
	if !ok {
		log.Warn().Str("result_id", event.ResultID).Msg("feedback target evicted before processing")
		return
	}

	reward := feedbackReward(event, issued.Text)
	delta := l.cfg.LearningRate * reward
	now := l.now()

	for _, id := range issued.AdapterIDs {
		if l.adapters == nil {
			break
		}
		if _, err := l.adapters.UpdateWeight(id, delta); err != nil {
			log.Warn().Err(err).Str("adapter_id", id).Msg("adapter weight update failed")
		}
	}

	l.mu.Lock()
	for _, s := range issued.Sources {
		w, ok := l.sourceWeights.Get(s)
		if !ok {
			w = 1
		}
		w += delta
		if w < l.cfg.WeightFloor {
			w = l.cfg.WeightFloor
		}
		l.sourceWeights.Add(s, w)
	}

	stats, ok := l.buckets.Get(issued.Bucket)
	if !ok {
		stats = &entities.BucketStats{Bucket: issued.Bucket, Components: make(map[string]entities.ComponentCounts)}
		l.buckets.Add(issued.Bucket, stats)
	}
	components := make([]string, 0, len(issued.AdapterIDs)+len(issued.Sources))
	for _, id := range issued.AdapterIDs {
		components = append(components, "adapter:"+id)
	}
	for _, s := range issued.Sources {
		components = append(components, "source:"+s)
	}
	for _, key := range components {
		c := stats.Components[key]
		switch event.Type {
		case entities.FeedbackPositive:
			c.Positive++
		case entities.FeedbackNegative:
			c.Negative++
		case entities.FeedbackCorrection:
			c.Corrections++
		}
		c.CumulativeReward += reward
		c.LastDelta = delta
		stats.Components[key] = c
	}
	stats.UpdatedAt = now
	l.mu.Unlock()

	observability.RecordFeedback(context.Background(), l.metrics, "applied")
	log.Info().
		Str("event_id", event.ID).
		Str("result_id", event.ResultID).
		Str("bucket", issued.Bucket).
		Float64("reward", reward).
		Float64("delta", delta).
		Msg("feedback applied")

	if l.archive != nil {
		record := &entities.FeedbackRecord{
			Event:      event,
			Bucket:     issued.Bucket,
			Reward:     reward,
			AdapterIDs: issued.AdapterIDs,
			Sources:    issued.Sources,
			AppliedAt:  now,
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := l.archive.Archive(ctx, record); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Msg("feedback archive failed")
		}
		cancel()
	}
}

// feedbackReward maps an event to a signed reward in [-1, 1].
func feedbackReward(event entities.FeedbackEvent, original string) float64 {
	switch event.Type {
	case entities.FeedbackPositive:
		return 1
	case entities.FeedbackNegative:
		return -1
	case entities.FeedbackCorrection:
		return -(1 - jaccardSimilarity(event.CorrectionText, original))
	}
	return 0
}

func jaccardSimilarity(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		set[f] = struct{}{}
	}
	return set
}

// SourceWeight returns the learned weight of an evidence source, 1 when unseen.
func (l *FeedbackLearner) SourceWeight(source string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if w, ok := l.sourceWeights.Peek(source); ok {
		return w
	}
	return 1
}

// BucketStats returns a copy of the counters of one bucket.
func (l *FeedbackLearner) BucketStats(bucket string) (entities.BucketStats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats, ok := l.buckets.Peek(bucket)
	if !ok {
		return entities.BucketStats{}, false
	}
	return copyBucketStats(stats), true
}

// Snapshot returns the current learner state.
func (l *FeedbackLearner) Snapshot() LearnerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	weights := make(map[string]float64, l.sourceWeights.Len())
	for _, k := range l.sourceWeights.Keys() {
		if v, ok := l.sourceWeights.Peek(k); ok {
			weights[k] = v
		}
	}
	var buckets []entities.BucketStats
	for _, key := range l.buckets.Keys() {
		if stats, ok := l.buckets.Peek(key); ok {
			buckets = append(buckets, copyBucketStats(stats))
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket < buckets[j].Bucket })

	return LearnerSnapshot{
		SourceWeights:  weights,
		Buckets:        buckets,
		TrackedResults: l.results.Len(),
		QueueDepth:     len(l.queue),
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
func (l *FeedbackLearner) Close(ctx context.Context) error {
	l.queueMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.queueMu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyBucketStats(s *entities.BucketStats) entities.BucketStats {
	out := entities.BucketStats{Bucket: s.Bucket, UpdatedAt: s.UpdatedAt, Components: make(map[string]entities.ComponentCounts, len(s.Components))}
	for k, v := range s.Components {
		out.Components[k] = v
	}
	return out
}
