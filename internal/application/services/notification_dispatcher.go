package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/retry"
)

// NotificationDispatcherConfig configures delivery
type NotificationDispatcherConfig struct {
	Enabled         bool
	QueueSize       int
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
}

type channelCounters struct {
	delivered atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// NotificationDispatcher fans completed results out to external channels off the request path
type NotificationDispatcher struct {
	cfg      NotificationDispatcherConfig
	channels []providers.NotificationChannel
	counters map[string]*channelCounters
	dropped  atomic.Uint64
	metrics  *observability.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan *entities.Notification
	done   chan struct{}
}

// NewNotificationDispatcher creates a dispatcher and starts its worker
func NewNotificationDispatcher(cfg NotificationDispatcherConfig, metrics *observability.Metrics, channels ...providers.NotificationChannel) *NotificationDispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 60 * time.Second
	}

	counters := make(map[string]*channelCounters, len(channels))
	for _, ch := range channels {
		counters[ch.Name()] = &channelCounters{}
	}

	d := &NotificationDispatcher{
		cfg:      cfg,
		channels: channels,
		counters: counters,
		metrics:  metrics,
		queue:    make(chan *entities.Notification, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// NotificationFromResult builds the notification payload for a result
func NotificationFromResult(result *entities.AnalysisResult) *entities.Notification {
	codes := make([]string, 0, len(result.Alerts))
	for _, a := range result.Alerts {
		codes = append(codes, a.Code)
	}
	summary := fmt.Sprintf("Patient %s: %d alert(s), highest severity %s", result.PatientID, len(result.Alerts), result.HighestSeverity)
	if len(result.Alerts) > 0 {
		summary += ". " + result.Alerts[0].Message
	}
	if result.IsDegraded() {
		summary += " (best-effort result)"
	}
	return &entities.Notification{
		CorrelationID:   result.CorrelationID,
		ResultID:        result.ID,
		PatientID:       result.PatientID,
		Specialty:       result.Specialty,
		HighestSeverity: result.HighestSeverity,
		AlertCodes:      codes,
		Degraded:        result.IsDegraded(),
		Summary:         summary,
		CreatedAt:       result.CompletedAt,
	}
}

// Dispatch enqueues a result for delivery without blocking. It reports whether the
// notification was accepted.
func (d *NotificationDispatcher) Dispatch(result *entities.AnalysisResult) bool {
	if !d.cfg.Enabled || len(d.channels) == 0 || result == nil {
		return false
	}
	n := NotificationFromResult(result)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.dropped.Add(1)
		observability.RecordNotificationDropped(context.Background(), d.metrics)
		log.Warn().
			Str("correlation_id", n.CorrelationID).
			Str("result_id", n.ResultID).
			Msg("notification queue full, dropping notification")
		return false
	}
}

func (d *NotificationDispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

// deliver sends n to every channel concurrently. A failing channel never affects the others.
func (d *NotificationDispatcher) deliver(n *entities.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "notification.deliver")
	defer span.End()

	var g errgroup.Group
	for _, ch := range d.channels {
		g.Go(func() error {
			d.deliverTo(ctx, ch, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *NotificationDispatcher) deliverTo(ctx context.Context, ch providers.NotificationChannel, n *entities.Notification) {
	name := ch.Name()
	counters := d.counters[name]
	logger := log.With().
		Str("channel", name).
		Str("correlation_id", n.CorrelationID).
		Str("result_id", n.ResultID).
		Logger()

	if f, ok := ch.(providers.SeverityFilter); ok && !n.HighestSeverity.AtLeast(f.MinSeverity()) {
		counters.skipped.Add(1)
		return
	}

	cfg := retry.WithRetries(d.cfg.MaxRetries, d.cfg.InitialBackoff)
	cfg.MaxDelay = d.cfg.MaxBackoff
	err := retry.DoWithLog(ctx, cfg, name, func(ctx context.Context) error {
		return ch.Send(ctx, n)
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("notification delivery failed, retrying")
	})

	observability.RecordNotification(ctx, d.metrics, name, err)
	if err != nil {
		counters.failed.Add(1)
		logger.Error().
			Err(apperrors.NewNotificationDeliveryError(name, err)).
			Str("error_type", string(apperrors.ErrorTypeNotificationDelivery)).
			Msg("notification delivery abandoned")
		return
	}
	counters.delivered.Add(1)
	logger.Debug().Msg("notification delivered")
}

// Stats returns delivery counters per channel
func (d *NotificationDispatcher) Stats() map[string]entities.ChannelStats {
	out := make(map[string]entities.ChannelStats, len(d.counters))
	for name, c := range d.counters {
		out[name] = entities.ChannelStats{
			Delivered: c.delivered.Load(),
			Failed:    c.failed.Load(),
			Skipped:   c.skipped.Load(),
		}
	}
	return out
}

// Dropped returns how many notifications were dropped because the queue was full
func (d *NotificationDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting notifications and waits for queued ones to be delivered
func (d *NotificationDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
