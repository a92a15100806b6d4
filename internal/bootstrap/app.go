// Package bootstrap assembles the analysis service and its collaborators from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/cache"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/catalog"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/database"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/events"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/patients"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/search"
	"github.com/zatekoja/clinicalanalysis/backend/internal/application/services"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/openai"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/notifications"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

// Overrides replaces externally backed collaborators. Nil fields are built from config.
type Overrides struct {
	Index     providers.KnowledgeIndex
	Generator providers.GenerationProvider
	Patients  providers.PatientSource
	Archive   providers.FeedbackArchive
	EventBus  providers.EventBus
	L2        providers.CacheProvider
	Channels  []providers.NotificationChannel
}

// App is the assembled object graph
type App struct {
	Config       *config.Config
	Service      *services.AnalysisService
	Cache        *services.AnalysisCache
	Registry     *services.AdapterRegistry
	Learner      *services.FeedbackLearner
	Dispatcher   *services.NotificationDispatcher
	Invalidation *services.CacheInvalidationService
	EventBus     providers.EventBus
	L2           providers.CacheProvider
	Metrics      *observability.Metrics

	closers []func(context.Context) error
}

// Build wires every component. Optional backends that fail to connect are logged and skipped.
func Build(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, ov Overrides) (*App, error) {
	app := &App{Config: cfg, Metrics: metrics}

	riskCfg, err := catalog.LoadRiskConfig(cfg.Risk.RulesPath, cfg.Risk)
	if err != nil {
		return nil, err
	}
	adapterCatalog, err := catalog.LoadAdapterCatalog(cfg.Adapters.CatalogPath)
	if err != nil {
		return nil, err
	}

	registry := services.NewAdapterRegistry(services.AdapterRegistryConfig{
		MaxLoaded:        cfg.Adapters.MaxLoaded,
		CompositionLimit: cfg.Adapters.CompositionLimit,
		WeightFloor:      cfg.Feedback.WeightFloor,
	})
	for _, def := range adapterCatalog.Enabled() {
		adapter := services.NewPromptAdapter(def.ID, def.Specialties, def.Keywords, def.Instructions)
		if err := registry.Register(adapter, def.Weight); err != nil {
			return nil, fmt.Errorf("failed to register adapter %s: %w", def.ID, err)
		}
	}
	app.Registry = registry

	var pgClient *postgres.Client
	if cfg.Database.Enabled && (ov.Archive == nil || (ov.Patients == nil && cfg.Patients.Backend == "postgres")) {
		pgClient, err = postgres.NewClient(ctx, &cfg.Database)
		if err != nil {
			if cfg.Patients.Backend == "postgres" && ov.Patients == nil {
				return nil, fmt.Errorf("patient database unavailable: %w", err)
			}
			log.Warn().Err(err).Msg("PostgreSQL unavailable, feedback archive disabled")
		} else {
			app.closers = append(app.closers, func(context.Context) error { return pgClient.Close() })
		}
	}

	archive := ov.Archive
	if archive == nil && pgClient != nil {
		fa := database.NewFeedbackAdapter(pgClient)
		if err := fa.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to ensure feedback schema")
		}
		archive = fa
	}

	patientSource := ov.Patients
	if patientSource == nil {
		switch cfg.Patients.Backend {
		case "postgres":
			if pgClient == nil {
				return nil, errors.New("PATIENT_SOURCE=postgres requires a database connection")
			}
			pa := database.NewPatientBundleAdapter(pgClient)
			if err := pa.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to ensure patient bundle schema")
			}
			patientSource = pa
		default:
			patientSource = patients.NewFileSource(cfg.Patients.BundleDir)
		}
	}

	l2, bus := ov.L2, ov.EventBus
	if cfg.Redis.Enabled && (l2 == nil || bus == nil) {
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, running with in-memory cache only")
		} else {
			app.closers = append(app.closers, func(context.Context) error { return redisClient.Close() })
			if l2 == nil {
				l2 = cache.NewRedisAdapter(redisClient)
			}
			if bus == nil {
				bus = events.NewRedisEventBus(redisClient)
			}
		}
	}
	app.EventBus = bus
	app.L2 = l2
	if bus != nil {
		app.closers = append(app.closers, func(context.Context) error { return bus.Close() })
	}

	index := ov.Index
	if index == nil && cfg.Typesense.Enabled {
		tsClient, err := typesense.NewClient(&cfg.Typesense)
		if err != nil {
			log.Warn().Err(err).Msg("Typesense unavailable, evidence retrieval disabled")
		} else {
			adapter := search.NewTypesenseAdapter(tsClient)
			if err := adapter.InitSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to init Typesense schema")
			}
			index = adapter
		}
	}
	if index != nil {
		index = services.NewBreakerIndex(index, services.BreakerConfig{Name: "knowledge-index"})
	}

	generator := ov.Generator
	if generator == nil && cfg.OpenAI.APIKey != "" {
		client, err := openai.NewClient(&cfg.OpenAI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize OpenAI client, reasoning disabled")
		} else {
			generator = client
		}
	}
	if generator == nil {
		log.Warn().Msg("no generation service configured, reasoning will be degraded")
	} else {
		generator = services.NewBreakerGenerator(generator, services.BreakerConfig{Name: "generation"})
	}

	learner, err := services.NewFeedbackLearner(services.FeedbackLearnerConfig{
		LearningRate:  cfg.Feedback.LearningRate,
		WeightFloor:   cfg.Feedback.WeightFloor,
		QueueSize:     cfg.Feedback.QueueSize,
		MaxBuckets:    cfg.Feedback.MaxBuckets,
		MaxSources:    cfg.Feedback.MaxSources,
		ResultHistory: cfg.Feedback.ResultHistory,
	}, registry, archive, metrics)
	if err != nil {
		return nil, err
	}
	app.Learner = learner
	app.closers = append(app.closers, learner.Close)

	channels := ov.Channels
	if channels == nil {
		channels = buildChannels(&cfg.Notification, bus)
	}
	dispatcher := services.NewNotificationDispatcher(services.NotificationDispatcherConfig{
		Enabled:         cfg.Notification.Enabled,
		QueueSize:       cfg.Notification.QueueSize,
		MaxRetries:      cfg.Notification.MaxRetries,
		InitialBackoff:  cfg.Notification.InitialBackoff,
		DeliveryTimeout: cfg.Notification.DeliveryTotalTimeout,
	}, metrics, channels...)
	app.Dispatcher = dispatcher
	app.closers = append(app.closers, dispatcher.Close)

	analysisCache := services.NewAnalysisCache(services.AnalysisCacheConfig{
		TTL:       cfg.Analysis.CacheTTL,
		KeyPrefix: cfg.Analysis.CacheKeyPrefix,
	}, l2)
	app.Cache = analysisCache

	orchestrator := services.NewAnalysisOrchestrator(services.AnalysisOrchestratorConfig{
		Timeout:             cfg.Analysis.Timeout,
		EvidenceBudgetShare: cfg.Analysis.EvidenceBudgetShare,
		EvidenceLimit:       cfg.Analysis.EvidenceLimit,
	}, services.OrchestratorDeps{
		Cache:      analysisCache,
		Registry:   registry,
		Evidence:   services.NewEvidenceRetriever(index, learner),
		Reasoning:  services.NewReasoningEngine(generator),
		Scorer:     services.NewRiskScorer(riskCfg),
		Alerts:     services.NewAlertGenerator(riskCfg),
		Learner:    learner,
		Dispatcher: dispatcher,
		Patients:   patientSource,
		Metrics:    metrics,
	})

	var opts []services.AnalysisServiceOption
	if bus != nil {
		inv := services.NewCacheInvalidationService(analysisCache, bus)
		if err := inv.Start(); err != nil {
			log.Warn().Err(err).Msg("failed to start cache invalidation service")
		} else {
			app.Invalidation = inv
			opts = append(opts, services.WithCacheBroadcaster(inv))
		}
	}

	app.Service = services.NewAnalysisService(orchestrator, analysisCache, registry, learner, opts...)

	log.Info().
		Int("adapters", len(adapterCatalog.Enabled())).
		Bool("evidence_index", index != nil).
		Bool("generation", generator != nil).
		Bool("l2_cache", l2 != nil).
		Bool("event_bus", bus != nil).
		Bool("feedback_archive", archive != nil).
		Int("notification_channels", len(channels)).
		Str("patient_source", cfg.Patients.Backend).
		Msg("analysis service assembled")
	return app, nil
}

func buildChannels(cfg *config.NotificationConfig, bus providers.EventBus) []providers.NotificationChannel {
	var channels []providers.NotificationChannel
	if cfg.LogChannelEnabled {
		channels = append(channels, notifications.NewLogChannel(log.Logger))
	}
	if cfg.WebhookURL != "" {
		ch, err := notifications.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("webhook channel disabled")
		} else {
			channels = append(channels, ch)
		}
	}
	if cfg.WhatsAppToken != "" {
		ch, err := notifications.NewWhatsAppCloudSender(notifications.WhatsAppConfig{
			AccessToken:   cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneID,
			Recipient:     cfg.WhatsAppRecipient,
			MinSeverity:   entities.ParseSeverity(cfg.MinSeverityWhatsApp),
		})
		if err != nil {
			log.Warn().Err(err).Msg("WhatsApp channel disabled")
		} else {
			channels = append(channels, ch)
		}
	}
	if cfg.EventBusEnabled && bus != nil {
		channels = append(channels, notifications.NewEventBusChannel(bus))
	}
	return channels
}

// Close drains the workers, then releases connections in reverse build order
func (a *App) Close(ctx context.Context) error {
	if a.Invalidation != nil {
		a.Invalidation.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunSweeper evicts expired cache entries every interval until ctx is done
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Cache.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("expired analysis results swept")
			}
		}
	}
}
