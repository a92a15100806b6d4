package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalanalysis/backend/internal/adapters/search"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

func main() {
	var reset bool
	var intervalFlag string
	var file string
	flag.BoolVar(&reset, "reset", false, "delete the existing passages collection before indexing")
	flag.StringVar(&intervalFlag, "interval", "", "repeat interval for reindexing (e.g. 6h, 30m)")
	flag.StringVar(&file, "file", "", "passages file, a JSON array or JSON lines")
	flag.Parse()

	observability.InitLogger("clinical-analysis-indexer", os.Getenv("APP_ENV"))

	if strings.TrimSpace(file) == "" {
		file = strings.TrimSpace(os.Getenv("PASSAGES_FILE"))
	}
	if file == "" {
		log.Fatal().Msg("a passages file is required (--file or PASSAGES_FILE)")
	}

	intervalValue := strings.TrimSpace(intervalFlag)
	if intervalValue == "" {
		intervalValue = strings.TrimSpace(os.Getenv("REINDEX_INTERVAL"))
	}

	var interval time.Duration
	if intervalValue != "" {
		var err error
		interval, err = time.ParseDuration(intervalValue)
		if err != nil {
			log.Fatal().Err(err).Str("interval", intervalValue).Msg("invalid interval")
		}
		if interval <= 0 {
			log.Fatal().Msg("interval must be greater than zero")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := indexOnce(ctx, file, reset); err != nil {
			log.Error().Err(err).Msg("reindex failed")
		}

		if interval <= 0 {
			break
		}

		reset = false
		log.Info().Dur("next_run_in", interval).Msg("reindex complete")

		select {
		case <-ctx.Done():
			log.Info().Msg("reindexer shutting down")
			return
		case <-time.After(interval):
		}
	}
}

func indexOnce(ctx context.Context, path string, reset bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tsClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		return err
	}

	if reset || os.Getenv("RESET_TYPESENSE") == "true" {
		log.Info().Str("collection", tsClient.Collection()).Msg("resetting collection")
		if _, err := tsClient.Client().Collection(tsClient.Collection()).Delete(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to delete collection")
		}
	}

	adapter := search.NewTypesenseAdapter(tsClient)
	if err := adapter.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open passages: %w", err)
	}
	defer f.Close()

	passages, err := search.ReadPassages(f)
	if err != nil {
		return err
	}

	start := time.Now()
	indexed, failed := 0, 0
	for _, p := range passages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := adapter.Index(ctx, p); err != nil {
			failed++
			log.Warn().Err(err).Str("passage_id", p.ID).Msg("failed to index passage")
			continue
		}
		indexed++
	}

	log.Info().
		Int("indexed", indexed).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("passages indexed")
	return nil
}
