package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/remitscan/internal/allocator"
	"github.com/ledgerline/remitscan/internal/config"
	"github.com/ledgerline/remitscan/internal/enrich"
	"github.com/ledgerline/remitscan/internal/export"
	"github.com/ledgerline/remitscan/internal/mailbox"
	"github.com/ledgerline/remitscan/internal/pipeline"
	"github.com/ledgerline/remitscan/internal/resilience"
	"github.com/ledgerline/remitscan/internal/store"
	"github.com/ledgerline/remitscan/pkg/vision"
)

// initStore opens and migrates the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newEnricher builds the recognizer from config.
func newEnricher(cfg *config.Config) *enrich.Enricher {
	retry := resilience.DefaultRetryConfig()
	if cfg.Pipeline.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Pipeline.RetryAttempts
	}
	retry.OnRetry = resilience.RetryLogger("vision", "recognize")

	return enrich.New(
		vision.NewClient(cfg.Vision.Key),
		cfg.Vision.Model,
		cfg.Vision.MaxTokens,
		enrich.WithRetry(retry),
		enrich.WithRateLimit(cfg.Vision.RequestsPerMin),
	)
}

// env bundles the wired pipeline and everything it owns.
type env struct {
	Store    store.Store
	Mail     mailbox.Client
	Pipeline *pipeline.Pipeline
}

func (e *env) Close() {
	if e.Mail != nil {
		_ = e.Mail.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initPipeline wires the full cycle: mail, store, recognizer, exporter.
// Missing collaborator settings fail here instead of as a dial error.
func initPipeline(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	mail, err := mailbox.Dial(cfg.Mail)
	if err != nil {
		st.Close()
		return nil, err
	}

	pipe := pipeline.New(
		mail,
		st,
		allocator.New(st),
		newEnricher(cfg),
		export.NewWriter(st, cfg.Pipeline.ExportDir),
		cfg.Pipeline.DownloadDir,
		pipeline.WithConcurrency(cfg.Pipeline.MaxConcurrent),
	)
	return &env{Store: st, Mail: mail, Pipeline: pipe}, nil
}
