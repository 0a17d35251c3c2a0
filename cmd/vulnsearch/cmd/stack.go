package cmd

import (
	"errors"
	"log/slog"

	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/config"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/search"
	"github.com/Aman-CERP/vulnsearch/internal/store"
	"github.com/Aman-CERP/vulnsearch/internal/telemetry"
)

// stack is the wired set of components every data command works against.
// The coordinator is the catalog's syncer and the only index writer.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	reg     *store.Registry
	coord   *index.Coordinator
	cat     *catalog.Catalog
	fed     *search.Federator
	maint   *index.Maintainer
	checker *index.ConsistencyChecker
}

// openStack opens the indices and the catalog described by cfg. The data
// directory lock is held until Close.
func openStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := telemetry.New()

	reg, err := store.OpenRegistry(store.Options{
		Dir:       cfg.Index.Dir,
		Backend:   cfg.Index.Backend,
		BatchSize: cfg.Index.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	delay := cfg.RetryDelay()
	coord := index.NewCoordinator(index.CoordinatorConfig{
		Indices: reg,
		Retry: verrors.RetryConfig{
			MaxRetries:   cfg.Sync.MaxRetries,
			InitialDelay: delay,
			MaxDelay:     16 * delay,
			Multiplier:   2,
		},
		Logger:   logger,
		Observer: m.SyncObserver(),
	})

	cat, err := catalog.Open(catalog.Options{
		Path:            cfg.Catalog.Path,
		Syncer:          coord,
		BreakerFailures: cfg.Sync.BreakerFailures,
		BreakerReset:    cfg.BreakerReset(),
		Logger:          logger,
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	fed, err := search.NewFederator(reg, search.Config{
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		CacheSize:    cfg.Search.CacheSize,
		Logger:       logger,
		Observer:     m.SearchObserver(),
	})
	if err != nil {
		_ = cat.Close()
		_ = reg.Close()
		return nil, err
	}

	return &stack{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		reg:     reg,
		coord:   coord,
		cat:     cat,
		fed:     fed,
		maint: index.NewMaintainer(index.MaintainerConfig{
			Indices:     reg,
			Source:      cat,
			Coordinator: coord,
			Workers:     cfg.Maintenance.Workers,
			Logger:      logger,
			Observer:    m.RebuildObserver(),
		}),
		checker: index.NewConsistencyChecker(reg, cat, coord, logger),
	}, nil
}

// Close releases the catalog, the indices and the data directory lock.
func (s *stack) Close() error {
	return errors.Join(s.cat.Close(), s.reg.Close())
}
