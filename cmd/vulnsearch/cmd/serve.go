package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/server"
	"github.com/Aman-CERP/vulnsearch/internal/telemetry"
	"github.com/Aman-CERP/vulnsearch/internal/watcher"
)

// Query log capacities for /admin/queries.
const (
	queryLogTerms = 1000
	queryLogZero  = 100
)

type serveOptions struct {
	addr          string
	noFeed        bool
	forcePolling  bool
	skipPreflight bool
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the feed watcher and index maintenance",
		Long: `Start the HTTP API.

On startup indices are rebuilt from the catalog according to
maintenance.rebuild_on_startup. While serving, kinds whose index writes
failed are rebuilt every maintenance.dirty_interval, and JSON feed files
dropped into feed.dir are imported into the catalog.

Examples:
  vulnsearch serve
  vulnsearch serve --addr :9000 --no-feed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.addr == "" {
				opts.addr = a.cfg.Server.Addr
			}
			return runServe(cmd.Context(), a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (default: server.addr)")
	cmd.Flags().BoolVar(&opts.noFeed, "no-feed", false, "Do not watch the feed directory")
	cmd.Flags().BoolVar(&opts.forcePolling, "poll", false, "Poll the feed directory instead of using fsnotify")
	cmd.Flags().BoolVar(&opts.skipPreflight, "skip-preflight", false, "Start without checking directories, disk space and the listen address")

	return cmd
}

func runServe(ctx context.Context, a *app, opts serveOptions) error {
	if !opts.skipPreflight {
		if err := runPreflight(ctx, a.logger, preflightTargets(a.cfg, opts.addr)); err != nil {
			return err
		}
	}

	st, err := openStack(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	logger := a.logger
	stats, err := st.maint.RunStartupPolicy(ctx, a.cfg.Maintenance.RebuildOnStartup, func(p index.Progress) {
		if p.Done && p.Err != nil {
			logger.Warn("startup_rebuild_failed", slog.String("kind", p.Kind.Label()), slog.String("error", p.Err.Error()))
		}
	})
	if err != nil {
		// The previous generation of each failed kind keeps serving.
		logger.Warn("startup_rebuild_incomplete", slog.String("error", err.Error()))
	}
	logger.Info("startup_rebuild_done",
		slog.String("policy", a.cfg.Maintenance.RebuildOnStartup),
		slog.Int("kinds", len(stats)))
	st.metrics.ObserveStatuses(st.reg.Statuses(ctx))

	srv := server.New(server.Config{
		Searcher:  st.fed,
		Records:   st.cat,
		Rebuilder: st.maint,
		Statuses:  st.reg,
		Metrics:   st.metrics,
		QueryLog:  telemetry.NewQueryLog(queryLogTerms, queryLogZero),
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.maint.RebuildLoop(gctx, a.cfg.DirtyInterval())
		return nil
	})
	if !opts.noFeed {
		fp, err := watcher.NewFeedProcessor(watcher.FeedConfig{
			Dir:      a.cfg.Feed.Dir,
			Importer: st.cat,
			Options: watcher.Options{
				DebounceWindow: a.cfg.FeedDebounce(),
				ForcePolling:   opts.forcePolling,
			},
			Observer: st.metrics.FeedObserver(),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return fp.Run(gctx) })
	}
	g.Go(func() error { return srv.Serve(gctx, opts.addr) })

	err = g.Wait()
	logger.Info("server_stopped")
	return err
}
