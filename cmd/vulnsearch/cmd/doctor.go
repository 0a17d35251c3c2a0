package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vulnsearch/internal/config"
	"github.com/Aman-CERP/vulnsearch/internal/output"
	"github.com/Aman-CERP/vulnsearch/internal/preflight"
)

var errPreflightFailed = errors.New("preflight checks failed")

func preflightTargets(cfg *config.Config, addr string) preflight.Targets {
	return preflight.Targets{
		IndexDir:    cfg.Index.Dir,
		CatalogPath: cfg.Catalog.Path,
		FeedDir:     cfg.Feed.Dir,
		Addr:        addr,
	}
}

// runPreflight logs every non-passing check and fails on critical ones.
func runPreflight(ctx context.Context, logger *slog.Logger, targets preflight.Targets) error {
	results := preflight.New(targets).RunAll(ctx)
	for _, r := range results {
		if r.Status == preflight.StatusPass {
			continue
		}
		logger.Warn("preflight_check",
			slog.String("check", r.Name),
			slog.String("status", r.Status.String()),
			slog.String("message", r.Message),
			slog.Bool("required", r.Required))
	}
	if preflight.HasCriticalFailures(results) {
		return errPreflightFailed
	}
	return nil
}

func newDoctorCmd(a *app) *cobra.Command {
	var (
		format  string
		verbose bool
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host can run vulnsearch",
		Long: `Check that the index, catalog and feed directories are writable, that
enough disk space and file descriptors are available, and that the listen
address is free. serve runs the same checks before opening its stores.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			results := preflight.New(preflightTargets(a.cfg, addr)).RunAll(cmd.Context())

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"status": preflight.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				preflight.PrintResults(output.New(cmd.OutOrStdout()), results, verbose)
			}

			if preflight.HasCriticalFailures(results) {
				return errPreflightFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for passing checks")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address to probe (default: server.addr)")
	return cmd
}
