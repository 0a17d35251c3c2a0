package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/output"
	"github.com/Aman-CERP/vulnsearch/internal/profiling"
	"github.com/Aman-CERP/vulnsearch/internal/store"
)

func newIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild, check and inspect the per-kind indices",
	}
	cmd.AddCommand(newIndexRebuildCmd(a))
	cmd.AddCommand(newIndexCheckCmd(a))
	cmd.AddCommand(newIndexStatusCmd(a))
	return cmd
}

// parseKinds resolves kind arguments; none means every kind.
func parseKinds(args []string) ([]document.Kind, error) {
	if len(args) == 0 {
		return document.Kinds(), nil
	}
	kinds := make([]document.Kind, 0, len(args))
	for _, arg := range args {
		k, err := document.ParseKind(arg)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func newIndexRebuildCmd(a *app) *cobra.Command {
	var stale bool

	cmd := &cobra.Command{
		Use:   "rebuild [kind...]",
		Short: "Rebuild indices from the catalog",
		Long: `Rebuild indices from the catalog into a new generation and swap it in.
Searches keep answering from the previous generation while a kind rebuilds.

Examples:
  vulnsearch index rebuild
  vulnsearch index rebuild license cwe
  vulnsearch index rebuild --stale`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			return runRebuild(cmd.Context(), cmd, a, kinds, stale)
		},
	}
	cmd.Flags().BoolVar(&stale, "stale", false, "Rebuild only unavailable or out-of-date kinds")
	return cmd
}

func runRebuild(ctx context.Context, cmd *cobra.Command, a *app, kinds []document.Kind, stale bool) error {
	st, err := openStack(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	out := output.New(cmd.OutOrStdout())
	var mu sync.Mutex
	progress := func(p index.Progress) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case !p.Done:
			out.Statusf("🔨", "Rebuilding %s...", p.Kind.Label())
		case p.Err != nil:
			out.Errorf("%s: %v", p.Kind.Label(), p.Err)
		default:
			out.Successf("%s: %d documents, generation %d (%s)",
				p.Kind.Label(), p.Stats.Documents, p.Stats.Generation, p.Stats.Duration.Round(time.Millisecond))
		}
	}

	if !stale {
		_, err = st.maint.RebuildKinds(ctx, kinds, progress)
		return err
	}
	stats, err := st.maint.RebuildStale(ctx, progress)
	if err == nil && len(stats) == 0 {
		out.Success("Every index is current")
	}
	return err
}

func newIndexCheckCmd(a *app) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check [kind...]",
		Short: "Compare index keys with catalog keys",
		Long: `Report orphans (indexed keys with no catalog record) and missing
records (catalog records absent from the index). With --repair, orphans
are deleted and missing records are written to the index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cmd, a, kinds, repair)
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Repair the drift that was found")
	return cmd
}

func runCheck(ctx context.Context, cmd *cobra.Command, a *app, kinds []document.Kind, repair bool) error {
	st, err := openStack(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	out := output.New(cmd.OutOrStdout())
	drift := 0
	for _, kind := range kinds {
		res, err := st.checker.Check(ctx, kind)
		if err != nil {
			out.Errorf("%s: %v", kind.Label(), err)
			drift++
			continue
		}
		if res.Consistent() {
			out.Successf("%s: consistent (%d records)", kind.Label(), res.SourceCount)
			continue
		}

		orphans, missing := 0, 0
		for _, is := range res.Issues {
			if is.Type == index.IssueOrphan {
				orphans++
			} else {
				missing++
			}
		}
		out.Warningf("%s: %d orphaned, %d missing (catalog %d, index %d)",
			kind.Label(), orphans, missing, res.SourceCount, res.IndexCount)

		if !repair {
			drift++
			continue
		}
		rr, err := st.checker.Repair(ctx, res)
		if err != nil {
			out.Errorf("%s: repair failed: %v", kind.Label(), err)
			drift++
			continue
		}
		out.Successf("%s: deleted %d, resynced %d", kind.Label(), rr.Deleted, rr.Resynced)
	}

	if drift > 0 {
		return fmt.Errorf("%d kind(s) inconsistent", drift)
	}
	return nil
}

func newIndexStatusCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show each index's generation, size and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStack(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			statuses := st.reg.Statuses(cmd.Context())
			if format == "json" {
				rows := make([]map[string]any, len(statuses))
				for i, s := range statuses {
					rows[i] = statusJSON(s)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			printStatuses(output.New(cmd.OutOrStdout()), st.reg.Dir(), statuses)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func statusJSON(s store.Status) map[string]any {
	row := map[string]any{
		"kind":       s.Kind.Label(),
		"backend":    s.Backend,
		"generation": s.Generation,
		"documents":  s.Documents,
		"available":  s.Available,
		"rebuilding": s.Rebuilding,
	}
	if !s.BuiltAt.IsZero() {
		row["built_at"] = s.BuiltAt
	}
	if s.Err != nil {
		row["error"] = s.Err.Error()
	}
	return row
}

func printStatuses(out *output.Writer, dir string, statuses []store.Status) {
	if dir != "" {
		out.KeyValue([][2]string{{"data dir", dir}, {"disk usage", profiling.FormatBytes(dirSize(dir))}})
		out.Newline()
	}
	for _, s := range statuses {
		out.Header(s.Kind.Label())
		rows := [][2]string{
			{"backend", s.Backend},
			{"generation", strconv.FormatUint(s.Generation, 10)},
			{"documents", strconv.Itoa(s.Documents)},
			{"available", strconv.FormatBool(s.Available)},
		}
		if !s.BuiltAt.IsZero() {
			rows = append(rows, [2]string{"built", s.BuiltAt.Format(time.RFC3339)})
		}
		if s.Err != nil {
			rows = append(rows, [2]string{"error", s.Err.Error()})
		}
		out.KeyValue(rows)
	}
}

// dirSize sums regular file sizes under dir, ignoring unreadable entries.
func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
