package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/output"
	"github.com/Aman-CERP/vulnsearch/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	kind   string
	limit  int
	offset int
	format string // "text", "json"
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indices",
		Long: `Search every kind, or one kind with --kind.

Each kind is ranked independently; results are grouped by kind and there
is no ranking across kinds.

Examples:
  vulnsearch search acme
  vulnsearch search apache --kind license
  vulnsearch search "log4j jndi" --limit 5 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, a, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "all", "Kind to search: all, project, component, service, license, vulnerability, cwe")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum results per kind (default: search.default_limit)")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Results to skip per kind")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, a *app, query string, opts searchOptions) error {
	scope, err := search.ParseScope(opts.kind)
	if err != nil {
		return err
	}

	st, err := openStack(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	slog.Debug("search_started", slog.String("query", query), slog.String("scope", scope.String()))
	resp, err := st.fed.Search(ctx, search.Request{
		Query:  query,
		Scope:  scope,
		Limit:  opts.limit,
		Offset: opts.offset,
	})
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResponse(output.New(cmd.OutOrStdout()), resp)
	return nil
}

func printResponse(out *output.Writer, resp *search.Response) {
	degraded := make(map[document.Kind]bool, len(resp.Degraded))
	for _, k := range resp.Degraded {
		degraded[k] = true
	}

	for _, res := range resp.Results {
		if degraded[res.Kind] {
			out.Warningf("%s: index unavailable", res.Kind.Label())
			continue
		}
		out.Header(fmt.Sprintf("%s (%d)", res.Kind.Label(), res.Total))
		specs, _ := document.FieldSpecs(res.Kind)
		order := make([]string, len(specs))
		for i, s := range specs {
			order[i] = s.Name
		}
		for _, h := range res.Hits {
			out.Hit(h.Key, h.Score, h.Fields, order)
		}
	}
}
