package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/document"
	"github.com/Aman-CERP/vulnsearch/internal/output"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Write records to the catalog and sync them into the indices",
	}
	cmd.AddCommand(newCatalogImportCmd(a))
	cmd.AddCommand(newCatalogPutCmd(a))
	cmd.AddCommand(newCatalogGetCmd(a))
	cmd.AddCommand(newCatalogDeleteCmd(a))
	return cmd
}

func newCatalogImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <feed.json>...",
		Short: "Apply feed files",
		Long: `Apply feed files of the form

  {"kind": "license", "upsert": [{...}, ...], "delete": ["key", ...]}

Each file is applied in one catalog transaction. Invalid entries are
reported and skipped; the rest of the file still applies.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			out := output.New(cmd.OutOrStdout())
			failed := 0
			for _, path := range args {
				res, err := st.cat.ImportFile(cmd.Context(), path)
				if err != nil {
					out.Errorf("%s: %v", path, err)
					failed++
					continue
				}
				printImport(out, path, res)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d feed(s) failed", failed, len(args))
			}
			return nil
		},
	}
}

func printImport(out *output.Writer, path string, res catalog.ImportResult) {
	out.Successf("%s: %s created %d, updated %d, deleted %d",
		path, res.Kind.Label(), res.Created, res.Updated, res.Deleted)
	for _, r := range res.Rejected {
		out.Warningf("%s rejected: %s", r.Entry, r.Error)
	}
	if res.SyncErr != nil {
		out.Warningf("index not updated, it will catch up on the next rebuild: %v", res.SyncErr)
	}
}

func printWrite(out *output.Writer, verb string, res catalog.WriteResult) {
	out.Successf("%s %s %s", verb, res.Kind.Label(), res.Key)
	if !res.Synced() {
		out.Warningf("index not updated, it will catch up on the next rebuild: %v", res.SyncErr)
	}
}

func newCatalogPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <kind> [file]",
		Short: "Create or replace one record read from a file or stdin",
		Example: `  vulnsearch catalog put license license.json
  echo '{"licenseId":"MIT","name":"MIT License"}' | vulnsearch catalog put license`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := document.ParseKind(args[0])
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			body, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			rec, err := document.DecodeRecord(kind, body)
			if err != nil {
				return err
			}

			st, err := openStack(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := st.cat.Put(cmd.Context(), kind, rec)
			if err != nil {
				return err
			}
			verb := "updated"
			if res.Created {
				verb = "created"
			}
			printWrite(output.New(cmd.OutOrStdout()), verb, res)
			return nil
		},
	}
}

func newCatalogGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <key>",
		Short: "Print one record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := document.ParseKind(args[0])
			if err != nil {
				return err
			}
			st, err := openStack(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			rec, err := st.cat.Get(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newCatalogDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <key>...",
		Short: "Delete records; missing keys are not an error",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := document.ParseKind(args[0])
			if err != nil {
				return err
			}
			st, err := openStack(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			out := output.New(cmd.OutOrStdout())
			for _, key := range args[1:] {
				res, err := st.cat.Delete(cmd.Context(), kind, key)
				if err != nil {
					return err
				}
				verb := "deleted"
				if !res.Deleted {
					verb = "absent"
				}
				printWrite(out, verb, res)
			}
			return nil
		},
	}
}
