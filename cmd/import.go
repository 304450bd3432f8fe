package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/ingest"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a provider directory file (CSV, TSV or XLSX)",
	Long:  "Loads each row as a pending provider. Providers are matched by NPI; re-imported providers keep their id and return to pending.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := ingest.NewImporter(st).ImportFile(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("file", res.File),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("failed", len(res.Failures)),
		)
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich <file>",
	Short: "Attach enrichment evidence from a JSON file",
	Long:  "Reads a JSON array of {npi, fields, origins, collected_at} records and stores each as the enrichment evidence of the matching provider.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := ingest.NewImporter(st).AttachEnrichment(ctx, f)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		if len(res.Unmatched) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d record(s) matched no provider\n", len(res.Unmatched))
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(enrichCmd)
}
