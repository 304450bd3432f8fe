package main

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/export"
	"github.com/medatlas/provider-validator/internal/model"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the validated directory as CSV or JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		groups, _ := cmd.Flags().GetStringSlice("groups")
		status, _ := cmd.Flags().GetString("status")
		idList, _ := cmd.Flags().GetString("ids")
		out, _ := cmd.Flags().GetString("out")

		ids, err := parseIDs(idList)
		if err != nil {
			return err
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var w io.Writer = cmd.OutOrStdout()
		if out != "" && out != "-" {
			f, err := os.Create(out)
			if err != nil {
				return eris.Wrapf(err, "create %s", out)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		res, err := env.Service.ExportDirectory(ctx, w, export.Options{
			Format:      strings.ToLower(format),
			Groups:      groups,
			Status:      model.ValidationStatus(status),
			ProviderIDs: ids,
		})
		if err != nil {
			return eris.Wrap(err, "export")
		}

		zap.L().Info("export complete",
			zap.String("format", res.Format),
			zap.Int("providers", res.Providers),
			zap.String("out", out),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", export.FormatCSV, "output format (csv, json)")
	exportCmd.Flags().StringSlice("groups", nil, "field groups: details, confidence, dates, discrepancies (default details,confidence,dates)")
	exportCmd.Flags().String("status", "", "only providers with this validation status")
	exportCmd.Flags().String("ids", "", "comma-separated provider ids")
	exportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
