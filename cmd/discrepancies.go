package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/pipeline"
	"github.com/medatlas/provider-validator/internal/store"
)

var discrepanciesCmd = &cobra.Command{
	Use:     "discrepancies",
	Aliases: []string{"disc"},
	Short:   "Review field discrepancies between sources",
}

// -- discrepancies list --

var discrepanciesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discrepancies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		providerID, _ := cmd.Flags().GetInt64("provider")
		status, _ := cmd.Flags().GetString("status")
		field, _ := cmd.Flags().GetString("field")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		discs, err := env.Service.GetDiscrepancies(ctx, store.DiscrepancyFilter{
			ProviderID: providerID,
			Status:     model.DiscrepancyStatus(status),
			Field:      field,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "discrepancies list")
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), discs)
		}
		if len(discs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No discrepancies found.")
			return nil
		}
		formatDiscrepancies(cmd.OutOrStdout(), discs)
		return nil
	},
}

// -- discrepancies resolve --

var discrepanciesResolveCmd = &cobra.Command{
	Use:   "resolve <discrepancy-id>",
	Short: "Resolve an open discrepancy",
	Long:  "Marks an open discrepancy resolved, appending reviewer notes and optionally overriding the final value. Resolved discrepancies cannot be reopened.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("invalid discrepancy id %q", args[0])
		}

		notes, _ := cmd.Flags().GetString("notes")
		version, _ := cmd.Flags().GetInt64("version")
		req := pipeline.ResolveRequest{
			ID:              id,
			Status:          model.DiscrepancyResolved,
			Notes:           notes,
			ExpectedVersion: version,
		}
		if cmd.Flags().Changed("value") {
			v, _ := cmd.Flags().GetString("value")
			req.FinalValue = model.StrPtr(v)
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Service.ResolveDiscrepancy(ctx, req)
		if err != nil {
			return eris.Wrap(err, "discrepancies resolve")
		}
		return writeJSON(cmd.OutOrStdout(), d)
	},
}

func init() {
	discrepanciesListCmd.Flags().Int64("provider", 0, "only discrepancies of this provider id")
	discrepanciesListCmd.Flags().String("status", "", "filter by status (open, resolved)")
	discrepanciesListCmd.Flags().String("field", "", "filter by field name")
	discrepanciesListCmd.Flags().Int("limit", 100, "max discrepancies to list")
	discrepanciesListCmd.Flags().Bool("json", false, "print as JSON")

	discrepanciesResolveCmd.Flags().String("notes", "", "reviewer notes to append")
	discrepanciesResolveCmd.Flags().String("value", "", "override the final value")
	discrepanciesResolveCmd.Flags().Int64("version", 0, "expected discrepancy version (0 = current)")

	discrepanciesCmd.AddCommand(discrepanciesListCmd)
	discrepanciesCmd.AddCommand(discrepanciesResolveCmd)
	rootCmd.AddCommand(discrepanciesCmd)
}
