package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/medatlas/provider-validator/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry providers that failed validation",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries due for retry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errorType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		total, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq count")
		}
		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: errorType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%d entries queued, %d due\n", total, len(entries))
		if len(entries) > 0 {
			formatDLQ(cmd.OutOrStdout(), entries)
		}
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-validate dead letter entries that are due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		errorType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Service.RetryDLQ(ctx, resilience.DLQFilter{ErrorType: errorType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}
		formatRunSummary(cmd.OutOrStdout(), run)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqRetryCmd} {
		c.Flags().String("error-type", "", "only entries of this error type (transient, permanent)")
		c.Flags().Int("limit", 100, "max entries")
	}
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
