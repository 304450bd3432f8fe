package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show directory-wide validation counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.GetSummary(ctx)
		if err != nil {
			return eris.Wrap(err, "summary")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), sum)
		}
		formatSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func init() {
	summaryCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(summaryCmd)
}
