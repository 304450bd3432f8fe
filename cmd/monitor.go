package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/medatlas/provider-validator/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check validation health and send threshold alerts",
	Long:  "Collects run outcomes, high-risk share and dead letter depth, compares them with the monitoring thresholds, and posts alerts to the configured webhook. Without --once it repeats every check interval and serves metrics.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		metrics := monitoring.NewMetrics()
		checker := monitoring.NewChecker(
			monitoring.NewCollector(st),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		).WithMetrics(metrics)

		if once {
			alerts, err := checker.Check(ctx)
			if err != nil {
				return eris.Wrap(err, "monitor")
			}
			return writeJSON(cmd.OutOrStdout(), alerts)
		}

		if metricsAddr == "" {
			metricsAddr = cfg.Metrics.Addr
		}
		if metricsAddr != "" {
			shutdown := serveMetrics(metricsAddr, metrics)
			defer shutdown()
		}

		checker.Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.Flags().Bool("once", false, "run one check and print triggered alerts")
	monitorCmd.Flags().String("metrics-addr", "", "metrics address (default metrics.addr)")
	rootCmd.AddCommand(monitorCmd)
}
