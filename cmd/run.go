package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medatlas/provider-validator/internal/model"
	"github.com/medatlas/provider-validator/internal/monitoring"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Validate a batch of providers",
	Long:  "Validates every provider in scope with a bounded worker pool. A failing provider is recorded in the dead letter queue and never stops the batch. Interrupting the run cancels outstanding providers; finished ones keep their results.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		status, _ := cmd.Flags().GetString("status")
		idList, _ := cmd.Flags().GetString("ids")
		limit, _ := cmd.Flags().GetInt("limit")
		force, _ := cmd.Flags().GetBool("force")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		lockPath, _ := cmd.Flags().GetString("lock")

		ids, err := parseIDs(idList)
		if err != nil {
			return err
		}
		if limit == 0 {
			limit = cfg.Batch.DefaultLimit
		}
		if concurrency > 0 {
			cfg.Batch.Concurrency = concurrency
		}

		lock, err := acquireRunLock(lockPath)
		if err != nil {
			return err
		}
		defer lock.Unlock() //nolint:errcheck

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if metricsAddr != "" {
			shutdown := serveMetrics(metricsAddr, env.Metrics)
			defer shutdown()
		}

		run, err := env.Service.RunValidation(ctx, model.RunScope{
			ProviderIDs: ids,
			Status:      model.ValidationStatus(status),
			Limit:       limit,
			Force:       force,
		})
		if err != nil {
			return eris.Wrap(err, "run")
		}

		formatRunSummary(cmd.OutOrStdout(), run)
		if run.Status == model.RunStatusCancelled {
			return eris.New("run cancelled before all providers were validated")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("status", "", "only validate providers with this validation status")
	runCmd.Flags().String("ids", "", "comma-separated provider ids")
	runCmd.Flags().Int("limit", 0, "max providers to validate (0 = configured default)")
	runCmd.Flags().Bool("force", false, "re-collect evidence for already validated providers")
	runCmd.Flags().Int("concurrency", 0, "worker pool size (0 = configured default)")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().String("lock", "", "lock file guarding against concurrent runs (default: next to the database)")
	rootCmd.AddCommand(runCmd)
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, eris.Errorf("invalid provider id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// runLockPath places the lock beside a SQLite database, or in the working
// directory for Postgres.
func runLockPath() string {
	if cfg.Store.Driver == "sqlite" && cfg.Store.DatabaseURL != "" {
		return cfg.Store.DatabaseURL + ".run.lock"
	}
	return filepath.Join(".", "medatlas.run.lock")
}

func acquireRunLock(path string) (*flock.Flock, error) {
	if path == "" {
		path = runLockPath()
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "acquire run lock %s", path)
	}
	if !ok {
		return nil, eris.Errorf("another run holds %s", path)
	}
	return lock, nil
}

// serveMetrics starts the metrics endpoint and returns its shutdown func.
func serveMetrics(addr string, m *monitoring.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zap.L().Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zap.L().Warn("metrics server shutdown", zap.Error(err))
		}
	}
}
