package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/clock/system"
	"github.com/JakeFAU/recipe-importer/internal/reaper"
	"github.com/JakeFAU/recipe-importer/internal/server"
)

func newReapCmd(opts *options) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fails jobs orphaned by a crashed process",
		Long: `Runs one sweep over the configured job store and marks every job that is
still non-terminal after pipeline.job_timeout plus reaper.grace as failed
with TIMEOUT. Safe to run while servers are up: no live runner keeps a job
past its timeout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stores, err := server.OpenStores(cmd.Context(), opts.cfg.Storage, opts.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := stores.Close(); cerr != nil {
					opts.logger.Warn("store close failed", zap.Error(cerr))
				}
			}()

			r, err := reaper.New(stores.Jobs, nil, system.New(), reaper.Config{
				StaleAfter: opts.cfg.StaleAfter(),
				BatchSize:  batch,
			}, opts.logger)
			if err != nil {
				return err
			}
			reaped, err := r.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			renderJobs(cmd.OutOrStdout(), reaped)
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) reaped\n", len(reaped))
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch-size", 100, "jobs examined per store query")
	return cmd
}
