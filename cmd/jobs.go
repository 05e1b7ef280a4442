package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/server"
)

func newJobsCmd(opts *options) *cobra.Command {
	var (
		owner  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Lists a caller's jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			stores, err := server.OpenStores(cmd.Context(), opts.cfg.Storage, opts.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := stores.Close(); cerr != nil {
					opts.logger.Warn("store close failed", zap.Error(cerr))
				}
			}()

			list, err := stores.Jobs.ListByOwner(cmd.Context(), owner, limit, offset)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			renderJobs(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner whose jobs are listed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}
