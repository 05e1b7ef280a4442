package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/recipe-importer/internal/server"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the job runners",
		Long: `Starts the HTTP API on server.port. Accepted jobs run in the background,
at most pipeline.max_concurrency at a time. SIGINT or SIGTERM drains the
server, cancels running jobs and waits for their final state to be saved.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := server.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
