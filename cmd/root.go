package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/config"
	"github.com/JakeFAU/recipe-importer/internal/logging"
)

type options struct {
	cfgFile string
	envFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates the root command. Subcommands read the loaded config
// and logger from opts once PersistentPreRunE has run.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "recipe-importer",
		Short: "Imports recipes from videos, webpages and photos.",
		Long: `recipe-importer accepts import jobs over HTTP, turns a cooking video,
a recipe webpage or a set of photos into a structured recipe, and reports
progress while it works.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.load()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/recipe-importer, $HOME/.recipe-importer)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newReapCmd(opts))
	cmd.AddCommand(newJobsCmd(opts))
	return cmd
}

func (o *options) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	o.cfg = cfg
	o.logger = logger
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
