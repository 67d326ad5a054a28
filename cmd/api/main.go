package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inkwell/api/internal/config"
	"inkwell/api/internal/logging"
)

type globals struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "inkwell-api",
		Short:         "Inkwell writing dashboard API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			g.cfg, g.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(g), newMigrateCmd(g), newReindexCmd(g))

	// serve is the default when no subcommand is given.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
