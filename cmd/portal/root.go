package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tourportal.io/internal/config"
	"tourportal.io/internal/obs"
)

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "portal",
		Short:         "Tourism portal core",
		Long:          `Portal API server with session, authorization, loyalty ledger and moderation services.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before reading PORTAL_* variables")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newUsersCmd(opts),
		newSmokeCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadRuntime reads configuration and installs the shared logger.
func loadRuntime(opts *rootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	obs.SetLogger(log)
	return cfg, log, nil
}
