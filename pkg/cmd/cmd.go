// Package cmd contains the command line applications for the project.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/tracing"
)

var (
	configPath string
	debug      bool
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "indexsync",
		Short: "Keep a local file tree in sync with a remote document index",
		Long: `indexsync tracks local files in a state database and drives each one through
untracked → uploading → processing → indexed against a remote, eventually
consistent document index. Every state write is a versioned conditional update.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := configs.InitConfig(configPath); err != nil {
				return err
			}

			cfg := configs.GetConfig()
			if debug {
				cfg.Log.Level = "debug"
				cfg.Server.Debug = true
			}

			log.Init()

			if err := tracing.InitTracer(cfg.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			if err := metrics.InitMetrics(cfg.Metrics); err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return tracing.ShutdownTracer(ctx)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "config file or directory containing config.{yaml,json,toml,env}")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	registerUploadCommands()
	registerStatusCommands()
	registerServeCommand()
	registerConfigsCommands()
	registerDBCommands()
	registerMQCommands()
	registerKVCommands()
	registerVersionCommand()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
