package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"deferq/internal/sched"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, logLevel string

	root := &cobra.Command{
		Use:   "deferq",
		Short: "Run a workload of deferred tasks",
		Long: `deferq loads a YAML workload, turns every job into a task and drives
the tasks through a priority scheduler, or through the all / race combinators.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "workload file (defaults only when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	loadConfig := func() (sched.Config, error) {
		cfg, err := sched.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	var opts runOptions
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.csvPath == "" {
				opts.csvPath = cfg.CSVLog
			}
			return runWorkload(cmd.Context(), cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	runCmd.Flags().StringVar(&opts.csvPath, "csv", "", "write scheduler events as CSV to this file")
	runCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	root.AddCommand(runCmd, configCmd)
	return root
}
