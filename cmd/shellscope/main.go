package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/shellscope"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	DSN        string
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createHistoryCommand(globalFlags, &HistoryFlags{}),
		createPruneCommand(globalFlags, &PruneFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "shellscope",
		Short: "Shell process lifecycle monitor",
		Long: `Shellscope watches the process table for shell processes, flags suspicious
command lines and records every start and end with its duration.

Examples:
  shellscope run --config=shellscope.toml
  shellscope history --suspicious --limit=20
  shellscope prune --days=7`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DSN, "dsn", "", "store DSN, overrides [store].dsn")
	return root
}

// loadConfig reads the config file and applies persistent flag overrides.
func loadConfig(flags *GlobalFlags) (shellscope.Config, error) {
	cfg, err := shellscope.LoadConfig(flags.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if flags.DSN != "" {
		cfg.Store.DSN = flags.DSN
	}
	return cfg, nil
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring",
		Long: `Start the monitor loop. Lifecycle events are written to stdout as
LOG::<json> lines after an ENGINE_STARTED line; diagnostics go to stderr
or the configured log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

func runAgent(parent context.Context, cfg shellscope.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	agent, err := shellscope.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = agent.Close() }()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			agent.Logger().Info("shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return agent.Run(ctx)
}
