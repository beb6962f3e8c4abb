package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reverie/internal/config"
	"reverie/internal/kernel"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	// Global flags
	verbose  bool
	cfgPath  string
	addrFlag string

	// Logger for CLI-side diagnostics; the kernel has its own file logger.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reverie",
	Short: "reverie - cognitive orchestration kernel",
	Long: `reverie runs a long-lived cognitive loop: registered nodes fire on
schedules, state thresholds, events and chains; a budget manager caps daily
LLM spend; all state flows through a single audited bus.

'reverie run' starts the kernel. The other commands talk to a running
kernel over its admin API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel and run until interrupted",
	Long: `Loads configuration, opens the store, recovers any crash state, and
drives the scheduling loop until SIGINT/SIGTERM or an admin shutdown.

Exit codes: 0 clean stop, 2 persistence failure, 3 startup error.`,
	RunE: runKernel,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the reverie version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reverie %s\n", Version)
	},
}

func runKernel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		os.Exit(kernel.ExitStartup)
	}

	k, err := kernel.New(cfg, cfgPath)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(kernel.ExitCode(err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("reverie starting", zap.String("version", Version), zap.String("workspace", cfg.Workspace))
	if err := k.Run(ctx); err != nil {
		logger.Error("kernel stopped with error", zap.Error(err))
		os.Exit(kernel.ExitCode(err))
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose CLI logging")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "reverie.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "admin API address (default from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(shutdownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
