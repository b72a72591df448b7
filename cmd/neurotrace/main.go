// Command neurotrace runs a Go script under runtime observation and, on
// failure, forwards the captured error context to a local inference
// endpoint for root-cause analysis.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"neurotrace/internal/logging"
)

const version = "0.3.0"

var (
	// Global flags
	cfgPath string
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "neurotrace",
	Short: "NeuroTrace - AI-powered runtime failure analysis",
	Long: `NeuroTrace executes a Go script under observation, captures its call
stack and log output when it crashes, and asks a local Ollama model for
a root-cause diagnosis. The captured context is always reported, with AI
analysis layered on top when the endpoint is reachable.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "error"
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(level, verbose)
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

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output and debug-level capture")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(diagramCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
