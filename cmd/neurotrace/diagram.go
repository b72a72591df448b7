package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"neurotrace/internal/config"
	"neurotrace/internal/engine"
	"neurotrace/internal/store"
)

var (
	diagramOut   string
	diagramTheme string
)

// diagramCmd exports the call graph of a stored session
var diagramCmd = &cobra.Command{
	Use:   "diagram [session-id]",
	Short: "Export the call-graph artifact of a past session",
	Long: `Loads a persisted session and writes its call graph as Graphviz DOT
source, ready for the external renderer. Session IDs are listed by
"neurotrace history".`,
	Args: cobra.ExactArgs(1),
	RunE: exportDiagram,
}

func init() {
	diagramCmd.Flags().StringVarP(&diagramOut, "out", "o", "trace.dot", "output path for the DOT artifact")
	diagramCmd.Flags().StringVar(&diagramTheme, "theme", "", "diagram theme: default, light, dark")
}

func exportDiagram(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if diagramTheme == "" {
		diagramTheme = cfg.Engine.DiagramTheme
	}

	sessions, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer sessions.Close()

	eng := engine.New(engine.Config{}, nil, sessions, logger)
	dot, err := eng.ExportDiagram(context.Background(), args[0], diagramTheme)
	if err != nil {
		return err
	}
	if err := os.WriteFile(diagramOut, dot, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	fmt.Printf("Call graph written to %s\n", diagramOut)
	return nil
}
