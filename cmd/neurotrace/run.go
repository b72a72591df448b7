package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"neurotrace/internal/config"
	"neurotrace/internal/engine"
	"neurotrace/internal/inference"
	"neurotrace/internal/store"
	"neurotrace/internal/trace"
)

var (
	flagModel     string
	flagEndpoint  string
	flagTimeout   time.Duration
	flagRetries   int
	flagChunkSize int
	flagLineLevel bool
	flagNoAI      bool
	flagNoStore   bool
	flagDiagram   string
	flagTheme     string
	flagFormat    string
	flagWatch     bool
)

// runCmd executes a script under observation
var runCmd = &cobra.Command{
	Use:   "run [script.go]",
	Short: "Run a Go script under observation and analyze any crash",
	Long: `Executes the script in an embedded interpreter with tracing and log
interception active. If the script crashes, the fault, the call stack at
the failure site and the recent output are captured and sent to the
configured Ollama endpoint for analysis.

Example:
  neurotrace run examples/broken.go --model phi4 --diagram trace`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringVar(&flagModel, "model", "", "model identifier (default from config)")
	runCmd.Flags().StringVar(&flagEndpoint, "endpoint", "", "inference endpoint base URL")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-attempt inference timeout")
	runCmd.Flags().IntVar(&flagRetries, "retries", 0, "maximum attempts per inference request")
	runCmd.Flags().IntVar(&flagChunkSize, "chunk-size", 0, "maximum request chunk size in bytes")
	runCmd.Flags().BoolVar(&flagLineLevel, "line-level", false, "enable statement-level tracing")
	runCmd.Flags().BoolVar(&flagNoAI, "no-ai", false, "skip AI analysis, report raw context only")
	runCmd.Flags().BoolVar(&flagNoStore, "no-store", false, "do not persist the session")
	runCmd.Flags().StringVar(&flagDiagram, "diagram", "", "write a call-graph diagram to this path (without extension)")
	runCmd.Flags().StringVar(&flagTheme, "theme", "", "diagram theme: default, light, dark")
	runCmd.Flags().StringVar(&flagFormat, "format", "", "diagram format for rendering: png or svg")
	runCmd.Flags().BoolVar(&flagWatch, "watch", false, "re-run automatically when the script changes")
}

func runScript(cmd *cobra.Command, args []string) error {
	script := args[0]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, sessions, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	if sessions != nil {
		defer sessions.Close()
	}

	if err := runOnce(ctx, eng, cfg, script); err != nil {
		return err
	}
	if !flagWatch {
		return nil
	}
	return watchAndRerun(ctx, eng, cfg, script)
}

// applyRunFlags lets command-line flags override file and env config.
func applyRunFlags(cfg *config.Config) {
	if flagModel != "" {
		cfg.Inference.Model = flagModel
	}
	if flagEndpoint != "" {
		cfg.Inference.BaseURL = flagEndpoint
	}
	if flagTimeout > 0 {
		cfg.Inference.Timeout = flagTimeout.String()
	}
	if flagRetries > 0 {
		cfg.Inference.MaxRetries = flagRetries
	}
	if flagChunkSize > 0 {
		cfg.Inference.MaxChunkSize = flagChunkSize
	}
	if flagLineLevel {
		cfg.Trace.Granularity = "statement"
	}
	if flagNoAI {
		cfg.Inference.Disabled = true
	}
	if flagNoStore {
		cfg.Store.Disabled = true
	}
	if flagTheme != "" {
		cfg.Engine.DiagramTheme = flagTheme
	}
	if flagFormat != "" {
		cfg.Engine.DiagramFormat = flagFormat
	}
	if verbose {
		cfg.Intercept.Verbose = true
	}
}

// buildEngine wires the adapter, session store and engine from config.
func buildEngine(cfg *config.Config) (*engine.Engine, *store.Store, error) {
	var analyzer engine.Analyzer
	if !cfg.Inference.Disabled {
		timeout, err := cfg.Inference.TimeoutDuration()
		if err != nil {
			return nil, nil, err
		}
		backoff, err := cfg.Inference.BackoffDuration()
		if err != nil {
			return nil, nil, err
		}
		adapter, err := inference.New(inference.Config{
			BaseURL:      cfg.Inference.BaseURL,
			Model:        cfg.Inference.Model,
			Timeout:      timeout,
			MaxRetries:   cfg.Inference.MaxRetries,
			MaxChunkSize: cfg.Inference.MaxChunkSize,
			BackoffBase:  backoff,
			SystemPrompt: cfg.Inference.SystemPrompt,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		analyzer = adapter
	}

	var sessions *store.Store
	if !cfg.Store.Disabled {
		var err error
		sessions, err = store.Open(cfg.Store.Path)
		if err != nil {
			// Persistence is best-effort; the run proceeds without it.
			logger.Warn("failed to open session store", zap.Error(err))
			sessions = nil
		}
	}

	granularity, err := trace.ParseGranularity(cfg.Trace.Granularity)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(engine.Config{
		Granularity:      granularity,
		MaxStackDepth:    cfg.Trace.MaxStackDepth,
		LogWindow:        cfg.Intercept.Window,
		MaxLogRecords:    cfg.Intercept.MaxRecords,
		Verbose:          cfg.Intercept.Verbose,
		Unrestricted:     cfg.Engine.Unrestricted,
		AnalysisDisabled: cfg.Inference.Disabled,
	}, analyzer, sessions, logger)
	return eng, sessions, nil
}

func runOnce(ctx context.Context, eng *engine.Engine, cfg *config.Config, script string) error {
	report, err := eng.Run(ctx, script)
	if err != nil {
		return err
	}
	presentReport(report)

	if flagDiagram != "" && report.Faulted() {
		if err := writeDiagram(ctx, eng, cfg, flagDiagram); err != nil {
			logger.Warn("failed to write diagram", zap.Error(err))
			fmt.Fprintf(os.Stderr, "diagram: %v\n", err)
		}
	}
	return nil
}

// writeDiagram exports the call-graph artifact and, when the graphviz
// dot executable is installed, hands it over for rendering.
func writeDiagram(ctx context.Context, eng *engine.Engine, cfg *config.Config, out string) error {
	dot, err := eng.ExportDiagram(ctx, "", cfg.Engine.DiagramTheme)
	if err != nil {
		return err
	}
	dotPath := out + ".dot"
	if err := os.WriteFile(dotPath, dot, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}

	dotBin, err := exec.LookPath("dot")
	if err != nil {
		fmt.Printf("Call graph written to %s (install graphviz to render an image)\n", dotPath)
		return nil
	}
	format := cfg.Engine.DiagramFormat
	if format != "png" && format != "svg" {
		format = "png"
	}
	imgPath := out + "." + format
	render := exec.CommandContext(ctx, dotBin, "-T"+format, "-o", imgPath, dotPath)
	if output, err := render.CombinedOutput(); err != nil {
		return fmt.Errorf("dot failed: %v: %s", err, strings.TrimSpace(string(output)))
	}
	fmt.Printf("Call graph written to %s\n", imgPath)
	return nil
}

// watchAndRerun re-executes the script whenever it changes on disk.
func watchAndRerun(ctx context.Context, eng *engine.Engine, cfg *config.Config, script string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(script)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", script, err)
	}
	fmt.Printf("Watching %s for changes (Ctrl-C to stop)\n", script)

	target := filepath.Clean(script)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce = time.After(300 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-debounce:
			debounce = nil
			fmt.Printf("\n--- change detected, re-running %s ---\n", script)
			if err := runOnce(ctx, eng, cfg, script); err != nil {
				fmt.Fprintf(os.Stderr, "re-run failed: %v\n", err)
			}
		}
	}
}
