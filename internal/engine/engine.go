// Package engine orchestrates a monitored run: it installs the log
// interceptor, starts the tracer, executes the script under the
// interpreter, and on fault assembles the error context and dispatches
// it for analysis. Faults drive an explicit state machine rather than
// exception-style control flow: the run outcome is observed at exactly
// one point and capture always precedes teardown.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"neurotrace/internal/callgraph"
	"neurotrace/internal/errctx"
	"neurotrace/internal/inference"
	"neurotrace/internal/intercept"
	"neurotrace/internal/store"
	"neurotrace/internal/trace"
)

// Status is the engine state.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFaulted
	StatusAnalyzing
	StatusReported
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFaulted:
		return "faulted"
	case StatusAnalyzing:
		return "analyzing"
	case StatusReported:
		return "reported"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// AnalysisUnavailable is the degraded marker attached to reports whose
// analysis could not be obtained. The captured context is still present.
const AnalysisUnavailable = "analysis unavailable"

// Analyzer dispatches an error context for root-cause analysis. It must
// return a result value for every call; the engine degrades gracefully
// on failure results.
type Analyzer interface {
	Send(ctx context.Context, ec *errctx.ErrorContext) inference.Result
}

// Config tunes one engine instance.
type Config struct {
	Granularity   trace.Granularity
	MaxStackDepth int
	LogWindow     int
	MaxLogRecords int
	Verbose       bool
	// Unrestricted lifts the script import sandbox.
	Unrestricted bool
	// AnalysisDisabled suppresses the inference call; faulted reports
	// then carry the raw context with an unavailability marker.
	AnalysisDisabled bool
	// Stdout and Stderr are the original destinations for the
	// monitored program's output; nil means the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// RunReport is the outcome of one monitored run. A faulted run always
// carries the captured context, whether or not analysis succeeded.
type RunReport struct {
	ID           string                `json:"id"`
	Script       string                `json:"script"`
	Status       string                `json:"status"`
	Fault        string                `json:"fault,omitempty"`
	Stack        trace.CallStack       `json:"stack,omitempty"`
	Logs         []intercept.LogRecord `json:"logs,omitempty"`
	Analysis     string                `json:"analysis,omitempty"`
	AnalysisNote string                `json:"analysis_note,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	Duration     time.Duration         `json:"duration"`
}

// Faulted reports whether the run ended in a fault.
func (r *RunReport) Faulted() bool { return r.Fault != "" }

// Engine is the debugger orchestrator.
type Engine struct {
	cfg      Config
	analyzer Analyzer
	sessions *store.Store
	logger   *zap.Logger

	mu        sync.Mutex
	status    Status
	lastStack trace.CallStack
	lastFault string
}

// New builds an Engine. analyzer and sessions may be nil: without an
// analyzer every faulted report is marked analysis-unavailable, and
// without a session store reports are not persisted.
func New(cfg Config, analyzer Analyzer, sessions *store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = 64
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = 100
	}
	if cfg.MaxLogRecords <= 0 {
		cfg.MaxLogRecords = intercept.DefaultMaxRecords
	}
	return &Engine{
		cfg:      cfg,
		analyzer: analyzer,
		sessions: sessions,
		logger:   logger,
		status:   StatusIdle,
	}
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	e.logger.Debug("engine state", zap.Stringer("status", s))
}

// Run executes the script at scriptPath under observation and returns
// its report. An error is returned only when the run could not start;
// faults of the monitored program itself end in a Reported result, not
// an error.
func (e *Engine) Run(ctx context.Context, scriptPath string) (*RunReport, error) {
	e.mu.Lock()
	if e.status == StatusRunning || e.status == StatusAnalyzing {
		e.mu.Unlock()
		return nil, fmt.Errorf("a monitored run is already in progress")
	}
	e.status = StatusIdle
	e.mu.Unlock()

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	if !e.cfg.Unrestricted {
		if err := ValidateScript(src, filepath.Base(scriptPath)); err != nil {
			return nil, err
		}
	}

	report := &RunReport{
		ID:        uuid.NewString(),
		Script:    scriptPath,
		StartedAt: time.Now(),
	}

	tracer := trace.New(e.logger)
	interceptor := intercept.New(intercept.Config{
		MaxRecords: e.cfg.MaxLogRecords,
		Verbose:    e.cfg.Verbose,
	})

	if err := interceptor.Install(); err != nil {
		return nil, err
	}
	if err := tracer.Start(e.cfg.Granularity); err != nil {
		interceptor.Uninstall()
		return nil, err
	}
	// Teardown is deferred so it runs on every exit path; the capture
	// below executes first, preserving capture-before-teardown.
	defer interceptor.Uninstall()
	defer tracer.Stop()

	stdout := interceptor.Writer(intercept.LevelInfo, "stdout", e.cfg.Stdout)
	stderr := interceptor.Writer(intercept.LevelError, "stderr", e.cfg.Stderr)

	var fault string
	faulted := false

	instrumented, ierr := Instrument(src, filepath.Base(scriptPath), e.cfg.Granularity, e.logger)
	if ierr != nil {
		// A script that cannot be parsed is a fault of the monitored
		// program, not of the engine; it is reported and analyzed like
		// any crash.
		fault = ierr.Error()
		faulted = true
	}

	e.setStatus(StatusRunning)
	if !faulted {
		fault, faulted, err = execute(ctx, instrumented, tracer, stdout, stderr)
		if err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(report.StartedAt)

	if !faulted {
		e.setStatus(StatusCompleted)
		report.Status = StatusCompleted.String()
		report.Logs = interceptor.Snapshot(e.cfg.LogWindow)
		e.rememberCapture(nil, "")
		e.persist(ctx, report)
		return report, nil
	}

	// Capture before any teardown: the stack snapshot was taken at the
	// failure site by the probe; logs are copied out here while the
	// interceptor is still installed. Budgets bind every captured stack,
	// whether or not analysis runs.
	e.setStatus(StatusFaulted)
	stack := tracer.CurrentStack()
	if snap, ok := tracer.Captured(); ok {
		fault = snap.Fault
		stack = snap.Stack
	}
	stack = trace.Truncate(stack, e.cfg.MaxStackDepth)
	logs := interceptor.Snapshot(e.cfg.LogWindow)

	report.Status = StatusFaulted.String()
	report.Fault = fault
	report.Stack = stack
	report.Logs = logs
	e.rememberCapture(stack, fault)

	e.setStatus(StatusAnalyzing)
	e.analyze(ctx, report)
	e.setStatus(StatusReported)
	report.Status = StatusReported.String()

	e.persist(ctx, report)
	return report, nil
}

// analyze attaches analysis text or a degraded marker. The raw captured
// context stays on the report either way.
func (e *Engine) analyze(ctx context.Context, report *RunReport) {
	if e.cfg.AnalysisDisabled || e.analyzer == nil {
		report.AnalysisNote = AnalysisUnavailable + ": analysis disabled"
		return
	}
	ec := errctx.Build(
		errctx.Config{MaxStackDepth: e.cfg.MaxStackDepth, LogWindow: e.cfg.LogWindow},
		report.Fault,
		report.Stack,
		report.Logs,
		errctx.Meta{
			Script:    filepath.Base(report.Script),
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
		},
	)

	res := e.analyzer.Send(ctx, ec)
	if res.Succeeded() {
		report.Analysis = res.Analysis
		return
	}
	e.logger.Warn("analysis failed, attaching raw context only",
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err))
	report.AnalysisNote = fmt.Sprintf("%s: %v", AnalysisUnavailable, res.Err)
}

func (e *Engine) rememberCapture(stack trace.CallStack, fault string) {
	e.mu.Lock()
	e.lastStack = stack
	e.lastFault = fault
	e.mu.Unlock()
}

// persist archives the report; persistence failures are logged, never
// fatal to the run.
func (e *Engine) persist(ctx context.Context, report *RunReport) {
	if e.sessions == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		e.logger.Warn("failed to encode report for storage", zap.Error(err))
		return
	}
	err = e.sessions.Save(ctx, store.Session{
		ID:        report.ID,
		Script:    report.Script,
		Status:    report.Status,
		Fault:     report.Fault,
		Report:    payload,
		CreatedAt: report.StartedAt,
	})
	if err != nil {
		e.logger.Warn("failed to persist session", zap.String("id", report.ID), zap.Error(err))
	}
}

// ExportDiagram projects a captured call stack into rendering-ready DOT
// bytes. An empty sessionID exports the most recent capture of this
// engine; otherwise the stack is loaded from the session store. The
// projection is idempotent and available any time after capture.
func (e *Engine) ExportDiagram(ctx context.Context, sessionID, theme string) ([]byte, error) {
	var stack trace.CallStack
	var fault string

	if sessionID == "" {
		e.mu.Lock()
		stack = e.lastStack.Clone()
		fault = e.lastFault
		e.mu.Unlock()
	} else {
		if e.sessions == nil {
			return nil, fmt.Errorf("no session store configured")
		}
		sess, err := e.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		var report RunReport
		if err := json.Unmarshal(sess.Report, &report); err != nil {
			return nil, fmt.Errorf("failed to decode stored report: %w", err)
		}
		stack = report.Stack
		fault = report.Fault
	}

	if len(stack) == 0 {
		return nil, fmt.Errorf("no captured call stack to export")
	}

	var opts []callgraph.Option
	if fault != "" {
		opts = append(opts, callgraph.WithFault(fault))
	}
	artifact := callgraph.FromStack(stack, opts...)
	return artifact.DOT(callgraph.ThemeByName(theme)), nil
}
