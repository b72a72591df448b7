// Package errctx assembles the structured error context handed to the
// inference adapter when a monitored run faults. Building a context is a
// pure function of its inputs: identical fault, stack, logs and metadata
// always produce a byte-identical artifact.
package errctx

import (
	"encoding/json"
	"fmt"
	"strings"

	"neurotrace/internal/intercept"
	"neurotrace/internal/trace"
)

// Config bounds the context payload.
type Config struct {
	// MaxStackDepth caps captured stacks. Over-budget stacks keep the
	// innermost frames and the entry point with an elision marker.
	MaxStackDepth int
	// LogWindow caps the log slice to the most recent records.
	LogWindow int
}

// DefaultConfig returns the stock budget.
func DefaultConfig() Config {
	return Config{MaxStackDepth: 64, LogWindow: 100}
}

// Meta describes the process environment a fault occurred in. It carries
// no wall-clock fields so that encoding stays deterministic.
type Meta struct {
	Script    string `json:"script"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// ErrorContext is the artifact produced once per detected fault. It is
// immutable after construction and owned by the request that carries it.
type ErrorContext struct {
	Fault string                `json:"fault"`
	Stack trace.CallStack       `json:"stack"`
	Logs  []intercept.LogRecord `json:"logs"`
	Meta  Meta                  `json:"meta"`
}

// Build produces one ErrorContext. Inputs are copied, never mutated; the
// stack is truncated to the configured depth and the log slice to the
// configured recent window.
func Build(cfg Config, fault string, stack trace.CallStack, logs []intercept.LogRecord, meta Meta) *ErrorContext {
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = DefaultConfig().MaxStackDepth
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = DefaultConfig().LogWindow
	}
	window := logs
	if len(window) > cfg.LogWindow {
		window = window[len(window)-cfg.LogWindow:]
	}
	return &ErrorContext{
		Fault: fault,
		Stack: trace.Truncate(stack, cfg.MaxStackDepth),
		Logs:  append([]intercept.LogRecord(nil), window...),
		Meta:  meta,
	}
}

// Encode serializes the context as canonical JSON. Struct field order is
// fixed, so identical contexts encode to identical bytes.
func (c *ErrorContext) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error context: %w", err)
	}
	return b, nil
}

// Decode reverses Encode.
func Decode(b []byte) (*ErrorContext, error) {
	var c ErrorContext
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to decode error context: %w", err)
	}
	return &c, nil
}

// Prompt renders the context as the analysis prompt sent to the model:
// the fault, the captured stack leaf-first, and the recent log tail.
// Deterministic for identical contexts.
func (c *ErrorContext) Prompt() string {
	var b strings.Builder
	b.WriteString("A program failed during execution. Identify the most likely root cause.\n\n")
	fmt.Fprintf(&b, "Fault: %s\n", c.Fault)
	fmt.Fprintf(&b, "Script: %s (%s %s/%s)\n\n", c.Meta.Script, c.Meta.GoVersion, c.Meta.OS, c.Meta.Arch)

	b.WriteString("Call stack (innermost last):\n")
	for _, f := range c.Stack {
		if f.IsElision() {
			fmt.Fprintf(&b, "  %s\n", f.Function)
			continue
		}
		fmt.Fprintf(&b, "  %s (%s:%d)", f.Function, f.File, f.Line)
		if len(f.Locals) > 0 {
			parts := make([]string, 0, len(f.Locals))
			for _, l := range f.Locals {
				parts = append(parts, fmt.Sprintf("%s=%s", l.Name, l.Value))
			}
			fmt.Fprintf(&b, " [%s]", strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nRecent output:\n")
	if len(c.Logs) == 0 {
		b.WriteString("  (none captured)\n")
	}
	for _, r := range c.Logs {
		fmt.Fprintf(&b, "  [%s] %s\n", r.Level, r.Message)
	}
	return b.String()
}
