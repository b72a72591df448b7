package errctx

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurotrace/internal/intercept"
	"neurotrace/internal/trace"
)

func sampleStack(depth int) trace.CallStack {
	s := make(trace.CallStack, 0, depth)
	for i := 0; i < depth; i++ {
		s = append(s, trace.StackFrame{
			Function: fmt.Sprintf("main.f%d", i),
			File:     "script.go",
			Line:     10 + i,
			Seq:      int64(i + 1),
		})
	}
	return s
}

func sampleLogs(n int) []intercept.LogRecord {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	logs := make([]intercept.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		logs = append(logs, intercept.LogRecord{
			Time:    base.Add(time.Duration(i) * time.Second),
			Level:   intercept.LevelInfo,
			Message: fmt.Sprintf("log %d", i),
			Origin:  "stdout",
		})
	}
	return logs
}

var sampleMeta = Meta{Script: "script.go", GoVersion: "go1.24.0", OS: "linux", Arch: "amd64"}

func TestBuild_Deterministic(t *testing.T) {
	cfg := Config{MaxStackDepth: 8, LogWindow: 5}

	a := Build(cfg, "runtime error: index out of range", sampleStack(12), sampleLogs(9), sampleMeta)
	b := Build(cfg, "runtime error: index out of range", sampleStack(12), sampleLogs(9), sampleMeta)

	ab, err := a.Encode()
	require.NoError(t, err)
	bb, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(ab), string(bb), "identical inputs must produce byte-identical artifacts")
	assert.Equal(t, a.Prompt(), b.Prompt())
}

func TestBuild_DoesNotMutateInputs(t *testing.T) {
	stack := sampleStack(20)
	logs := sampleLogs(10)

	ec := Build(Config{MaxStackDepth: 4, LogWindow: 3}, "boom", stack, logs, sampleMeta)
	ec.Stack[0].Function = "mutated"
	ec.Logs[0].Message = "mutated"

	assert.Equal(t, "main.f0", stack[0].Function)
	assert.Equal(t, "log 7", logs[7].Message)
	assert.Len(t, stack, 20)
	assert.Len(t, logs, 10)
}

func TestBuild_Truncation(t *testing.T) {
	ec := Build(Config{MaxStackDepth: 5, LogWindow: 3}, "boom", sampleStack(12), sampleLogs(10), sampleMeta)

	require.Len(t, ec.Stack, 5)
	assert.Equal(t, "main.f0", ec.Stack[0].Function, "outermost frame retained")
	assert.True(t, ec.Stack[1].IsElision())
	assert.Equal(t, "main.f11", ec.Stack[4].Function, "innermost frame retained")

	require.Len(t, ec.Logs, 3)
	assert.Equal(t, "log 7", ec.Logs[0].Message, "only the newest records survive")
	assert.Equal(t, "log 9", ec.Logs[2].Message)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ec := Build(Config{MaxStackDepth: 8, LogWindow: 5}, "boom", sampleStack(3), sampleLogs(2), sampleMeta)

	b, err := ec.Encode()
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(ec, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Re-encoding the decoded artifact is also byte-stable.
	b2, err := back.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(b), string(b2))
}

func TestPrompt_Contents(t *testing.T) {
	stack := sampleStack(2)
	stack[1].Locals = []trace.Local{{Name: "n", Value: "42"}}
	ec := Build(Config{}, "division by zero", stack, sampleLogs(1), sampleMeta)

	p := ec.Prompt()
	assert.Contains(t, p, "Fault: division by zero")
	assert.Contains(t, p, "main.f1 (script.go:11) [n=42]")
	assert.Contains(t, p, "[INFO] log 0")
	assert.Contains(t, p, "script.go (go1.24.0 linux/amd64)")
}

func TestPrompt_ElisionAndEmptyLogs(t *testing.T) {
	ec := Build(Config{MaxStackDepth: 3, LogWindow: 5}, "boom", sampleStack(10), nil, sampleMeta)

	p := ec.Prompt()
	assert.Contains(t, p, "frames elided")
	assert.Contains(t, p, "(none captured)")
	assert.True(t, strings.HasPrefix(p, "A program failed during execution"))
}
