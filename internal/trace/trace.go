// Package trace builds an ordered call-stack representation of a monitored
// program from enter/exit events delivered by an instrumentation probe.
// The tracer is language-independent: anything that can report function
// entry and exit can drive it.
package trace

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Granularity selects which events the tracer consumes.
type Granularity int

const (
	// GranularityFunction records function entry and exit only.
	GranularityFunction Granularity = iota
	// GranularityStatement additionally records per-statement progress.
	// Statement tracing is a refinement of function tracing, never a
	// replacement for it.
	GranularityStatement
)

// String implements fmt.Stringer.
func (g Granularity) String() string {
	switch g {
	case GranularityFunction:
		return "function"
	case GranularityStatement:
		return "statement"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity maps a config string to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", "function":
		return GranularityFunction, nil
	case "statement", "line":
		return GranularityStatement, nil
	default:
		return GranularityFunction, fmt.Errorf("unknown trace granularity %q", s)
	}
}

// Local is a rendered snapshot of one local value at function entry.
type Local struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StackFrame is one entry of a CallStack.
type StackFrame struct {
	// Function is the qualified identifier, e.g. "main.loadConfig".
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`

	// Seq is a monotonic entry sequence number, assigned at push time.
	// It stands in for a wall-clock entry timestamp so that captured
	// stacks serialize identically for identical runs.
	Seq int64 `json:"seq"`

	// Elided is non-zero only on the synthetic marker frame inserted
	// where intermediate frames were dropped during truncation. It
	// holds the number of dropped frames.
	Elided int `json:"elided,omitempty"`

	// Locals holds rendered entry-time parameter values, if captured.
	Locals []Local `json:"locals,omitempty"`

	// EnteredAt is informational only and excluded from serialization.
	EnteredAt time.Time `json:"-"`
}

// IsElision reports whether the frame is a truncation marker.
func (f StackFrame) IsElision() bool { return f.Elided > 0 }

// CallStack is an ordered sequence of frames, root first, leaf last.
type CallStack []StackFrame

// Depth returns the number of real frames, excluding elision markers.
func (s CallStack) Depth() int {
	n := 0
	for _, f := range s {
		if !f.IsElision() {
			n++
		}
	}
	return n
}

// Leaf returns the innermost frame, or false for an empty stack.
func (s CallStack) Leaf() (StackFrame, bool) {
	if len(s) == 0 {
		return StackFrame{}, false
	}
	return s[len(s)-1], true
}

// Clone returns an independent copy of the stack.
func (s CallStack) Clone() CallStack {
	if s == nil {
		return nil
	}
	out := make(CallStack, len(s))
	copy(out, s)
	for i := range out {
		if len(s[i].Locals) > 0 {
			out[i].Locals = append([]Local(nil), s[i].Locals...)
		}
	}
	return out
}

// Truncate bounds a stack to maxDepth frames. The innermost frames carry
// the root-cause signal, so truncation keeps the innermost maxDepth-2
// frames plus the outermost frame (the entry point), with a single marker
// frame in between recording how many frames were dropped. maxDepth < 3
// is clamped to 3 so the marker and both anchors always fit.
func Truncate(s CallStack, maxDepth int) CallStack {
	if maxDepth <= 0 || len(s) <= maxDepth {
		return s.Clone()
	}
	if maxDepth < 3 {
		maxDepth = 3
	}
	if len(s) <= maxDepth {
		return s.Clone()
	}
	inner := maxDepth - 2
	dropped := len(s) - 1 - inner
	out := make(CallStack, 0, maxDepth)
	out = append(out, s[0])
	out = append(out, StackFrame{
		Function: fmt.Sprintf("[%d frames elided]", dropped),
		Elided:   dropped,
	})
	out = append(out, s[len(s)-inner:]...)
	return out.Clone()
}

// Capture is a copy-on-capture snapshot taken at the moment a fault was
// observed, before any unwinding popped frames.
type Capture struct {
	Fault string
	Stack CallStack
	At    time.Time
}

// Tracer consumes enter/exit events and maintains the live call stack.
// All methods are safe for concurrent use; in practice events arrive
// inline with the monitored program while snapshots may be requested
// from the engine.
type Tracer struct {
	mu          sync.Mutex
	granularity Granularity
	frames      CallStack
	seq         int64
	active      bool
	captured    *Capture
	logger      *zap.Logger
}

// New returns an idle Tracer. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{logger: logger}
}

// Start begins observation at the given granularity. Starting an active
// tracer is an error; live state from a previous run is discarded.
func (t *Tracer) Start(g Granularity) error {
	if g != GranularityFunction && g != GranularityStatement {
		return fmt.Errorf("invalid granularity %d", int(g))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return fmt.Errorf("tracer already active")
	}
	t.granularity = g
	t.frames = t.frames[:0]
	t.seq = 0
	t.captured = nil
	t.active = true
	return nil
}

// Stop ends observation and discards live state. Captured fault
// snapshots survive until the next Start.
func (t *Tracer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.frames = nil
}

// Active reports whether the tracer is observing.
func (t *Tracer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Enter pushes a frame for a function entry.
func (t *Tracer) Enter(function, file string, line int, locals []Local) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.seq++
	t.frames = append(t.frames, StackFrame{
		Function:  function,
		File:      file,
		Line:      line,
		Seq:       t.seq,
		Locals:    locals,
		EnteredAt: time.Now(),
	})
}

// Exit pops the innermost frame. Exit on an empty stack indicates an
// instrumentation mismatch; it is logged and ignored so one bad frame
// cannot corrupt the rest of the stack.
func (t *Tracer) Exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	if len(t.frames) == 0 {
		t.logger.Warn("tracer exit with empty stack")
		return
	}
	t.frames = t.frames[:len(t.frames)-1]
}

// Step records per-statement progress by advancing the current line of
// the innermost frame. Ignored unless statement granularity is active.
func (t *Tracer) Step(line int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.granularity != GranularityStatement {
		return
	}
	if len(t.frames) == 0 {
		return
	}
	t.frames[len(t.frames)-1].Line = line
}

// Fault records a fault snapshot. Only the first fault of a run is
// captured; it is taken before any unwinding, so the stack still holds
// every frame down to the failure site.
func (t *Tracer) Fault(description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.captured != nil {
		return
	}
	t.captured = &Capture{
		Fault: description,
		Stack: t.frames.Clone(),
		At:    time.Now(),
	}
}

// Captured returns the first fault snapshot of the current run, if any.
func (t *Tracer) Captured() (*Capture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.captured == nil {
		return nil, false
	}
	c := *t.captured
	c.Stack = t.captured.Stack.Clone()
	return &c, true
}

// CurrentStack returns an independent snapshot of the live stack. Safe
// to call while tracing is active.
func (t *Tracer) CurrentStack() CallStack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames.Clone()
}

// Depth returns the current live stack depth.
func (t *Tracer) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}
