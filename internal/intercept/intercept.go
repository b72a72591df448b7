// Package intercept captures log and diagnostic output emitted during a
// monitored run without altering its original destination. Captured
// records land in a bounded buffer; when the buffer is full the oldest
// records are evicted silently. Whitespace-only lines carry no
// diagnostic signal and are not recorded; they still reach the original
// destination untouched.
package intercept

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Level is the severity attached to a captured record.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int8(l))
	}
}

// LogRecord is one captured log line.
type LogRecord struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Origin  string    `json:"origin"`
}

// Config bounds and tunes an Interceptor.
type Config struct {
	// MaxRecords caps the capture buffer. Zero means DefaultMaxRecords.
	MaxRecords int
	// Verbose enables capture of debug-level records, which are
	// otherwise dropped to keep the buffer focused on signal.
	Verbose bool
	// Now is the clock used to stamp records; nil means time.Now.
	Now func() time.Time
}

// DefaultMaxRecords is the capture buffer capacity when none is set.
const DefaultMaxRecords = 1000

// Interceptor tees log output into a bounded ring buffer. The buffer is
// the only state shared between the monitored program's log calls and
// snapshot readers; a mutex held only for the duration of a copy keeps
// snapshots consistent without stalling writers.
type Interceptor struct {
	mu        sync.Mutex
	records   []LogRecord
	start     int
	count     int
	cap       int
	verbose   bool
	installed bool
	now       func() time.Time
	writers   []*teeWriter
}

// New returns an Interceptor that is not yet capturing.
func New(cfg Config) *Interceptor {
	capacity := cfg.MaxRecords
	if capacity <= 0 {
		capacity = DefaultMaxRecords
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Interceptor{
		records: make([]LogRecord, capacity),
		cap:     capacity,
		verbose: cfg.Verbose,
		now:     now,
	}
}

// Install begins capturing. Writers created via Writer only record while
// the interceptor is installed; before and after they pass bytes through
// untouched.
func (i *Interceptor) Install() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installed {
		return fmt.Errorf("interceptor already installed")
	}
	i.installed = true
	return nil
}

// Uninstall deterministically restores the original output path: pending
// partial lines are flushed into the buffer and subsequent writes are
// forwarded only. Safe to call multiple times and on every exit path.
func (i *Interceptor) Uninstall() {
	i.mu.Lock()
	writers := append([]*teeWriter(nil), i.writers...)
	i.mu.Unlock()
	for _, w := range writers {
		w.flush()
	}
	i.mu.Lock()
	i.installed = false
	i.mu.Unlock()
}

// Installed reports whether capture is active.
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

// Record appends one captured line to the buffer. Whitespace-only
// messages are skipped. Overflow evicts the oldest record; Record never
// fails.
func (i *Interceptor) Record(level Level, origin, message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.installed {
		return
	}
	if level == LevelDebug && !i.verbose {
		return
	}
	rec := LogRecord{
		Time:    i.now(),
		Level:   level,
		Message: message,
		Origin:  origin,
	}
	if i.count < i.cap {
		i.records[(i.start+i.count)%i.cap] = rec
		i.count++
		return
	}
	// Full: overwrite the oldest slot.
	i.records[i.start] = rec
	i.start = (i.start + 1) % i.cap
}

// Len returns the number of buffered records.
func (i *Interceptor) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.count
}

// Snapshot returns a copy of the most recent n records in arrival order
// without mutating the buffer. n <= 0 returns everything buffered.
func (i *Interceptor) Snapshot(n int) []LogRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n <= 0 || n > i.count {
		n = i.count
	}
	out := make([]LogRecord, n)
	first := i.start + i.count - n
	for j := 0; j < n; j++ {
		out[j] = i.records[(first+j)%i.cap]
	}
	return out
}

// Writer returns an io.Writer that forwards every byte to dst and, while
// the interceptor is installed, records complete lines at the given
// default level. Severity prefixes emitted by common loggers ("ERROR:",
// "WARN:", "DEBUG:") refine the level per line.
func (i *Interceptor) Writer(level Level, origin string, dst io.Writer) io.Writer {
	w := &teeWriter{
		interceptor: i,
		level:       level,
		origin:      origin,
		dst:         dst,
	}
	i.mu.Lock()
	i.writers = append(i.writers, w)
	i.mu.Unlock()
	return w
}

type teeWriter struct {
	interceptor *Interceptor
	level       Level
	origin      string
	dst         io.Writer

	mu      sync.Mutex
	pending []byte
}

// Write forwards to the original destination first, then records complete
// lines. A short write to the destination is reported to the caller, but
// capture itself never raises.
func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if !w.interceptor.Installed() {
		return n, err
	}
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending[:idx])
		w.pending = w.pending[idx+1:]
		w.record(line)
	}
	w.mu.Unlock()
	return n, err
}

// flush records any trailing partial line.
func (w *teeWriter) flush() {
	w.mu.Lock()
	if len(w.pending) > 0 {
		w.record(string(w.pending))
		w.pending = w.pending[:0]
	}
	w.mu.Unlock()
}

func (w *teeWriter) record(line string) {
	level := w.level
	switch {
	case hasSeverityPrefix(line, "ERROR"):
		level = LevelError
	case hasSeverityPrefix(line, "WARN"), hasSeverityPrefix(line, "WARNING"):
		level = LevelWarn
	case hasSeverityPrefix(line, "DEBUG"):
		level = LevelDebug
	}
	w.interceptor.Record(level, w.origin, line)
}

func hasSeverityPrefix(line, name string) bool {
	rest, ok := strings.CutPrefix(strings.TrimLeft(line, " \t"), name)
	if !ok {
		return false
	}
	return strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, " ")
}
