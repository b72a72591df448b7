package intercept

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installed(t *testing.T, cfg Config) *Interceptor {
	t.Helper()
	ic := New(cfg)
	require.NoError(t, ic.Install())
	return ic
}

func TestInterceptor_CapacityBound(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 3})

	for i := 0; i < 10; i++ {
		ic.Record(LevelInfo, "test", fmt.Sprintf("line %d", i))
		assert.LessOrEqual(t, ic.Len(), 3, "capacity must hold at every observation point")
	}

	got := ic.Snapshot(0)
	require.Len(t, got, 3)
	// Strictly oldest-first eviction: only the newest three survive.
	assert.Equal(t, "line 7", got[0].Message)
	assert.Equal(t, "line 8", got[1].Message)
	assert.Equal(t, "line 9", got[2].Message)
}

func TestInterceptor_SnapshotDoesNotMutate(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 10})
	ic.Record(LevelInfo, "test", "one")
	ic.Record(LevelInfo, "test", "two")

	first := ic.Snapshot(1)
	require.Len(t, first, 1)
	assert.Equal(t, "two", first[0].Message)

	again := ic.Snapshot(0)
	require.Len(t, again, 2)
	assert.Equal(t, "one", again[0].Message)
}

func TestInterceptor_RecordRequiresInstall(t *testing.T) {
	ic := New(Config{MaxRecords: 5})
	ic.Record(LevelInfo, "test", "dropped")
	assert.Equal(t, 0, ic.Len())

	require.NoError(t, ic.Install())
	assert.Error(t, ic.Install(), "double install must fail")

	ic.Record(LevelInfo, "test", "kept")
	assert.Equal(t, 1, ic.Len())

	ic.Uninstall()
	ic.Record(LevelInfo, "test", "dropped again")
	assert.Equal(t, 1, ic.Len())

	// Uninstall is idempotent.
	ic.Uninstall()
}

func TestInterceptor_BlankLinesSkipped(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 10})
	ic.Record(LevelInfo, "test", "")
	ic.Record(LevelInfo, "test", "   \t")
	ic.Record(LevelInfo, "test", "real")
	assert.Equal(t, 1, ic.Len())
	assert.Equal(t, "real", ic.Snapshot(0)[0].Message)
}

func TestInterceptor_DebugGatedByVerbose(t *testing.T) {
	t.Run("default drops debug", func(t *testing.T) {
		ic := installed(t, Config{MaxRecords: 5})
		ic.Record(LevelDebug, "test", "noise")
		assert.Equal(t, 0, ic.Len())
	})
	t.Run("verbose keeps debug", func(t *testing.T) {
		ic := installed(t, Config{MaxRecords: 5, Verbose: true})
		ic.Record(LevelDebug, "test", "signal")
		assert.Equal(t, 1, ic.Len())
	})
}

func TestTeeWriter_ForwardsAndCaptures(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 10})
	var dst bytes.Buffer
	w := ic.Writer(LevelInfo, "stdout", &dst)

	n, err := w.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	// Original destination sees every byte, unmodified.
	assert.Equal(t, "hello\nworld\n", dst.String())

	recs := ic.Snapshot(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "hello", recs[0].Message)
	assert.Equal(t, "world", recs[1].Message)
	assert.Equal(t, "stdout", recs[0].Origin)
	assert.Equal(t, LevelInfo, recs[0].Level)
}

func TestTeeWriter_PartialLines(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 10})
	var dst bytes.Buffer
	w := ic.Writer(LevelInfo, "stdout", &dst)

	_, _ = w.Write([]byte("par"))
	_, _ = w.Write([]byte("tial"))
	assert.Equal(t, 0, ic.Len(), "incomplete lines wait for a newline")

	_, _ = w.Write([]byte(" line\n"))
	recs := ic.Snapshot(0)
	require.Len(t, recs, 1)
	assert.Equal(t, "partial line", recs[0].Message)

	// Trailing partial output is flushed at uninstall.
	_, _ = w.Write([]byte("no newline"))
	ic.Uninstall()
	recs = ic.Snapshot(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "no newline", recs[1].Message)
}

func TestTeeWriter_SeverityPrefixes(t *testing.T) {
	ic := installed(t, Config{MaxRecords: 10, Verbose: true})
	var dst bytes.Buffer
	w := ic.Writer(LevelInfo, "stderr", &dst)

	_, _ = w.Write([]byte("ERROR: it broke\nWARN: heads up\nDEBUG: detail\nplain\n"))

	recs := ic.Snapshot(0)
	require.Len(t, recs, 4)
	assert.Equal(t, LevelError, recs[0].Level)
	assert.Equal(t, LevelWarn, recs[1].Level)
	assert.Equal(t, LevelDebug, recs[2].Level)
	assert.Equal(t, LevelInfo, recs[3].Level)
}

func TestTeeWriter_PassThroughWhenNotInstalled(t *testing.T) {
	ic := New(Config{MaxRecords: 10})
	var dst bytes.Buffer
	w := ic.Writer(LevelInfo, "stdout", &dst)

	_, _ = w.Write([]byte("before install\n"))
	assert.Equal(t, "before install\n", dst.String())
	assert.Equal(t, 0, ic.Len())
}

func TestInterceptor_RecordTimestamps(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ic := New(Config{MaxRecords: 5, Now: func() time.Time { return now }})
	require.NoError(t, ic.Install())

	ic.Record(LevelInfo, "test", "stamped")
	recs := ic.Snapshot(0)
	require.Len(t, recs, 1)
	assert.Equal(t, now, recs[0].Time)
}
