package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := Session{
		ID:        uuid.NewString(),
		Script:    "examples/crash.go",
		Status:    "reported",
		Fault:     "runtime error: index out of range",
		Report:    []byte(`{"status":"reported"}`),
		CreatedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Script, got.Script)
	assert.Equal(t, sess.Status, got.Status)
	assert.Equal(t, sess.Fault, got.Fault)
	assert.JSONEq(t, string(sess.Report), string(got.Report))
	assert.True(t, got.CreatedAt.Equal(sess.CreatedAt))
}

func TestStore_GetUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(context.Background(), Session{Script: "a.go", Report: []byte("{}")})
	assert.Error(t, err)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := Session{ID: "fixed", Script: "a.go", Status: "completed", Report: []byte("{}"), CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, sess))

	sess.Status = "reported"
	sess.Fault = "boom"
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Get(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "reported", got.Status)
	assert.Equal(t, "boom", got.Fault)

	all, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, Session{
			ID:        string(rune('a' + i)),
			Script:    "a.go",
			Status:    "completed",
			Report:    []byte("{}"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
	assert.Equal(t, "c", got[2].ID)

	// A non-positive limit falls back to the default page size.
	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Session{ID: "persist", Script: "a.go", Status: "completed", Report: []byte("{}"), CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, "persist", got.ID)
	assert.Equal(t, path, s2.Path())
}

func TestOpen_EnablesWAL(t *testing.T) {
	s := newTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_CreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "sessions.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(context.Background(), Session{ID: "x", Script: "a.go", Status: "completed", Report: []byte("{}"), CreatedAt: time.Now()}))
}
