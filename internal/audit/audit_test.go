package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecent(t *testing.T) {
	l := openTestLog(t)

	l.Append("google", "diagnose", "ok", "usage field renamed")
	l.Append("google", "research", "ok", "1 citations")
	l.Append("openai", "apply", "committed", "v2 healed-auto")

	entries, err := l.Recent("google", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Most recent first.
	assert.Equal(t, "research", entries[0].Phase)
	assert.Equal(t, "diagnose", entries[1].Phase)
	assert.False(t, entries[0].CreatedAt.IsZero())

	all, err := l.Recent("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecentLimit(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 20; i++ {
		l.Append("google", "diagnose", "ok", "")
	}
	entries, err := l.Recent("google", 5)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	l, err := Open(path)
	require.NoError(t, err)
	l.Append("xai", "apply", "committed", "v3")
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	entries, err := l2.Recent("xai", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "committed", entries[0].Status)
}
