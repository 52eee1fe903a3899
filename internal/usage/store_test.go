package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndHistory(t *testing.T) {
	store := openStore(t)

	store.Record("alice", "claude-opus-4-20250514")
	store.Record("alice", "claude-opus-4-20250514")
	store.Record("bob", "gpt-4o")

	entries, err := store.History()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	today := time.Now().Format("2006-01-02")
	byKey := map[string]DayEntry{}
	for _, entry := range entries {
		byKey[entry.Key] = entry
		assert.Equal(t, today, entry.Day)
	}
	assert.Equal(t, uint64(2), byKey["alice"].Count)
	assert.Equal(t, "claude-opus-4-20250514", byKey["alice"].Model)
	assert.Equal(t, uint64(1), byKey["bob"].Count)
}

func TestRecordKeyNameWithSlashes(t *testing.T) {
	store := openStore(t)

	// The middle segment may itself contain slashes; the split keeps the
	// first segment as the day and the last as the model.
	store.Record("team/alice", "auto-claude")

	entries, err := store.History()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "team/alice", entries[0].Key)
	assert.Equal(t, "auto-claude", entries[0].Model)
}

func TestHistoryEmpty(t *testing.T) {
	store := openStore(t)
	entries, err := store.History()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordOnNilStore(t *testing.T) {
	var store *Store
	// Must be a no-op, not a panic; usage recording is best effort.
	store.Record("alice", "model")
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want []string
	}{
		{"plain", "2026-08-24/alice/model", []string{"2026-08-24", "alice", "model"}},
		{"slashes in key name", "2026-08-24/a/b/model", []string{"2026-08-24", "a/b", "model"}},
		{"no separators", "garbage", nil},
		{"single separator", "day/rest", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitKey(tt.key))
		})
	}
}
