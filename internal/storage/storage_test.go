package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGet(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	in := record{Name: "alpha", Count: 3}
	require.NoError(t, store.Put(ctx, []string{"session", "ns", "s1"}, in))

	var out record
	require.NoError(t, store.Get(ctx, []string{"session", "ns", "s1"}, &out))
	assert.Equal(t, in, out)
}

func TestGetMissing(t *testing.T) {
	store := New(t.TempDir())

	var out record
	err := store.Get(context.Background(), []string{"session", "nope"}, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"session", "s1"}, record{Name: "x"}))
	require.NoError(t, store.Delete(ctx, []string{"session", "s1"}))

	var out record
	assert.ErrorIs(t, store.Get(ctx, []string{"session", "s1"}, &out), ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, store.Delete(ctx, []string{"session", "s1"}))
}

func TestList(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"session", "ns", "a"}, record{}))
	require.NoError(t, store.Put(ctx, []string{"session", "ns", "b"}, record{}))

	items, err := store.List(ctx, []string{"session", "ns"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, items)

	// Missing prefix lists empty, not an error.
	items, err = store.List(ctx, []string{"session", "other"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScan(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"session", "a"}, record{Name: "one"}))
	require.NoError(t, store.Put(ctx, []string{"session", "b"}, record{Name: "two"}))

	seen := map[string]string{}
	err := store.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		seen[key] = r.Name
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "one", "b": "two"}, seen)
}

func TestPutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"k"}, record{Name: "v"}))

	// No temp file should remain after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
}

func TestExists(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	assert.False(t, store.Exists(ctx, []string{"k"}))
	require.NoError(t, store.Put(ctx, []string{"k"}, record{}))
	assert.True(t, store.Exists(ctx, []string{"k"}))
}
