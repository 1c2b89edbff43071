package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradcafe-crawler/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, dir
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "data", "artifacts")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NoError(t, store.Close())
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: " "})
		require.ErrorContains(t, err, "base directory is required")
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "artifacts")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObjectReplacesAtomically(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "last_page.json", "application/json", strings.NewReader(`{"page":1}`))
	require.NoError(t, err)
	uri, err := store.PutObject(ctx, "last_page.json", "application/json", strings.NewReader(`{"page":2}`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "last_page.json"), uri)

	got, err := os.ReadFile(filepath.Join(dir, "last_page.json")) // #nosec G304 -- temp dir
	require.NoError(t, err)
	require.JSONEq(t, `{"page":2}`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging files left behind")
}

func TestPutObjectNestedPath(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	uri, err := store.PutObject(context.Background(), "runs/2026/new_data.json", "application/json", strings.NewReader("[]"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "runs", "2026", "new_data.json"), uri)
	require.FileExists(t, filepath.Join(dir, "runs", "2026", "new_data.json"))
}

func TestPutObjectRejectsEscapes(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	ctx := context.Background()

	_, err := store.PutObject(ctx, "", "application/json", strings.NewReader("{}"))
	require.ErrorContains(t, err, "path is required")

	_, err = store.PutObject(ctx, "../escape.json", "application/json", strings.NewReader("{}"))
	require.ErrorContains(t, err, "escapes the artifact directory")

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))
	_, err = store.PutObject(ctx, "link/escape.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(outside, "escape.json"))
}
