package cache

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, watchPaths []string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "cache"), watchPaths, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m
}

func largeContent() []byte {
	return bytes.Repeat([]byte("w"), 1<<20+1)
}

func TestManageFileMovesAndSymlinks(t *testing.T) {
	watch := t.TempDir()
	m := newTestManager(t, []string{watch})

	src := filepath.Join(watch, "model.safetensors")
	content := largeContent()
	require.NoError(t, os.WriteFile(src, content, 0o644))

	managed, err := m.ManageFile(src)
	require.NoError(t, err)
	assert.Len(t, managed.SHA256, 64)
	assert.Contains(t, filepath.Base(managed.CachePath), "model.safetensors")

	// The source is now a symlink to the cache copy.
	info, err := os.Lstat(src)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestManageFileRejectsSmallFiles(t *testing.T) {
	watch := t.TempDir()
	m := newTestManager(t, []string{watch})

	src := filepath.Join(watch, "small.txt")
	require.NoError(t, os.WriteFile(src, []byte("tiny"), 0o644))

	_, err := m.ManageFile(src)
	assert.Error(t, err)
	// Untouched.
	info, err := os.Lstat(src)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestManageFileIdempotentOnSymlink(t *testing.T) {
	watch := t.TempDir()
	m := newTestManager(t, []string{watch})

	src := filepath.Join(watch, "model.safetensors")
	require.NoError(t, os.WriteFile(src, largeContent(), 0o644))

	first, err := m.ManageFile(src)
	require.NoError(t, err)

	// The second pass sees the symlink and reports it without moving again.
	second, err := m.ManageFile(src)
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.CachePath, second.CachePath)
}

func TestReconcileWritesManifest(t *testing.T) {
	watch := t.TempDir()
	m := newTestManager(t, []string{watch, filepath.Join(watch, "does-not-exist")})

	big := filepath.Join(watch, "nested", "weights.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(big), 0o755))
	require.NoError(t, os.WriteFile(big, largeContent(), 0o644))
	small := filepath.Join(watch, "config.yaml")
	require.NoError(t, os.WriteFile(small, []byte("k: v"), 0o644))

	manifest, err := m.Reconcile()
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	for _, entry := range manifest {
		assert.Equal(t, big, entry.Source)
		assert.Contains(t, entry.LinkedPaths, big)
	}

	// The small file stays put.
	info, err := os.Lstat(small)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	// The manifest round-trips from disk.
	data, err := os.ReadFile(filepath.Join(m.cacheRoot, manifestName))
	require.NoError(t, err)
	var persisted map[string]*ManagedFile
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 1)

	// Reconciling again is a no-op: the symlink is below the walk's regular
	// file filter.
	manifest, err = m.Reconcile()
	require.NoError(t, err)
	assert.Len(t, manifest, 1)
}
