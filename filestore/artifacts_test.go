package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArtifacts(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := NewArtifactStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return store
}

func TestWriteAndReadArtifacts(t *testing.T) {
	store := newTestArtifacts(t)

	require.NoError(t, store.WriteArtifact("job1", "caption", "done"))
	require.NoError(t, store.WriteArtifact("job1", "score", 0.75))
	require.NoError(t, store.WriteArtifact("job1", "tags", []interface{}{"a", "b"}))

	got, err := store.ReadArtifacts("job1")
	require.NoError(t, err)
	assert.Equal(t, "done", got["caption"])
	assert.Equal(t, 0.75, got["score"])
	assert.Equal(t, []interface{}{"a", "b"}, got["tags"])
}

func TestReadArtifactsMissingJob(t *testing.T) {
	store := newTestArtifacts(t)
	got, err := store.ReadArtifacts("nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArtifactStringFallback(t *testing.T) {
	store := newTestArtifacts(t)
	// A raw value that is not valid JSON comes back as a string.
	dir := store.JobDir("job2")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw"), []byte("not: json {"), 0o644))

	got, err := store.ReadArtifacts("job2")
	require.NoError(t, err)
	assert.Equal(t, "not: json {", got["raw"])
}

func TestWriteArtifactSanitizesName(t *testing.T) {
	store := newTestArtifacts(t)
	require.NoError(t, store.WriteArtifact("job3", "../escape", "x"))

	got, err := store.ReadArtifacts("job3")
	require.NoError(t, err)
	_, ok := got["escape"]
	assert.True(t, ok)

	assert.Error(t, store.WriteArtifact("job3", "..", "x"))
}

func TestReadArtifactsIgnoresTempFiles(t *testing.T) {
	store := newTestArtifacts(t)
	require.NoError(t, store.WriteArtifact("job4", "done", "v"))
	dir := store.JobDir("job4")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.tmp"), []byte("half"), 0o644))

	got, err := store.ReadArtifacts("job4")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
