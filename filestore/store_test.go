package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	store, err := NewStore(database, filepath.Join(dir, "files"), zap.NewNop().Sugar())
	require.NoError(t, err)
	return store
}

func TestCreateFileInvariants(t *testing.T) {
	store := newTestStore(t)
	content := []byte("\x89PNG fake image bytes")

	rec, err := store.CreateFile(content, "image/png", SourceUploaded, "app1", "in.png")
	require.NoError(t, err)

	assert.True(t, IsFileID(rec.FileID))
	assert.Equal(t, int64(len(content)), rec.SizeBytes)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.SHA256)
	assert.Equal(t, ".png", filepath.Ext(rec.StoragePath))

	// The on-disk blob matches the record.
	onDisk, err := os.ReadFile(rec.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	got, err := store.GetFile(rec.FileID)
	require.NoError(t, err)
	assert.Equal(t, rec.FileID, got.FileID)
	assert.Equal(t, rec.SHA256, got.SHA256)
}

func TestCreateFileRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateFile(nil, "image/png", SourceUploaded, "", "x.png")
	assert.Error(t, err)
}

func TestCreateFileSanitizesOriginalName(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.CreateFile([]byte("data"), "image/png", SourceUploaded, "", "../../evil.png")
	require.NoError(t, err)
	assert.Equal(t, "evil.png", rec.OriginalName)
}

func TestGetFileNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetFile("fid_00000000000000000000000000000000")
	assert.Error(t, err)
}

func TestListFilesPagination(t *testing.T) {
	store := newTestStore(t)

	f1, err := store.CreateFile([]byte("one"), "image/png", SourceUploaded, "", "f1.png")
	require.NoError(t, err)
	f2, err := store.CreateFile([]byte("two"), "image/png", SourceUploaded, "", "f2.png")
	require.NoError(t, err)
	f3, err := store.CreateFile([]byte("three"), "image/png", SourceUploaded, "", "f3.png")
	require.NoError(t, err)

	// First page: newest first, cursor present.
	page, next, err := store.ListFiles(2, 0, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, f3.FileID, page[0].FileID)
	assert.Equal(t, f2.FileID, page[1].FileID)
	require.NotNil(t, next)
	assert.Equal(t, f2.CursorID, *next)

	// Second page: the remainder, no cursor.
	page, next, err = store.ListFiles(2, *next, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, f1.FileID, page[0].FileID)
	assert.Nil(t, next)
}

func TestListFilesCursorWalkHasNoDuplicates(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 7; i++ {
		_, err := store.CreateFile([]byte{byte(i + 1)}, "image/png", SourceUploaded, "", "")
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor int64
	for {
		page, next, err := store.ListFiles(3, cursor, ListFilter{})
		require.NoError(t, err)
		var prev int64
		for i, rec := range page {
			assert.False(t, seen[rec.FileID], "duplicate file id across pages")
			seen[rec.FileID] = true
			if i > 0 {
				assert.Less(t, rec.CursorID, prev, "cursor ids must be strictly descending")
			}
			prev = rec.CursorID
		}
		if next == nil {
			break
		}
		cursor = *next
	}
	assert.Len(t, seen, 7)
}

func TestListFilesFilters(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateFile([]byte("u"), "image/png", SourceUploaded, "app1", "")
	require.NoError(t, err)
	gen, err := store.CreateFile([]byte("g"), "image/png", SourceGenerated, "app1", "")
	require.NoError(t, err)

	page, _, err := store.ListFiles(10, 0, ListFilter{Source: SourceGenerated})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, gen.FileID, page[0].FileID)

	// Unknown filter values match nothing.
	page, _, err = store.ListFiles(10, 0, ListFilter{Source: SourceGenerated, AppID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListFilesClampsLimit(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateFile([]byte("x"), "image/png", SourceUploaded, "", "")
	require.NoError(t, err)
	_, err = store.CreateFile([]byte("y"), "image/png", SourceUploaded, "", "")
	require.NoError(t, err)
	_, err = store.CreateFile([]byte("z"), "image/png", SourceUploaded, "", "")
	require.NoError(t, err)

	// Zero and negative limits clamp to a single-record page, never a
	// default page size.
	page, next, err := store.ListFiles(0, 0, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.NotNil(t, next)

	page, _, err = store.ListFiles(-5, 0, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, _, err = store.ListFiles(100000, 0, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestRegisterExistingFile(t *testing.T) {
	store := newTestStore(t)
	src := filepath.Join(t.TempDir(), "out.png")
	content := []byte("engine wrote this")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	rec, err := store.RegisterExistingFile(src, "image/png", SourceGenerated, "app1")
	require.NoError(t, err)
	assert.True(t, IsFileID(rec.FileID))
	assert.Equal(t, int64(len(content)), rec.SizeBytes)

	// Original path is gone, blob lives in the store.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	onDisk, err := store.ReadBlob(rec)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)
}

func TestRegisterExistingFileRemovesBlobOnIndexFailure(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database, nil))

	blobsDir := filepath.Join(dir, "files")
	store, err := NewStore(database, blobsDir, zap.NewNop().Sugar())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, os.WriteFile(src, []byte("engine wrote this"), 0o644))

	// A dead index must not leave an orphaned blob behind.
	require.NoError(t, database.Close())
	_, err = store.RegisterExistingFile(src, "image/png", SourceGenerated, "app1")
	require.Error(t, err)

	entries, err := os.ReadDir(blobsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIsFileID(t *testing.T) {
	assert.True(t, IsFileID(NewFileID()))
	assert.False(t, IsFileID("fid_short"))
	assert.False(t, IsFileID("job_00000000000000000000000000000000"))
	assert.False(t, IsFileID("fid_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))
}
