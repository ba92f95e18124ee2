// Package filestore implements the content-addressed file store: one blob
// per record under a flat directory, with metadata rows in the SQLite state
// database. Listing is keyset-paginated over the auto-increment row id.
package filestore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// File sources.
const (
	SourceUploaded  = "uploaded"
	SourceGenerated = "generated"
)

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// FileRecord is the immutable metadata for one stored blob. The storage
// path and pagination cursor never leave the process boundary.
type FileRecord struct {
	FileID       string `json:"file_id"`
	MediaType    string `json:"media_type"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
	Source       string `json:"source"`
	AppID        string `json:"app_id,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	CreatedAt    string `json:"created_at"`

	StoragePath string `json:"-"`
	CursorID    int64  `json:"-"`
}

// ListFilter narrows a listing; zero values match everything.
type ListFilter struct {
	MediaType string
	Source    string
	AppID     string
}

// Store is the file store handle. Mutations are serialized by a writer
// lock; reads go straight to the index.
type Store struct {
	db       *sql.DB
	blobsDir string
	logger   *zap.SugaredLogger

	mu sync.Mutex // serializes blob write + row insert
}

// NewStore creates a Store writing blobs under blobsDir. The files table
// must already be migrated on db.
func NewStore(db *sql.DB, blobsDir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create blobs directory")
	}
	return &Store{db: db, blobsDir: blobsDir, logger: logger}, nil
}

// NewFileID returns a fresh opaque file id: fid_ + 32 hex characters.
func NewFileID() string {
	return "fid_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsFileID reports whether s has the opaque file id shape.
func IsFileID(s string) bool {
	if !strings.HasPrefix(s, "fid_") || len(s) != 4+32 {
		return false
	}
	_, err := hex.DecodeString(s[4:])
	return err == nil
}

// CreateFile writes content as a new blob and inserts its metadata row.
// The blob write completes before the row becomes visible to GetFile.
func (s *Store) CreateFile(content []byte, mediaType, source, appID, originalName string) (*FileRecord, error) {
	if len(content) == 0 {
		return nil, errors.NewInvalidRequestError("empty file content")
	}
	if source != SourceUploaded && source != SourceGenerated {
		return nil, errors.NewInvalidRequestError("unknown file source %q", source)
	}

	originalName = contract.SanitizeName(originalName)

	sum := sha256.Sum256(content)
	fileID := NewFileID()
	ext := blobExt(originalName, mediaType)
	storagePath := filepath.Join(s.blobsDir, fileID+ext)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(storagePath, content); err != nil {
		return nil, errors.Wrap(err, "write blob")
	}

	rec := &FileRecord{
		FileID:       fileID,
		MediaType:    mediaType,
		SizeBytes:    int64(len(content)),
		SHA256:       hex.EncodeToString(sum[:]),
		Source:       source,
		AppID:        appID,
		OriginalName: originalName,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		StoragePath:  storagePath,
	}

	if err := s.insert(rec); err != nil {
		os.Remove(storagePath)
		return nil, err
	}

	if s.logger != nil {
		s.logger.Debugw("File stored",
			"file_id", rec.FileID,
			"media_type", rec.MediaType,
			"size_bytes", rec.SizeBytes,
			"source", rec.Source,
		)
	}
	return rec, nil
}

// RegisterExistingFile adopts a blob already on disk (written by an output
// node) without copying it. The file is renamed into the blobs directory.
func (s *Store) RegisterExistingFile(path, mediaType, source, appID string) (*FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	h := sha256.New()
	size, err := io.Copy(h, f)
	f.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "hash %s", path)
	}
	if size == 0 {
		return nil, errors.NewInvalidRequestError("empty file content")
	}

	originalName := contract.SanitizeName(filepath.Base(path))
	fileID := NewFileID()
	ext := blobExt(originalName, mediaType)
	storagePath := filepath.Join(s.blobsDir, fileID+ext)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(path, storagePath); err != nil {
		// Cross-device rename fails on some pod mounts; fall back to copy.
		if copyErr := copyFile(path, storagePath); copyErr != nil {
			return nil, errors.Wrap(copyErr, "adopt blob")
		}
		os.Remove(path)
	}

	rec := &FileRecord{
		FileID:       fileID,
		MediaType:    mediaType,
		SizeBytes:    size,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
		Source:       source,
		AppID:        appID,
		OriginalName: originalName,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		StoragePath:  storagePath,
	}
	if err := s.insert(rec); err != nil {
		os.Remove(storagePath)
		return nil, err
	}
	return rec, nil
}

func (s *Store) insert(rec *FileRecord) error {
	res, err := s.db.Exec(`
		INSERT INTO files (file_id, media_type, size_bytes, sha256, source, app_id, original_name, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FileID, rec.MediaType, rec.SizeBytes, rec.SHA256, rec.Source,
		nullable(rec.AppID), nullable(rec.OriginalName), rec.StoragePath, rec.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert file record")
	}
	rec.CursorID, err = res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read cursor id")
	}
	return nil
}

// GetFile returns the record for fileID, or ErrNotFound.
func (s *Store) GetFile(fileID string) (*FileRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, file_id, media_type, size_bytes, sha256, source, app_id, original_name, storage_path, created_at
		FROM files WHERE file_id = ?`, fileID)
	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("file %s", fileID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query file")
	}
	return rec, nil
}

// ReadBlob returns the blob bytes for a record.
func (s *Store) ReadBlob(rec *FileRecord) ([]byte, error) {
	data, err := os.ReadFile(rec.StoragePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", rec.FileID)
	}
	return data, nil
}

// ListFiles returns one page ordered strictly descending by cursor id.
// cursor = the smallest cursor id of the previous page; 0 means first page.
// nextCursor is non-nil iff more rows exist past this page. limit is
// clamped into [1, MaxListLimit]; callers substitute DefaultListLimit when
// the client sent no limit at all.
func (s *Store) ListFiles(limit int, cursor int64, filter ListFilter) ([]*FileRecord, *int64, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, file_id, media_type, size_bytes, sha256, source, app_id, original_name, storage_path, created_at
		FROM files WHERE 1=1`
	args := []interface{}{}
	if cursor > 0 {
		query += " AND id < ?"
		args = append(args, cursor)
	}
	if filter.MediaType != "" {
		query += " AND media_type = ?"
		args = append(args, filter.MediaType)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.AppID != "" {
		query += " AND app_id = ?"
		args = append(args, filter.AppID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list files")
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, nil, errors.Wrap(err, "scan file row")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "iterate files")
	}

	var nextCursor *int64
	if len(records) > limit {
		records = records[:limit]
		c := records[len(records)-1].CursorID
		nextCursor = &c
	}
	return records, nextCursor, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var rec FileRecord
	var appID, originalName sql.NullString
	err := row.Scan(&rec.CursorID, &rec.FileID, &rec.MediaType, &rec.SizeBytes,
		&rec.SHA256, &rec.Source, &appID, &originalName, &rec.StoragePath, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.AppID = appID.String
	rec.OriginalName = originalName.String
	return &rec, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// blobExt derives the on-disk extension: original name first, then the
// media type's canonical extension.
func blobExt(originalName, mediaType string) string {
	if originalName != "" {
		if ext := filepath.Ext(originalName); ext != "" {
			return ext
		}
	}
	return contract.FieldType(mediaType).CanonicalExt()
}

func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
