// Package cache moves large files from watched paths into a shared
// content-addressed cache and leaves symlinks behind, so model weights
// survive pod restarts on the persistent volume.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

const manifestName = "manifest.json"

// ManagedFile is one manifest entry, keyed by sha256 in the manifest.
type ManagedFile struct {
	SHA256      string   `json:"-"`
	Source      string   `json:"source"`
	CachePath   string   `json:"cache_path"`
	LinkedPaths []string `json:"linked_paths"`
	LastSeen    float64  `json:"last_seen"`
}

// Manager reconciles watched paths against the cache.
type Manager struct {
	cacheRoot    string
	filesDir     string
	manifestPath string
	watchPaths   []string
	minFileSize  int64
	logger       *zap.SugaredLogger
}

// NewManager creates a Manager and its on-disk layout. Files below
// minFileSizeMB are left alone.
func NewManager(cacheRoot string, watchPaths []string, minFileSizeMB int, logger *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		cacheRoot:    cacheRoot,
		filesDir:     filepath.Join(cacheRoot, "files"),
		manifestPath: filepath.Join(cacheRoot, manifestName),
		watchPaths:   watchPaths,
		minFileSize:  int64(minFileSizeMB) * 1024 * 1024,
		logger:       logger,
	}
	if err := os.MkdirAll(m.filesDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache files dir")
	}
	if _, err := os.Stat(m.manifestPath); os.IsNotExist(err) {
		if err := os.WriteFile(m.manifestPath, []byte("{}"), 0o644); err != nil {
			return nil, errors.Wrap(err, "initialize manifest")
		}
	}
	return m, nil
}

func (m *Manager) loadManifest() (map[string]*ManagedFile, error) {
	data, err := os.ReadFile(m.manifestPath)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	manifest := map[string]*ManagedFile{}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return manifest, nil
}

func (m *Manager) saveManifest(manifest map[string]*ManagedFile) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	return os.WriteFile(m.manifestPath, data, 0o644)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ManageFile moves one file into the cache and replaces it with a symlink.
// Files that are already symlinks are reported as managed without touching
// them.
func (m *Manager) ManageFile(sourcePath string) (*ManagedFile, error) {
	info, err := os.Lstat(sourcePath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", sourcePath)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(sourcePath)
		digest := "symlink"
		if err == nil {
			if d, hashErr := hashFile(target); hashErr == nil {
				digest = d
			}
		} else {
			target, _ = os.Readlink(sourcePath)
		}
		return &ManagedFile{
			SHA256:      digest,
			Source:      sourcePath,
			CachePath:   target,
			LinkedPaths: []string{sourcePath},
			LastSeen:    float64(time.Now().Unix()),
		}, nil
	}

	if !info.Mode().IsRegular() {
		return nil, errors.NewInvalidRequestError("not a regular file: %s", sourcePath)
	}
	if info.Size() < m.minFileSize {
		return nil, errors.NewInvalidRequestError("file below threshold: %s", sourcePath)
	}

	digest, err := hashFile(sourcePath)
	if err != nil {
		return nil, errors.Wrapf(err, "hash %s", sourcePath)
	}

	cacheTarget := filepath.Join(m.filesDir, digest+"_"+filepath.Base(sourcePath))
	if _, err := os.Stat(cacheTarget); os.IsNotExist(err) {
		if err := os.Rename(sourcePath, cacheTarget); err != nil {
			return nil, errors.Wrapf(err, "move %s into cache", sourcePath)
		}
	} else {
		// Duplicate content; the cache copy wins.
		if err := os.Remove(sourcePath); err != nil {
			return nil, errors.Wrapf(err, "remove duplicate %s", sourcePath)
		}
	}

	if err := os.Symlink(cacheTarget, sourcePath); err != nil {
		return nil, errors.Wrapf(err, "symlink %s", sourcePath)
	}

	m.logger.Infow("File moved into cache",
		"source", sourcePath,
		"cache_path", cacheTarget,
		"size_bytes", info.Size(),
	)
	return &ManagedFile{
		SHA256:      digest,
		Source:      sourcePath,
		CachePath:   cacheTarget,
		LinkedPaths: []string{sourcePath},
		LastSeen:    float64(time.Now().Unix()),
	}, nil
}

// Reconcile walks every watch path and manages each large regular file,
// then persists the updated manifest.
func (m *Manager) Reconcile() (map[string]*ManagedFile, error) {
	manifest, err := m.loadManifest()
	if err != nil {
		return nil, err
	}

	for _, watchPath := range m.watchPaths {
		if _, err := os.Stat(watchPath); err != nil {
			continue
		}
		walkErr := filepath.WalkDir(watchPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() || info.Size() < m.minFileSize {
				return nil
			}
			managed, err := m.ManageFile(p)
			if err != nil {
				m.logger.Warnw("Cache reconcile skipped file", "path", p, "error", err)
				return nil
			}
			manifest[managed.SHA256] = managed
			return nil
		})
		if walkErr != nil {
			return nil, errors.Wrapf(walkErr, "walk %s", watchPath)
		}
	}

	if err := m.saveManifest(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}
