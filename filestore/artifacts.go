package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// ArtifactStore holds the per-job artifact dumps written by annotated
// output nodes. One file per contract output under <root>/<job_id>/<name>.
// Append-only: the executor polls ReadArtifacts until all expected names
// exist.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates the artifacts root if needed.
func NewArtifactStore(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifacts root")
	}
	return &ArtifactStore{root: root}, nil
}

// Root returns the artifacts root directory.
func (a *ArtifactStore) Root() string {
	return a.root
}

// JobDir returns the artifact directory for one job.
func (a *ArtifactStore) JobDir(jobID string) string {
	return filepath.Join(a.root, jobID)
}

// WriteArtifact stores one artifact value. Strings are written verbatim
// (UTF-8); everything else as compact JSON. Writes are atomic so a
// concurrent reader never observes a partial value.
func (a *ArtifactStore) WriteArtifact(jobID, name string, value interface{}) error {
	name = contract.SanitizeName(name)
	if name == "" {
		return errors.NewInvalidRequestError("empty artifact name")
	}
	dir := a.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create job artifacts dir")
	}

	var data []byte
	if s, ok := value.(string); ok {
		data = []byte(s)
	} else {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "encode artifact %s", name)
		}
		data = encoded
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write artifact %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "publish artifact %s", name)
	}
	return nil
}

// ReadArtifacts returns the artifacts currently present for jobID as a map
// from name to parsed JSON, falling back to the raw string when the content
// is not valid JSON. A missing job directory yields an empty map.
func (a *ArtifactStore) ReadArtifacts(jobID string) (map[string]interface{}, error) {
	dir := a.JobDir(jobID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read job artifacts dir")
	}

	out := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read artifact %s", entry.Name())
		}
		var parsed interface{}
		if json.Unmarshal(data, &parsed) == nil {
			out[entry.Name()] = parsed
		} else {
			out[entry.Name()] = string(data)
		}
	}
	return out, nil
}
