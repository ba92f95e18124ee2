package contract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

// loadStructuredFile decodes a JSON or YAML file into out, choosing the
// decoder by extension (.yaml/.yml → YAML, everything else → JSON).
func loadStructuredFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "parse yaml %s", path)
		}
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "parse json %s", path)
		}
	}
	return nil
}

// LoadContract loads and validates a workflow contract from a JSON or YAML
// file.
func LoadContract(path string) (*WorkflowContract, error) {
	var c WorkflowContract
	if err := loadStructuredFile(path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "contract %s", path)
	}
	return &c, nil
}

// LoadArtifactSpecs loads artifact specs from a JSON or YAML file holding
// either a bare list or an object with an "artifacts" key.
func LoadArtifactSpecs(path string) ([]ArtifactSpec, error) {
	var specs []ArtifactSpec
	if err := loadStructuredFile(path, &specs); err == nil {
		// bare list form
		for i := range specs {
			if err := specs[i].Validate(); err != nil {
				return nil, errors.Wrapf(err, "artifact %d", i)
			}
		}
		return specs, nil
	}

	var wrapped struct {
		Artifacts []ArtifactSpec `json:"artifacts" yaml:"artifacts"`
	}
	if err := loadStructuredFile(path, &wrapped); err != nil {
		return nil, err
	}
	for i := range wrapped.Artifacts {
		if err := wrapped.Artifacts[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "artifact %d", i)
		}
	}
	return wrapped.Artifacts, nil
}
