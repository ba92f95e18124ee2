package contract

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

// EndpointSpec configures the HTTP surface of a deployed app.
type EndpointSpec struct {
	Name           string `json:"name" yaml:"name"`
	Mode           string `json:"mode" yaml:"mode"`
	AuthMode       string `json:"auth_mode" yaml:"auth_mode"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxPayloadMB   int    `json:"max_payload_mb" yaml:"max_payload_mb"`
}

// CachePolicy configures large-file cache reconciliation.
type CachePolicy struct {
	WatchPaths     []string `json:"watch_paths" yaml:"watch_paths"`
	MinFileSizeMB  int      `json:"min_file_size_mb" yaml:"min_file_size_mb"`
	SymlinkTargets []string `json:"symlink_targets" yaml:"symlink_targets"`
}

// BuildPlugin names one custom-node repository baked into the image.
type BuildPlugin struct {
	Repo string `json:"repo" yaml:"repo"`
	Ref  string `json:"ref" yaml:"ref"`
}

// BuildSpec is the subset of the build declaration the runtime consults.
type BuildSpec struct {
	ComfyVersion string        `json:"comfy_version" yaml:"comfy_version"`
	Plugins      []BuildPlugin `json:"plugins" yaml:"plugins"`
}

// AppSpec is the declarative app description. Deploy-time-only fields
// (provider, regions, image refs) are ignored here.
type AppSpec struct {
	AppID        string            `json:"app_id" yaml:"app_id"`
	Version      string            `json:"version" yaml:"version"`
	WorkflowPath string            `json:"workflow_path" yaml:"workflow_path"`
	Env          map[string]string `json:"env" yaml:"env"`
	Endpoint     EndpointSpec      `json:"endpoint" yaml:"endpoint"`
	CachePolicy  CachePolicy       `json:"cache_policy" yaml:"cache_policy"`
	Build        BuildSpec         `json:"build" yaml:"build"`
	Artifacts    []ArtifactSpec    `json:"artifacts" yaml:"artifacts"`
}

// ParseAppSpec loads and validates an app spec from a JSON or YAML file.
// A relative workflow_path is resolved against the app spec file's directory.
func ParseAppSpec(path string) (*AppSpec, error) {
	var spec AppSpec
	if err := loadStructuredFile(path, &spec); err != nil {
		return nil, err
	}
	if spec.AppID == "" || spec.Version == "" || spec.WorkflowPath == "" {
		return nil, errors.NewInvalidRequestError("app spec requires app_id, version and workflow_path")
	}
	if !filepath.IsAbs(spec.WorkflowPath) {
		spec.WorkflowPath = filepath.Join(filepath.Dir(path), spec.WorkflowPath)
	}
	for i := range spec.Artifacts {
		if err := spec.Artifacts[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "artifact %d", i)
		}
	}
	return &spec, nil
}

// ContractExportPath returns the expected contract export location next to a
// workflow file: <workflow>.contract.json.
func ContractExportPath(workflowPath string) string {
	base := strings.TrimSuffix(workflowPath, filepath.Ext(workflowPath))
	return base + ".contract.json"
}

// ValidateDeployableSpec loads the app spec and its workflow contract,
// failing when either file is missing.
func ValidateDeployableSpec(path string) (*AppSpec, *WorkflowContract, error) {
	spec, err := ParseAppSpec(path)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(spec.WorkflowPath); err != nil {
		return nil, nil, errors.NewInvalidRequestError("workflow file not found: %s", spec.WorkflowPath)
	}
	contractPath := ContractExportPath(spec.WorkflowPath)
	if _, err := os.Stat(contractPath); err != nil {
		return nil, nil, errors.NewInvalidRequestError(
			"missing workflow contract export, expected file next to workflow: %s", contractPath)
	}
	c, err := LoadContract(contractPath)
	if err != nil {
		return nil, nil, err
	}
	return spec, c, nil
}
