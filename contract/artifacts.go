package contract

import (
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// Artifact kinds.
const (
	ArtifactKindModel      = "model"
	ArtifactKindCustomNode = "custom_node"
)

// ModelSubdirs is the fixed set of model subdirectories an artifact spec may
// target, matching the engine's models/ layout.
var ModelSubdirs = []string{
	"checkpoints",
	"diffusion_models",
	"text_encoders",
	"vae",
	"loras",
	"controlnet",
}

// IsModelSubdir reports whether name is one of the fixed model subdirs.
func IsModelSubdir(name string) bool {
	for _, s := range ModelSubdirs {
		if s == name {
			return true
		}
	}
	return false
}

// ArtifactSpec declares one deploy-time dependency the resolver must
// materialize before the gateway is exposed.
type ArtifactSpec struct {
	Kind string `json:"kind" yaml:"kind"`

	// Model fields
	Match        string `json:"match,omitempty" yaml:"match,omitempty"`
	SourceURL    string `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	TargetSubdir string `json:"target_subdir,omitempty" yaml:"target_subdir,omitempty"`
	TargetPath   string `json:"target_path,omitempty" yaml:"target_path,omitempty"`

	// Custom-node fields
	Ref      string   `json:"ref,omitempty" yaml:"ref,omitempty"`
	Provides []string `json:"provides,omitempty" yaml:"provides,omitempty"`
}

// Validate enforces per-kind required fields and the fixed subdir set.
func (s *ArtifactSpec) Validate() error {
	switch s.Kind {
	case ArtifactKindModel:
		if s.SourceURL == "" {
			return errors.NewInvalidRequestError("model artifact requires source_url")
		}
		if s.Match == "" && s.TargetPath == "" {
			return errors.NewInvalidRequestError("model artifact requires match or target_path")
		}
		if !IsModelSubdir(s.TargetSubdir) {
			return errors.NewInvalidRequestError("unknown target_subdir %q", s.TargetSubdir)
		}
	case ArtifactKindCustomNode:
		if s.SourceURL == "" {
			return errors.NewInvalidRequestError("custom_node artifact requires source_url")
		}
	default:
		return errors.NewInvalidRequestError("unknown artifact kind %q", s.Kind)
	}
	return nil
}
