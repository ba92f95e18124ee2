// Package contract holds the typed records binding an app's HTTP surface to
// its workflow graph: the workflow contract, graph nodes, artifact specs,
// and the deploy-time app spec subset the in-pod runtime needs.
package contract

import (
	"regexp"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

// Reserved node classes that expose one contract field each.
const (
	APIInputClass  = "ApiInput"
	APIOutputClass = "ApiOutput"
)

var mediaTypePattern = regexp.MustCompile(`^(image|video|audio|file)/[A-Za-z0-9][A-Za-z0-9.+-]*$`)

// scalarTypes is the closed set of scalar field type tags.
var scalarTypes = map[string]struct{}{
	"string":  {},
	"integer": {},
	"number":  {},
	"boolean": {},
	"object":  {},
	"array":   {},
}

// FieldType is a contract field type tag: a scalar tag from
// {string, integer, number, boolean, object, array} or a media tag of the
// form image/png, video/mp4, audio/wav, file/zip.
type FieldType string

// IsScalar reports whether the tag is a scalar type.
func (t FieldType) IsScalar() bool {
	_, ok := scalarTypes[string(t)]
	return ok
}

// IsMedia reports whether the tag is a media type.
func (t FieldType) IsMedia() bool {
	return mediaTypePattern.MatchString(string(t))
}

// Valid reports whether the tag is either a known scalar or a media type.
func (t FieldType) Valid() bool {
	return t.IsScalar() || t.IsMedia()
}

// CanonicalExt returns the conventional file extension (including the dot)
// for a media tag, or "" when none is known.
func (t FieldType) CanonicalExt() string {
	switch string(t) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac":
		return ".flac"
	}
	if t.IsMedia() {
		return ".bin"
	}
	return ""
}

// InputField is one declared contract input bound to a graph node.
type InputField struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	NodeID   string    `json:"node_id" yaml:"node_id"`
}

// OutputField is one declared contract output bound to a graph node.
type OutputField struct {
	Name   string    `json:"name" yaml:"name"`
	Type   FieldType `json:"type" yaml:"type"`
	NodeID string    `json:"node_id" yaml:"node_id"`
}

// WorkflowContract is the typed declaration of an app's inputs and outputs.
// Immutable after load.
type WorkflowContract struct {
	ContractID string        `json:"contract_id" yaml:"contract_id"`
	Version    string        `json:"version" yaml:"version"`
	Inputs     []InputField  `json:"inputs" yaml:"inputs"`
	Outputs    []OutputField `json:"outputs" yaml:"outputs"`
}

// Input returns the input field with the given name, or nil.
func (c *WorkflowContract) Input(name string) *InputField {
	for i := range c.Inputs {
		if c.Inputs[i].Name == name {
			return &c.Inputs[i]
		}
	}
	return nil
}

// Output returns the output field with the given name, or nil.
func (c *WorkflowContract) Output(name string) *OutputField {
	for i := range c.Outputs {
		if c.Outputs[i].Name == name {
			return &c.Outputs[i]
		}
	}
	return nil
}

// OutputNames returns the declared output names in contract order.
func (c *WorkflowContract) OutputNames() []string {
	names := make([]string, len(c.Outputs))
	for i, out := range c.Outputs {
		names[i] = out.Name
	}
	return names
}

// RequiredInputNames returns the names of all required inputs.
func (c *WorkflowContract) RequiredInputNames() []string {
	var names []string
	for _, in := range c.Inputs {
		if in.Required {
			names = append(names, in.Name)
		}
	}
	return names
}

// Validate enforces the contract invariants: at least one input and one
// output, unique names per side, and recognized type tags.
func (c *WorkflowContract) Validate() error {
	if c.ContractID == "" {
		return errors.NewInvalidRequestError("contract_id is required")
	}
	if len(c.Inputs) == 0 {
		return errors.NewInvalidRequestError("contract must declare at least one input")
	}
	if len(c.Outputs) == 0 {
		return errors.NewInvalidRequestError("contract must declare at least one output")
	}

	seen := map[string]struct{}{}
	for _, in := range c.Inputs {
		if in.Name == "" || in.NodeID == "" {
			return errors.NewInvalidRequestError("input fields require name and node_id")
		}
		if _, dup := seen[in.Name]; dup {
			return errors.NewInvalidRequestError("duplicate input name: %s", in.Name)
		}
		seen[in.Name] = struct{}{}
		if !in.Type.Valid() {
			return errors.NewInvalidRequestError("unrecognized input type %q on %s", in.Type, in.Name)
		}
	}

	seen = map[string]struct{}{}
	for _, out := range c.Outputs {
		if out.Name == "" || out.NodeID == "" {
			return errors.NewInvalidRequestError("output fields require name and node_id")
		}
		if _, dup := seen[out.Name]; dup {
			return errors.NewInvalidRequestError("duplicate output name: %s", out.Name)
		}
		seen[out.Name] = struct{}{}
		if !out.Type.Valid() {
			return errors.NewInvalidRequestError("unrecognized output type %q on %s", out.Type, out.Name)
		}
	}

	return nil
}

// SanitizeName reduces a client-supplied file or artifact name to a safe
// basename. Path separators and parent references are stripped.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
