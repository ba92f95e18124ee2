package resolver

import (
	"path"
	"sort"

	"github.com/matyoung89/ComfyEndpoints/contract"
)

// modelDirByInputName maps a node input slot to the model subdirectory its
// value names. Any node class carrying one of these slots references a
// model file.
var modelDirByInputName = map[string]string{
	"ckpt_name":        "checkpoints",
	"unet_name":        "diffusion_models",
	"clip_name":        "text_encoders",
	"clip_name1":       "text_encoders",
	"clip_name2":       "text_encoders",
	"vae_name":         "vae",
	"lora_name":        "loras",
	"control_net_name": "controlnet",
}

// classInputOverride covers node packs whose loader slots do not follow the
// common naming convention.
type classInput struct {
	ClassType string
	InputName string
}

var classInputOverrides = map[classInput]string{
	{"WanVideoModelLoader", "model"}:    "diffusion_models",
	{"WanVideoVAELoader", "model_name"}: "vae",
}

// ModelRequirement is one model reference collected from the graph. Value
// is the filename the node loads, possibly carrying a subpath prefix that
// must be preserved.
type ModelRequirement struct {
	ClassType string `json:"class_type"`
	InputName string `json:"input_name"`
	Value     string `json:"value"`
	Subdir    string `json:"subdir"`
}

// Candidates returns the strings an artifact spec may match this
// requirement by: the full value and its basename.
func (m ModelRequirement) Candidates() map[string]struct{} {
	return map[string]struct{}{
		m.Value:            {},
		path.Base(m.Value): {},
	}
}

// ScanGraphModels walks every node and collects model-reference slots,
// first from the fixed slot table, then from the per-class overrides.
// Results are sorted for stable failure payloads.
func ScanGraphModels(graph contract.Graph) []ModelRequirement {
	var out []ModelRequirement
	for _, node := range graph {
		for inputName, value := range node.Inputs {
			name, ok := value.(string)
			if !ok || name == "" {
				continue
			}
			subdir, known := modelDirByInputName[inputName]
			if !known {
				subdir, known = classInputOverrides[classInput{node.ClassType, inputName}]
			}
			if !known {
				continue
			}
			out = append(out, ModelRequirement{
				ClassType: node.ClassType,
				InputName: inputName,
				Value:     name,
				Subdir:    subdir,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].InputName < out[j].InputName
	})
	return out
}
