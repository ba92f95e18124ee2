package resolver

import (
	"context"
	"os"
	"path"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"

	"github.com/matyoung89/ComfyEndpoints/contract"
)

// targetRelPath is the path of a model artifact relative to its subdir,
// preserving nested prefixes.
func targetRelPath(spec contract.ArtifactSpec) string {
	if spec.TargetPath != "" {
		return filepath.FromSlash(spec.TargetPath)
	}
	if spec.Match != "" {
		return path.Base(spec.Match)
	}
	return path.Base(spec.SourceURL)
}

// specCandidates returns the strings a model spec may be matched by: the
// full and basename forms of both match and target_path.
func specCandidates(spec contract.ArtifactSpec) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range []string{spec.Match, spec.TargetPath} {
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		out[path.Base(s)] = struct{}{}
	}
	return out
}

// matchSpec finds the declared model spec covering a graph requirement, or
// nil. A spec matches when its candidate set intersects the requirement's.
func (r *Resolver) matchSpec(req ModelRequirement) *contract.ArtifactSpec {
	reqCandidates := req.Candidates()
	for i := range r.specs {
		spec := &r.specs[i]
		if spec.Kind != contract.ArtifactKindModel {
			continue
		}
		for candidate := range specCandidates(*spec) {
			if _, ok := reqCandidates[candidate]; ok {
				return spec
			}
		}
	}
	return nil
}

// resolveModels downloads every declared model a graph requirement needs.
// A requirement no spec covers is recorded with ReasonNotDeclared rather
// than guessed at.
func (r *Resolver) resolveModels(ctx context.Context, requirements []ModelRequirement) *Failure {
	var unresolved []map[string]interface{}
	downloaded := map[string]struct{}{}

	for _, req := range requirements {
		spec := r.matchSpec(req)
		if spec == nil {
			unresolved = append(unresolved, map[string]interface{}{
				"class_type": req.ClassType,
				"input_name": req.InputName,
				"value":      req.Value,
				"reason":     ReasonNotDeclared,
			})
			continue
		}

		dest := filepath.Join(r.layout.ModelsCacheRoot, spec.TargetSubdir, targetRelPath(*spec))
		if _, seen := downloaded[dest]; seen {
			continue
		}
		if _, err := os.Stat(dest); err == nil {
			r.logger.Debugw("Model already cached", "path", dest)
			downloaded[dest] = struct{}{}
			continue
		}

		r.logger.Infow("Downloading model",
			"source", spec.SourceURL,
			"dest", dest,
			"required_by", req.ClassType+"."+req.InputName,
		)
		if err := fetchModel(ctx, spec.SourceURL, dest); err != nil {
			unresolved = append(unresolved, map[string]interface{}{
				"class_type": req.ClassType,
				"input_name": req.InputName,
				"value":      req.Value,
				"reason":     "download_failed",
				"error":      err.Error(),
			})
			continue
		}
		downloaded[dest] = struct{}{}
	}

	if len(unresolved) > 0 {
		return newFailure(StageModels, "model resolution failed",
			map[string]interface{}{"unresolved_models": unresolved})
	}
	return nil
}

// fetchModel downloads one model file to its final cache path. Weights are
// opaque binaries, so archive decompression is disabled; the partial file
// lives at a .part path until the fetch completes.
func fetchModel(ctx context.Context, src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	client := &getter.Client{
		Ctx:           ctx,
		Src:           src,
		Dst:           part,
		Mode:          getter.ClientModeFile,
		Decompressors: map[string]getter.Decompressor{},
	}
	if err := client.Get(); err != nil {
		return err
	}
	return os.Rename(part, dest)
}
