// Package resolver materializes every model and custom-node dependency the
// workflow graph needs before the gateway is exposed. A failure is returned
// as a structured payload the supervisor serves from a degraded endpoint,
// so deployment monitors can read the exact unmet dependency.
package resolver

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
)

// StatusFailed is the wire status of a resolver failure payload.
const StatusFailed = "artifact_resolver_failed"

// Resolution stages, in execution order.
const (
	StageSymlinks    = "symlink_reconciliation"
	StageCustomNodes = "custom_nodes"
	StageModels      = "model_downloads"
	StageVerify      = "verify"
)

// ReasonNotDeclared marks a graph-required model no artifact spec covers.
const ReasonNotDeclared = "required_model_not_declared_in_app_artifacts"

// Failure is the structured error payload served verbatim on the degraded
// endpoint.
type Failure struct {
	Status  string                 `json:"status"`
	Stage   string                 `json:"stage"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func newFailure(stage, message string, details map[string]interface{}) *Failure {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Failure{Status: StatusFailed, Stage: stage, Message: message, Details: details}
}

// Layout describes the on-disk directories the resolver reconciles.
type Layout struct {
	ModelsCacheRoot string // cache side of the model symlinks, download target
	EngineModelsDir string // the engine's models/ directory
	CustomNodesRoot string // the engine's custom_nodes/ directory
}

// Resolver runs the pre-start artifact resolution pass.
type Resolver struct {
	specs  []contract.ArtifactSpec
	layout Layout
	logger *zap.SugaredLogger
}

// New creates a Resolver over the declared artifact specs.
func New(specs []contract.ArtifactSpec, layout Layout, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{specs: specs, layout: layout, logger: logger}
}

// Run executes all resolution stages against the preflight graph. A nil
// return means every dependency is materialized on disk.
//
// Ordering is load-bearing: symlinks first (downloads target the final
// cache path), then custom nodes (model catalogs may live inside node
// packs), then models, then the verify pass.
func (r *Resolver) Run(ctx context.Context, graph contract.Graph) *Failure {
	if f := r.reconcileSymlinks(); f != nil {
		return f
	}
	if f := r.resolveCustomNodes(ctx); f != nil {
		return f
	}
	requirements := ScanGraphModels(graph)
	r.logger.Infow("Graph scan complete", "model_requirements", len(requirements))
	if f := r.resolveModels(ctx, requirements); f != nil {
		return f
	}
	if f := r.verify(); f != nil {
		return f
	}
	r.logger.Infow("Artifact resolution complete",
		"specs", len(r.specs),
		"models_required", len(requirements),
	)
	return nil
}

// verify re-checks every declared artifact's expected on-disk path.
func (r *Resolver) verify() *Failure {
	var missing []map[string]interface{}
	for _, spec := range r.specs {
		var expected string
		switch spec.Kind {
		case contract.ArtifactKindModel:
			expected = filepath.Join(r.layout.ModelsCacheRoot, spec.TargetSubdir, targetRelPath(spec))
		case contract.ArtifactKindCustomNode:
			expected = filepath.Join(r.layout.CustomNodesRoot, repoDirName(spec.SourceURL))
		default:
			continue
		}
		if _, err := os.Stat(expected); err != nil {
			missing = append(missing, map[string]interface{}{
				"kind":          spec.Kind,
				"source_url":    spec.SourceURL,
				"expected_path": expected,
			})
		}
	}
	if len(missing) > 0 {
		return newFailure(StageVerify, "declared artifacts missing after resolution",
			map[string]interface{}{"missing_artifacts": missing})
	}
	return nil
}
