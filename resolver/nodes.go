package resolver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
)

// repoDirName derives the clone directory name from a repo URL, matching
// what a plain git clone would produce.
func repoDirName(sourceURL string) string {
	name := strings.TrimSuffix(path0(sourceURL), ".git")
	if name == "" {
		return "node"
	}
	return name
}

func path0(url string) string {
	url = strings.TrimRight(url, "/")
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}

// resolveCustomNodes ensures every declared custom-node pack exists under
// the custom_nodes root, shallow-cloning missing ones at their ref and
// installing their python requirements.
func (r *Resolver) resolveCustomNodes(ctx context.Context) *Failure {
	var unresolved []map[string]interface{}

	for _, spec := range r.specs {
		if spec.Kind != contract.ArtifactKindCustomNode {
			continue
		}
		dir := filepath.Join(r.layout.CustomNodesRoot, repoDirName(spec.SourceURL))
		if _, err := os.Stat(dir); err == nil {
			r.logger.Debugw("Custom node present", "dir", dir)
			continue
		}

		r.logger.Infow("Cloning custom node", "repo", spec.SourceURL, "ref", spec.Ref, "dir", dir)
		if err := cloneNode(ctx, spec.SourceURL, spec.Ref, dir); err != nil {
			unresolved = append(unresolved, map[string]interface{}{
				"repo":   spec.SourceURL,
				"ref":    spec.Ref,
				"reason": "clone_failed",
				"error":  err.Error(),
			})
			continue
		}

		installRequirements(ctx, dir, r.logger)

		if _, err := os.Stat(dir); err != nil {
			unresolved = append(unresolved, map[string]interface{}{
				"repo":   spec.SourceURL,
				"reason": "directory_missing_after_clone",
			})
		}
	}

	if len(unresolved) > 0 {
		return newFailure(StageCustomNodes, "custom node resolution failed",
			map[string]interface{}{"unresolved_nodes": unresolved})
	}
	return nil
}

func cloneNode(ctx context.Context, sourceURL, ref, dir string) error {
	opts := &git.CloneOptions{
		URL:   sourceURL,
		Depth: 1,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	_, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil && ref != "" {
		// The ref may be a tag rather than a branch.
		os.RemoveAll(dir)
		opts.ReferenceName = plumbing.NewTagReferenceName(ref)
		_, err = git.PlainCloneContext(ctx, dir, false, opts)
	}
	if err != nil {
		os.RemoveAll(dir)
	}
	return err
}

// installRequirements runs pip against the pack's requirements.txt when one
// exists. Install failures are logged, not fatal: many packs ship optional
// extras the engine does not need at import time.
func installRequirements(ctx context.Context, dir string, logger *zap.SugaredLogger) {
	reqs := filepath.Join(dir, "requirements.txt")
	if _, err := os.Stat(reqs); err != nil {
		return
	}
	logger.Infow("Installing custom node requirements", "file", reqs)
	cmd := exec.CommandContext(ctx, "pip", "install", "-r", reqs)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warnw("pip install failed", "file", reqs, "error", err, "output", string(out))
	}
}
