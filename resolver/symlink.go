package resolver

import (
	"os"
	"path/filepath"

	"github.com/matyoung89/ComfyEndpoints/contract"
)

// reconcileSymlinks ensures every model subdir under the engine's models
// directory is a symlink into the cache. A real directory already there has
// its contents moved into the cache first so nothing baked into the image
// is lost.
func (r *Resolver) reconcileSymlinks() *Failure {
	for _, subdir := range contract.ModelSubdirs {
		cacheDir := filepath.Join(r.layout.ModelsCacheRoot, subdir)
		engineDir := filepath.Join(r.layout.EngineModelsDir, subdir)

		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return newFailure(StageSymlinks, "cannot create cache model directory",
				map[string]interface{}{"subdir": subdir, "error": err.Error()})
		}

		info, err := os.Lstat(engineDir)
		switch {
		case err == nil && info.Mode()&os.ModeSymlink != 0:
			// Already a symlink; repoint it if it drifted.
			if target, err := os.Readlink(engineDir); err == nil && target == cacheDir {
				continue
			}
			if err := os.Remove(engineDir); err != nil {
				return newFailure(StageSymlinks, "cannot replace stale model symlink",
					map[string]interface{}{"subdir": subdir, "error": err.Error()})
			}
		case err == nil && info.IsDir():
			if err := moveContents(engineDir, cacheDir); err != nil {
				return newFailure(StageSymlinks, "cannot move model directory into cache",
					map[string]interface{}{"subdir": subdir, "error": err.Error()})
			}
			if err := os.Remove(engineDir); err != nil {
				return newFailure(StageSymlinks, "cannot remove model directory after move",
					map[string]interface{}{"subdir": subdir, "error": err.Error()})
			}
		case err == nil:
			// A plain file where a directory belongs; refuse to guess.
			return newFailure(StageSymlinks, "unexpected file at engine model path",
				map[string]interface{}{"subdir": subdir, "path": engineDir})
		}

		if err := os.MkdirAll(filepath.Dir(engineDir), 0o755); err != nil {
			return newFailure(StageSymlinks, "cannot create engine models directory",
				map[string]interface{}{"subdir": subdir, "error": err.Error()})
		}
		if err := os.Symlink(cacheDir, engineDir); err != nil {
			return newFailure(StageSymlinks, "cannot create model symlink",
				map[string]interface{}{"subdir": subdir, "error": err.Error()})
		}
		r.logger.Debugw("Model symlink reconciled", "subdir", subdir, "target", cacheDir)
	}
	return nil
}

// moveContents moves every entry of src into dst, keeping anything already
// in dst.
func moveContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if _, err := os.Lstat(to); err == nil {
			// Cache copy wins; drop the duplicate.
			if err := os.RemoveAll(from); err != nil {
				return err
			}
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}
