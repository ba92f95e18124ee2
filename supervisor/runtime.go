package supervisor

import (
	"database/sql"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/config"
	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/db"
	"github.com/matyoung89/ComfyEndpoints/errors"
	"github.com/matyoung89/ComfyEndpoints/filestore"
	"github.com/matyoung89/ComfyEndpoints/mapper"
)

// AppState is the loaded per-app state every in-pod process shares: the
// contract, the normalized workflow template, and the stores rooted at the
// state database.
type AppState struct {
	Contract  *contract.WorkflowContract
	Template  contract.Graph
	DB        *sql.DB
	Files     *filestore.Store
	Artifacts *filestore.ArtifactStore
}

// LoadAppState materializes missing contract/workflow files, loads both,
// opens the state database and builds the stores.
func LoadAppState(cfg *config.Config, logger *zap.SugaredLogger) (*AppState, error) {
	if err := materializeFile(cfg.App.ContractPath, cfg.App.ContractJSON, logger); err != nil {
		return nil, err
	}
	if err := materializeFile(cfg.App.WorkflowPath, cfg.App.WorkflowJSON, logger); err != nil {
		return nil, err
	}

	c, err := contract.LoadContract(cfg.App.ContractPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(cfg.App.WorkflowPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read workflow %s", cfg.App.WorkflowPath)
	}
	template, err := mapper.ParsePromptTemplate(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse workflow %s", cfg.App.WorkflowPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.DBPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state directory")
	}
	database, err := db.Open(cfg.State.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger); err != nil {
		database.Close()
		return nil, err
	}

	blobsDir := filepath.Join(filepath.Dir(cfg.State.DBPath), "files")
	files, err := filestore.NewStore(database, blobsDir, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	artifacts, err := filestore.NewArtifactStore(cfg.State.ArtifactsDir)
	if err != nil {
		database.Close()
		return nil, err
	}

	return &AppState{
		Contract:  c,
		Template:  template,
		DB:        database,
		Files:     files,
		Artifacts: artifacts,
	}, nil
}

// Close releases the state database handle.
func (s *AppState) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}

// materializeFile writes content to path when the file is missing and a
// configuration-passed blob is available (image-less deploys pass the
// contract and workflow through the environment).
func materializeFile(path, content string, logger *zap.SugaredLogger) error {
	if path == "" {
		return errors.NewInvalidRequestError("contract_path and workflow_path are required")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if content == "" {
		return errors.NewInvalidRequestError("file %s missing and no inline content configured", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "materialize %s", path)
	}
	logger.Infow("Materialized file from configuration", "path", path, "bytes", len(content))
	return nil
}
