package commands

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/logger"
	"github.com/matyoung89/ComfyEndpoints/mapper"
	"github.com/matyoung89/ComfyEndpoints/resolver"
	"github.com/matyoung89/ComfyEndpoints/supervisor"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run artifact resolution once and print the result",
	Long: `resolve performs the pre-start dependency pass (symlinks, custom nodes,
model downloads, verify) without launching the engine or the gateway. On
failure the structured payload is printed to stdout and the exit code is
non-zero, so deploy pipelines can diagnose an image before exposing it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Get()

		state, err := supervisor.LoadAppState(cfg, log)
		if err != nil {
			return err
		}
		defer state.Close()

		var specs []contract.ArtifactSpec
		if cfg.App.ArtifactsPath != "" {
			specs, err = contract.LoadArtifactSpecs(cfg.App.ArtifactsPath)
			if err != nil {
				return err
			}
		}

		preflight, err := mapper.BuildPreflightGraph(state.Template, state.Contract,
			state.Artifacts.Root(), cfg.State.DBPath)
		if err != nil {
			return err
		}

		res := resolver.New(specs, resolver.Layout{
			ModelsCacheRoot: cfg.Cache.ModelsRoot,
			EngineModelsDir: cfg.Cache.EngineModelsDir,
			CustomNodesRoot: cfg.Cache.CustomNodesRoot,
		}, log)

		if failure := res.Run(context.Background(), preflight); failure != nil {
			encoded, _ := json.MarshalIndent(failure, "", "  ")
			os.Stdout.Write(append(encoded, '\n'))
			os.Exit(3)
		}
		log.Infow("All artifacts resolved")
		return nil
	},
}
