package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matyoung89/ComfyEndpoints/engine"
	"github.com/matyoung89/ComfyEndpoints/executor"
	"github.com/matyoung89/ComfyEndpoints/gateway"
	"github.com/matyoung89/ComfyEndpoints/logger"
	"github.com/matyoung89/ComfyEndpoints/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the gateway against an already-running engine",
	Long: `serve skips artifact resolution and engine supervision. Useful when the
engine is managed externally or during local development.`,
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

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := engine.NewClient(cfg.Engine.ComfyURL, cfg.Engine.RequestTimeout(), log)
		jobs := executor.NewJobStore(state.DB, log)
		exec := executor.New(state.Contract, state.Template, jobs, state.Files,
			state.Artifacts, client, executor.Options{
				OutputTimeout: cfg.Execution.OutputTimeout(),
				OutputPoll:    cfg.Execution.OutputPoll(),
				ArtifactGrace: cfg.Execution.ArtifactGrace(),
				AppID:         cfg.App.AppID,
				StateDBPath:   cfg.State.DBPath,
			}, log)

		pool := executor.NewWorkerPool(ctx, exec, cfg.Execution.Workers, log)
		pool.Start()

		server := gateway.NewServer(state.Contract, state.Files, jobs, pool, gateway.Options{
			ListenHost:   cfg.Gateway.ListenHost,
			ListenPort:   cfg.Gateway.ListenPort,
			APIKey:       cfg.Gateway.APIKey,
			MaxPayloadMB: cfg.Gateway.MaxPayloadMB,
			AppID:        cfg.App.AppID,
		}, log)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Infow("Signal received, shutting down gracefully", "signal", sig)
			// Second signal forces immediate exit.
			go func() {
				<-sigCh
				log.Warnw("Second signal received, forcing exit")
				os.Exit(1)
			}()
			cancel()
			return server.Stop()
		case err := <-errCh:
			cancel()
			return err
		}
	},
}
