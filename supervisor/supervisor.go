// Package supervisor brings the graph engine online with every artifact
// resolved, then runs the gateway. On resolver failure it serves a degraded
// endpoint instead of crashing, so the failure payload stays reachable.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/cache"
	"github.com/matyoung89/ComfyEndpoints/config"
	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/engine"
	"github.com/matyoung89/ComfyEndpoints/errors"
	"github.com/matyoung89/ComfyEndpoints/executor"
	"github.com/matyoung89/ComfyEndpoints/gateway"
	"github.com/matyoung89/ComfyEndpoints/mapper"
	"github.com/matyoung89/ComfyEndpoints/resolver"
)

// readinessPoll is the interval between engine readiness probes.
const readinessPoll = 2 * time.Second

// Supervisor owns the pod startup sequence and child lifetimes.
type Supervisor struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
}

// New creates a Supervisor.
func New(cfg *config.Config, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run executes the full startup sequence and blocks until ctx is cancelled
// (signal) or a child dies. The returned code is the process exit status:
// 0 on signal, the engine child's code when it exits first, non-zero on
// fatal configuration errors.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	s.reconcileCache()

	state, err := LoadAppState(s.cfg, s.logger)
	if err != nil {
		return 1, err
	}
	defer state.Close()

	specs, err := s.loadArtifactSpecs()
	if err != nil {
		return 1, err
	}

	preflight, err := mapper.BuildPreflightGraph(state.Template, state.Contract,
		state.Artifacts.Root(), s.cfg.State.DBPath)
	if err != nil {
		return 1, errors.Wrap(err, "build preflight graph")
	}

	res := resolver.New(specs, resolver.Layout{
		ModelsCacheRoot: s.cfg.Cache.ModelsRoot,
		EngineModelsDir: s.cfg.Cache.EngineModelsDir,
		CustomNodesRoot: s.cfg.Cache.CustomNodesRoot,
	}, s.logger)
	if failure := res.Run(ctx, preflight); failure != nil {
		return s.serveDegraded(ctx, failure)
	}

	engineCmd, engineExit, err := s.launchEngine(ctx)
	if err != nil {
		return 1, err
	}

	client := engine.NewClient(s.cfg.Engine.ComfyURL, s.cfg.Engine.RequestTimeout(), s.logger)
	if err := s.awaitEngineReady(ctx, client); err != nil {
		s.terminateEngine(engineCmd)
		return 1, err
	}

	if _, err := client.Submit(ctx, preflight); err != nil {
		s.terminateEngine(engineCmd)
		return 1, errors.Wrap(err, "preflight submission rejected by engine")
	}
	s.logger.Infow("Preflight accepted; engine resolved all model references")

	jobExec := executor.New(state.Contract, state.Template,
		executor.NewJobStore(state.DB, s.logger),
		state.Files, state.Artifacts, client,
		executor.Options{
			OutputTimeout: s.cfg.Execution.OutputTimeout(),
			OutputPoll:    s.cfg.Execution.OutputPoll(),
			ArtifactGrace: s.cfg.Execution.ArtifactGrace(),
			AppID:         s.cfg.App.AppID,
			StateDBPath:   s.cfg.State.DBPath,
		}, s.logger)

	pool := executor.NewWorkerPool(ctx, jobExec, s.cfg.Execution.Workers, s.logger)
	pool.Start()

	server := gateway.NewServer(state.Contract, state.Files,
		executor.NewJobStore(state.DB, s.logger), pool, gateway.Options{
			ListenHost:   s.cfg.Gateway.ListenHost,
			ListenPort:   s.cfg.Gateway.ListenPort,
			APIKey:       s.cfg.Gateway.APIKey,
			MaxPayloadMB: s.cfg.Gateway.MaxPayloadMB,
			AppID:        s.cfg.App.AppID,
		}, s.logger)

	gatewayExit := make(chan error, 1)
	go func() { gatewayExit <- server.Start() }()

	select {
	case <-ctx.Done():
		s.logger.Infow("Signal received, shutting down")
		server.Stop()
		s.terminateEngine(engineCmd)
		return 0, nil
	case code := <-engineExit:
		s.logger.Errorw("Engine exited first", "code", code)
		server.Stop()
		return code, nil
	case err := <-gatewayExit:
		s.terminateEngine(engineCmd)
		if err != nil {
			return 1, errors.Wrap(err, "gateway failed")
		}
		return 0, nil
	}
}

// reconcileCache is a best-effort pass; a broken watch path must not block
// startup.
func (s *Supervisor) reconcileCache() {
	if s.cfg.Cache.CacheRoot == "" || len(s.cfg.Cache.WatchPaths) == 0 {
		return
	}
	manager, err := cache.NewManager(s.cfg.Cache.CacheRoot, s.cfg.Cache.WatchPaths,
		s.cfg.Cache.MinFileSizeMB, s.logger)
	if err != nil {
		s.logger.Warnw("Cache manager unavailable", "error", err)
		return
	}
	manifest, err := manager.Reconcile()
	if err != nil {
		s.logger.Warnw("Cache reconcile failed", "error", err)
		return
	}
	s.logger.Infow("Cache reconciled", "managed_files", len(manifest))
}

func (s *Supervisor) loadArtifactSpecs() ([]contract.ArtifactSpec, error) {
	if s.cfg.App.ArtifactsPath == "" {
		return nil, nil
	}
	return contract.LoadArtifactSpecs(s.cfg.App.ArtifactsPath)
}

// serveDegraded replaces the gateway with the resolver failure payload.
// This is a terminal state: the process idles until signalled, then exits
// zero so orchestrators do not restart-loop it.
func (s *Supervisor) serveDegraded(ctx context.Context, failure *resolver.Failure) (int, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.ListenHost, s.cfg.Gateway.ListenPort)
	degraded := gateway.NewDegradedServer(addr, failure, s.logger)

	done := make(chan error, 1)
	go func() { done <- degraded.Start() }()

	select {
	case <-ctx.Done():
		degraded.Stop()
		return 0, nil
	case err := <-done:
		if err != nil {
			return 1, errors.Wrap(err, "degraded endpoint failed")
		}
		return 0, nil
	}
}

// launchEngine starts the engine subprocess when a launch command is
// configured. With no command, an externally managed engine is assumed and
// the exit channel never fires.
func (s *Supervisor) launchEngine(ctx context.Context) (*exec.Cmd, chan int, error) {
	exitCh := make(chan int, 1)
	if len(s.cfg.Engine.LaunchCommand) == 0 {
		s.logger.Infow("No engine launch command; assuming engine is managed externally")
		return nil, exitCh, nil
	}

	cmd := exec.Command(s.cfg.Engine.LaunchCommand[0], s.cfg.Engine.LaunchCommand[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrap(err, "launch engine")
	}
	s.logger.Infow("Engine launched", "pid", cmd.Process.Pid, "command", s.cfg.Engine.LaunchCommand)

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = 1
		}
		select {
		case <-ctx.Done():
			// Shutdown path already owns the exit.
		default:
			exitCh <- code
		}
	}()
	return cmd, exitCh, nil
}

// terminateEngine forwards SIGTERM to the engine's process group.
func (s *Supervisor) terminateEngine(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	s.logger.Infow("Terminating engine", "pid", cmd.Process.Pid)
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}

// awaitEngineReady polls the engine's readiness endpoint until it answers
// or the deadline passes.
func (s *Supervisor) awaitEngineReady(ctx context.Context, client *engine.Client) error {
	deadline := time.Now().Add(s.cfg.Engine.ReadinessTimeout())
	for {
		if _, err := client.SystemStats(ctx); err == nil {
			s.logger.Infow("Engine ready", "url", client.BaseURL())
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(errors.ErrTimeout, "engine not ready after %s", s.cfg.Engine.ReadinessTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPoll):
		}
	}
}
