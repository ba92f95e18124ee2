// Package gateway is the authenticated HTTP surface of a deployed app:
// health, contract echo, file store CRUD, job submission and inspection.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/executor"
	"github.com/matyoung89/ComfyEndpoints/filestore"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 15 * time.Second

// Options configures a Server.
type Options struct {
	ListenHost   string
	ListenPort   int
	APIKey       string
	MaxPayloadMB int
	AppID        string
}

// Server serves the gateway routes. Request handlers never block on job
// execution; /run returns once the job row is persisted and scheduled.
type Server struct {
	contract *contract.WorkflowContract
	files    *filestore.Store
	jobs     *executor.JobStore
	pool     *executor.WorkerPool

	apiKey     string
	appID      string
	maxPayload int64
	addr       string

	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// NewServer wires the gateway against its stores and worker pool.
func NewServer(c *contract.WorkflowContract, files *filestore.Store, jobs *executor.JobStore,
	pool *executor.WorkerPool, opts Options, logger *zap.SugaredLogger) *Server {
	maxPayload := int64(opts.MaxPayloadMB)
	if maxPayload <= 0 {
		maxPayload = 50
	}
	return &Server{
		contract:   c,
		files:      files,
		jobs:       jobs,
		pool:       pool,
		apiKey:     opts.APIKey,
		appID:      opts.AppID,
		maxPayload: maxPayload * 1024 * 1024,
		addr:       fmt.Sprintf("%s:%d", opts.ListenHost, opts.ListenPort),
		logger:     logger,
	}
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/contract", s.requireAPIKey(s.handleContract))
	mux.HandleFunc("/files", s.requireAPIKey(s.handleFiles))
	mux.HandleFunc("/files/", s.requireAPIKey(s.handleFileByID))
	mux.HandleFunc("/run", s.requireAPIKey(s.handleRun))
	mux.HandleFunc("/jobs/", s.requireAPIKey(s.handleJob))
	return mux
}

// Start runs the HTTP server until Stop or listener failure.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(),
	}
	s.logger.Infow("Gateway listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains requests then stops the worker pool.
func (s *Server) Stop() error {
	s.logger.Infow("Gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.pool.Stop()
	s.logger.Infow("Gateway stopped")
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.contract)
}
