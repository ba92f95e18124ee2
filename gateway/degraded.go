package gateway

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/resolver"
)

// DegradedServer replaces the gateway when artifact resolution fails. It is
// a first-class terminal state, not a crash: deployment monitors can fetch
// the exact unmet dependency from any route.
type DegradedServer struct {
	failure    *resolver.Failure
	addr       string
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// NewDegradedServer builds the degraded endpoint for a resolver failure.
func NewDegradedServer(addr string, failure *resolver.Failure, logger *zap.SugaredLogger) *DegradedServer {
	return &DegradedServer{failure: failure, addr: addr, logger: logger}
}

// Routes builds the degraded route table.
func (d *DegradedServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":     false,
			"status": resolver.StatusFailed,
		})
	})
	serveFailure := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, d.failure)
	}
	mux.HandleFunc("/run", serveFailure)
	mux.HandleFunc("/artifact-resolver/error", serveFailure)
	return mux
}

// Start serves the degraded endpoint until Stop.
func (d *DegradedServer) Start() error {
	d.httpServer = &http.Server{Addr: d.addr, Handler: d.Routes()}
	d.logger.Warnw("Serving degraded endpoint",
		"addr", d.addr,
		"stage", d.failure.Stage,
		"message", d.failure.Message,
	)
	err := d.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the degraded endpoint down.
func (d *DegradedServer) Stop() error {
	if d.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return d.httpServer.Shutdown(ctx)
}
