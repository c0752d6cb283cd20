package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"swpttrade/internal/middleware"
	"swpttrade/pkg/logger"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// ProbeServer answers liveness and readiness probes.
type ProbeServer struct {
	srv    *http.Server
	logger logger.Logger
}

// NewProbeRouter serves /health, which always succeeds while the process
// runs, and /ready, which runs every check.
func NewProbeRouter(role string, checks map[string]Check, log logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "role": role})
	}).Methods(http.MethodGet)

	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]interface{}{"role": role, "checks": results})
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// StartProbeServer listens on addr in the background.
func StartProbeServer(addr string, handler http.Handler, log logger.Logger) *ProbeServer {
	p := &ProbeServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log,
	}
	go func() {
		log.Info("Probe server started", map[string]interface{}{"address": addr})
		if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Probe server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return p
}

func (p *ProbeServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.srv.Shutdown(ctx); err != nil {
		p.logger.Warn("Probe server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
}
