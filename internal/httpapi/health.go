package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerAmbientRoutes binds liveness/readiness/metrics endpoints
// outside the API version prefix and outside any auth middleware,
// grounded on the teacher's internal/control/server.go health routes.
func (s *Server) registerAmbientRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleLiveness).Methods("GET")
	r.HandleFunc("/healthz/live", s.handleLiveness).Methods("GET")
	r.HandleFunc("/healthz/ready", s.handleReadiness).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
