package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) registerAdminRoutes(r *mux.Router) {
	r.HandleFunc("/admin/heartbeat", s.handleGetHeartbeat).Methods("GET")
	r.HandleFunc("/admin/heartbeat/check", s.handleTriggerHeartbeatCheck).Methods("POST")
}

func (s *Server) handleGetHeartbeat(w http.ResponseWriter, r *http.Request) {
	lastSweep, err := s.monitor.LastSweepAt(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       s.monitor.Enabled(),
		"lastSweepAt":   lastSweep,
	})
}

func (s *Server) handleTriggerHeartbeatCheck(w http.ResponseWriter, r *http.Request) {
	s.monitor.TriggerSweep(r.Context())
	writeNoContent(w)
}

// registerOperatorRoutes binds every operator-authenticated route
// (spec §6): fleet/application management, rollouts, image policies,
// jobs, and the admin heartbeat surface.
func (s *Server) registerOperatorRoutes(r *mux.Router) {
	s.registerDeviceResourceRoutes(r)
	s.registerRolloutRoutes(r)
	s.registerJobRoutes(r)
	s.registerAdminRoutes(r)
}
