package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/rollout"
)

func (s *Server) registerRolloutRoutes(r *mux.Router) {
	r.HandleFunc("/rollouts", s.handleListRollouts).Methods("GET")
	r.HandleFunc("/rollouts/{id}", s.handleGetRollout).Methods("GET")
	r.HandleFunc("/rollouts/{id}/devices", s.handleListRolloutDevices).Methods("GET")
	r.HandleFunc("/rollouts/{id}/pause", s.handlePauseRollout).Methods("POST")
	r.HandleFunc("/rollouts/{id}/resume", s.handleResumeRollout).Methods("POST")
	r.HandleFunc("/rollouts/{id}/cancel", s.handleCancelRollout).Methods("POST")
	r.HandleFunc("/rollouts/{id}/rollback-all", s.handleRollbackAll).Methods("POST")
	r.HandleFunc("/rollouts/{id}/devices/{deviceId}/rollback", s.handleRollbackDevice).Methods("POST")

	r.HandleFunc("/image-policies", s.handleCreatePolicy).Methods("POST")
	r.HandleFunc("/image-policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/image-policies/{id}", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/image-policies/{id}", s.handlePatchPolicy).Methods("PATCH")
	r.HandleFunc("/image-policies/{id}", s.handleDeletePolicy).Methods("DELETE")
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	rollouts, err := s.orch.Rollouts().ListRollouts(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollouts)
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ro, err := s.orch.Rollouts().GetRollout(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleListRolloutDevices(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	statuses, err := s.orch.Rollouts().ListDeviceStatuses(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handlePauseRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &body)
	if err := s.orch.Pause(r.Context(), id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Ack bool `json:"ack"`
	}
	_ = decodeJSON(r, &body)
	if err := s.orch.Resume(r.Context(), id, body.Ack); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleCancelRollout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleRollbackAll(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.orch.RollbackAll(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRollbackDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.orch.RollbackDevice(r.Context(), vars["id"], vars["deviceId"]); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p models.RolloutPolicy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.orch.Policies().CreatePolicy(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.orch.Policies().ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.orch.Policies().GetPolicy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch rollout.PolicyPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.orch.Policies().UpdatePolicy(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Policies().DeletePolicy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}
