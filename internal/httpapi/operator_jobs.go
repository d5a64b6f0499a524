package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/jobs"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

func (s *Server) registerJobRoutes(r *mux.Router) {
	r.HandleFunc("/jobs/execute", s.handleExecuteJob).Methods("POST")
	// Registered before /jobs/{id}, which would otherwise match GET /jobs/templates.
	r.HandleFunc("/jobs/templates", s.handleCreateJobTemplate).Methods("POST")
	r.HandleFunc("/jobs/templates", s.handleListJobTemplates).Methods("GET")
	r.HandleFunc("/jobs/templates/{id}", s.handleGetJobTemplate).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
}

func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobName        string             `json:"jobName"`
		TemplateID     *string            `json:"templateId,omitempty"`
		Document       []models.JobStep   `json:"document,omitempty"`
		TargetType     models.JobTargetType `json:"targetType"`
		TargetDevices  []string           `json:"targetDevices,omitempty"`
		GroupID        string             `json:"groupId,omitempty"`
		TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	document := body.Document
	if body.TemplateID != nil {
		tmpl, err := s.jobMgr.GetTemplate(r.Context(), *body.TemplateID)
		if err != nil {
			writeError(w, err)
			return
		}
		document = tmpl.Document
	}

	targets := body.TargetDevices
	if body.TargetType == models.JobTargetGroup {
		devices, err := s.state.ListDevices(r.Context(), statestore.ListDevicesOptions{GroupID: body.GroupID})
		if err != nil {
			writeError(w, err)
			return
		}
		targets = make([]string, len(devices))
		for i, d := range devices {
			targets[i] = d.ID
		}
		if len(targets) == 0 {
			writeError(w, ferrors.New(ferrors.CodeInvalidInput, "group has no devices"))
			return
		}
	}

	job, err := s.jobMgr.CreateJob(r.Context(), jobs.CreateInput{
		JobName:        body.JobName,
		TemplateID:     body.TemplateID,
		Document:       document,
		TargetType:     body.TargetType,
		TargetDevices:  targets,
		TimeoutSeconds: body.TimeoutSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.jobMgr.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobList, err := s.jobMgr.ListJobs(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobList)
}

func (s *Server) handleCreateJobTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string           `json:"name"`
		Document []models.JobStep `json:"document"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	tmpl, err := s.jobMgr.CreateTemplate(r.Context(), body.Name, body.Document)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleListJobTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.jobMgr.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetJobTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tmpl, err := s.jobMgr.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}
