package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/jobs"
	"fleetcp.sh/internal/middleware"
	"fleetcp.sh/internal/models"
)

// registerDeviceRoutes binds the device-authenticated route group
// (spec §6): a device authenticates as itself and may only ever act
// on its own rows.
func (s *Server) registerDeviceRoutes(r *mux.Router) {
	r.HandleFunc("/device/{uuid}/state", s.handleGetDeviceState).Methods("GET")
	r.HandleFunc("/device/state", s.handlePatchDeviceState).Methods("PATCH")
	r.HandleFunc("/device/{uuid}/logs", s.handlePostDeviceLogs).Methods("POST")
	r.HandleFunc("/devices/{uuid}/jobs/next", s.handleNextJob).Methods("GET")
	r.HandleFunc("/devices/{uuid}/jobs/{jobId}/status", s.handleReportJobStatus).Methods("PATCH")
}

// authenticatedDevice resolves the device id for the current request,
// requiring it to match the :uuid path segment when one is present
// (a device may only read/act on its own resources).
func authenticatedDevice(r *http.Request) (string, error) {
	id, ok := middleware.DeviceIDFromContext(r.Context())
	if !ok {
		return "", ferrors.New(ferrors.CodeUnauthorized, "no authenticated device")
	}
	if pathID, has := mux.Vars(r)["uuid"]; has && pathID != "" && pathID != id {
		return "", ferrors.New(ferrors.CodeForbidden, "device may not act on another device's resources")
	}
	return id, nil
}

func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	deviceID, err := authenticatedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	inm := r.Header.Get("If-None-Match")
	state, notModified, err := s.state.GetTargetState(r.Context(), deviceID, inm)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, state.Doc)
}

func (s *Server) handlePatchDeviceState(w http.ResponseWriter, r *http.Request) {
	deviceID, err := authenticatedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var doc models.StateDocument
	if err := decodeJSON(r, &doc); err != nil {
		writeError(w, err)
		return
	}

	cur, err := s.state.ReportCurrentState(r.Context(), deviceID, doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// handlePostDeviceLogs accepts a device's log batch and forwards it to
// the structured logger; spec §6 names no persisted log table, so this
// endpoint is opaque write-and-discard.
func (s *Server) handlePostDeviceLogs(w http.ResponseWriter, r *http.Request) {
	deviceID, err := authenticatedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body any
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("device logs", slog.String("device_id", deviceID), slog.Any("payload", body))
	writeNoContent(w)
}

func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	deviceID, err := authenticatedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.jobMgr.NextJob(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReportJobStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, err := authenticatedDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["jobId"]

	var body struct {
		Status        models.DeviceJobState `json:"status"`
		ExitCode      *int                  `json:"exitCode,omitempty"`
		Stdout        *string                `json:"stdout,omitempty"`
		Stderr        *string                `json:"stderr,omitempty"`
		StatusDetails any                    `json:"statusDetails,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	details, err := marshalRaw(body.StatusDetails)
	if err != nil {
		writeError(w, ferrors.Wrap(err, ferrors.CodeInvalidInput, "invalid statusDetails"))
		return
	}

	if err := s.jobMgr.ReportStatus(r.Context(), jobID, deviceID, jobs.StatusInput{
		Status:        body.Status,
		ExitCode:      body.ExitCode,
		Stdout:        body.Stdout,
		Stderr:        body.Stderr,
		StatusDetails: details,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}
