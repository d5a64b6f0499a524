package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

func (s *Server) registerDeviceResourceRoutes(r *mux.Router) {
	r.HandleFunc("/devices", s.handleRegisterDevice).Methods("POST")
	r.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	r.HandleFunc("/devices/{uuid}", s.handleGetDeviceResource).Methods("GET")
	r.HandleFunc("/devices/{uuid}", s.handleDeleteDevice).Methods("DELETE")
	r.HandleFunc("/devices/{uuid}/active", s.handleSetDeviceActive).Methods("PUT", "PATCH")
	r.HandleFunc("/devices/{uuid}/target-state", s.handleGetTargetStateOperator).Methods("GET")
	r.HandleFunc("/devices/{uuid}/target-state", s.handleReplaceTargetState).Methods("PUT")
	r.HandleFunc("/devices/{uuid}/apps", s.handleAddDeviceApp).Methods("POST")
	r.HandleFunc("/devices/{uuid}/apps/{appKey}", s.handleUpdateDeviceApp).Methods("PATCH")
	r.HandleFunc("/devices/{uuid}/apps/{appKey}", s.handleRemoveDeviceApp).Methods("DELETE")

	r.HandleFunc("/applications", s.handleCreateApplication).Methods("POST")
	r.HandleFunc("/applications", s.handleListApplications).Methods("GET")
	r.HandleFunc("/applications/{id}", s.handleGetApplication).Methods("GET")
	r.HandleFunc("/applications/{id}", s.handleUpdateApplication).Methods("PATCH")
	r.HandleFunc("/applications/{id}", s.handleDeleteApplication).Methods("DELETE")

	r.HandleFunc("/apps/next-id", s.handleNextAppID).Methods("POST")
	r.HandleFunc("/services/next-id", s.handleNextServiceID).Methods("POST")
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body models.Device
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.state.RegisterDevice(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := statestore.ListDevicesOptions{
		GroupID: q.Get("groupId"),
		Tag:     q.Get("tag"),
		Limit:   atoiDefault(q.Get("limit"), 0),
		Offset:  atoiDefault(q.Get("offset"), 0),
	}
	devices, err := s.state.ListDevices(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDeviceResource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	d, err := s.state.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	if err := s.state.DeleteDevice(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleSetDeviceActive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var body struct {
		Active bool `json:"active"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.state.SetDeviceActive(r.Context(), id, body.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetTargetStateOperator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	state, _, err := s.state.GetTargetState(r.Context(), id, "")
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleReplaceTargetState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var doc models.StateDocument
	if err := decodeJSON(r, &doc); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.state.ReplaceTargetState(r.Context(), id, doc)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAddDeviceApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var app models.App
	if err := decodeJSON(r, &app); err != nil {
		writeError(w, err)
		return
	}
	if app.AppID == 0 {
		appID, err := s.state.AllocateAppID(r.Context(), app.AppName, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		app.AppID = appID
	}
	key := models.AppKeyFor(app.AppID)

	state, err := s.state.PatchTargetStateApp(r.Context(), id, key, models.EventTargetStateAppAdded, func(doc *models.StateDocument) error {
		if _, exists := doc.Apps[key]; exists {
			return ferrors.New(ferrors.CodeConflict, "app already present on device")
		}
		doc.Apps[key] = app
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleUpdateDeviceApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	key := mux.Vars(r)["appKey"]
	var patch models.App
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	state, err := s.state.PatchTargetStateApp(r.Context(), id, key, models.EventTargetStateAppUpdated, func(doc *models.StateDocument) error {
		app, ok := doc.Apps[key]
		if !ok {
			return ferrors.New(ferrors.CodeNotFound, "app not found on device")
		}
		if patch.AppName != "" {
			app.AppName = patch.AppName
		}
		if patch.Services != nil {
			app.Services = patch.Services
		}
		doc.Apps[key] = app
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRemoveDeviceApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	key := mux.Vars(r)["appKey"]

	state, err := s.state.PatchTargetStateApp(r.Context(), id, key, models.EventTargetStateAppRemoved, func(doc *models.StateDocument) error {
		if _, ok := doc.Apps[key]; !ok {
			return ferrors.New(ferrors.CodeNotFound, "app not found on device")
		}
		delete(doc.Apps, key)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+state.ETag()+`"`)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string     `json:"name"`
		Slug          string     `json:"slug"`
		Description   string     `json:"description"`
		DefaultConfig models.App `json:"defaultConfig"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	app, err := s.state.CreateApplication(r.Context(), body.Name, body.Slug, body.Description, body.DefaultConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.state.ListApplications(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	app, err := s.state.GetApplication(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name          *string     `json:"name,omitempty"`
		Description   *string     `json:"description,omitempty"`
		DefaultConfig *models.App `json:"defaultConfig,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	app, err := s.state.UpdateApplication(r.Context(), id, body.Name, body.Description, body.DefaultConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.state.DeleteApplication(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleNextAppID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	_ = decodeJSON(r, &body)
	id, err := s.state.AllocateAppID(r.Context(), body.Name, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"appId": id})
}

func (s *Server) handleNextServiceID(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	_ = decodeJSON(r, &body)
	id, err := s.state.AllocateServiceID(r.Context(), body.Name, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"serviceId": id})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ferrors.New(ferrors.CodeInvalidInput, "invalid numeric id")
	}
	return id, nil
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
