package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/models"
)

func operatorRequest(t *testing.T, ts string, h *testHarness, method, path string, body any) *http.Request {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.operatorToken(t))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestOperatorRoutesRejectMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorCanRegisterAndListDevices(t *testing.T) {
	ts, h := newTestServer(t)

	req := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/devices", models.Device{ID: "dev-1", Name: "dev-1"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listReq := operatorRequest(t, ts.URL, h, http.MethodGet, "/api/v1/devices", nil)
	listResp, err := http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var devices []models.Device
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
}

func TestOperatorCanAddAndRemoveDeviceApp(t *testing.T) {
	ts, h := newTestServer(t)
	h.registerDevice(t, "dev-1")

	addReq := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/devices/dev-1/apps", models.App{
		AppID: 1000,
		Services: []models.Service{
			{ServiceID: 1, Config: models.ServiceConfig{Image: "acme/agent:v1"}},
		},
	})
	addResp, err := http.DefaultClient.Do(addReq)
	require.NoError(t, err)
	defer addResp.Body.Close()
	require.Equal(t, http.StatusCreated, addResp.StatusCode)

	dupReq := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/devices/dev-1/apps", models.App{AppID: 1000})
	dupResp, err := http.DefaultClient.Do(dupReq)
	require.NoError(t, err)
	defer dupResp.Body.Close()
	assert.Equal(t, http.StatusConflict, dupResp.StatusCode)

	delReq := operatorRequest(t, ts.URL, h, http.MethodDelete, "/api/v1/devices/dev-1/apps/1000", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
}

func TestOperatorCanCreateAndFetchApplication(t *testing.T) {
	ts, h := newTestServer(t)

	body := map[string]any{
		"name":        "agent",
		"slug":        "agent",
		"description": "fleet agent",
		"defaultConfig": models.App{
			AppID: 1000,
		},
	}
	req := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/applications", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var app models.Application
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&app))
	assert.Equal(t, "agent", app.Name)
}
