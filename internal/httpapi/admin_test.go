package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminHeartbeatRoutesRequireOperatorAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/admin/heartbeat")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminHeartbeatCheckTriggersSweep(t *testing.T) {
	ts, h := newTestServer(t)

	req := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/admin/heartbeat/check", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	getReq := operatorRequest(t, ts.URL, h, http.MethodGet, "/api/v1/admin/heartbeat", nil)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	assert.Contains(t, body, "lastSweepAt")
}
