package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/models"
)

func TestOperatorCanExecuteJobAgainstADevice(t *testing.T) {
	ts, h := newTestServer(t)
	h.registerDevice(t, "dev-1")

	body := map[string]any{
		"jobName":    "reboot",
		"targetType": string(models.JobTargetDevice),
		"document": []models.JobStep{
			{Action: models.JobAction{Type: "reboot"}},
		},
		"targetDevices":  []string{"dev-1"},
		"timeoutSeconds": 300,
	}
	req := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/jobs/execute", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, 1, job.Counters.Queued)

	deviceReq := deviceRequest(t, ts.URL, http.MethodGet, "/api/v1/devices/dev-1/jobs/next", "dev-1", nil)
	deviceResp, err := http.DefaultClient.Do(deviceReq)
	require.NoError(t, err)
	defer deviceResp.Body.Close()
	require.Equal(t, http.StatusOK, deviceResp.StatusCode)

	var next models.Job
	require.NoError(t, json.NewDecoder(deviceResp.Body).Decode(&next))
	assert.Equal(t, job.JobID, next.JobID)

	statusReq := deviceRequest(t, ts.URL, http.MethodPatch, "/api/v1/devices/dev-1/jobs/"+job.JobID+"/status", "dev-1", map[string]any{
		"status": string(models.DeviceJobSucceeded),
	})
	statusResp, err := http.DefaultClient.Do(statusReq)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, statusResp.StatusCode)
}

func TestExecuteJobAgainstEmptyGroupIsRejected(t *testing.T) {
	ts, h := newTestServer(t)

	body := map[string]any{
		"jobName":    "reboot",
		"targetType": string(models.JobTargetGroup),
		"groupId":    "no-such-group",
		"document": []models.JobStep{
			{Action: models.JobAction{Type: "reboot"}},
		},
	}
	req := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/jobs/execute", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperatorCanCreateAndUseJobTemplate(t *testing.T) {
	ts, h := newTestServer(t)
	h.registerDevice(t, "dev-1")

	tmplReq := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/jobs/templates", map[string]any{
		"name": "reboot-template",
		"document": []models.JobStep{
			{Action: models.JobAction{Type: "reboot"}},
		},
	})
	tmplResp, err := http.DefaultClient.Do(tmplReq)
	require.NoError(t, err)
	defer tmplResp.Body.Close()
	require.Equal(t, http.StatusCreated, tmplResp.StatusCode)

	var tmpl models.JobTemplate
	require.NoError(t, json.NewDecoder(tmplResp.Body).Decode(&tmpl))

	execReq := operatorRequest(t, ts.URL, h, http.MethodPost, "/api/v1/jobs/execute", map[string]any{
		"jobName":       "reboot-from-template",
		"templateId":    tmpl.ID,
		"targetType":    string(models.JobTargetDevice),
		"targetDevices": []string{"dev-1"},
	})
	execResp, err := http.DefaultClient.Do(execReq)
	require.NoError(t, err)
	defer execResp.Body.Close()
	assert.Equal(t, http.StatusCreated, execResp.StatusCode)
}
