package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/models"
)

func TestCheckHTTPPassesOnExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	spec := models.HealthCheckSpec{Type: models.HealthCheckHTTP, EndpointTemplate: srv.URL, TimeoutSeconds: 1}
	ok, err := c.Check(context.Background(), models.Device{ID: "d1"}, nil, spec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckHTTPFailsAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	spec := models.HealthCheckSpec{Type: models.HealthCheckHTTP, EndpointTemplate: srv.URL, TimeoutSeconds: 1, Retries: 2, IntervalSeconds: 0}
	ok, err := c.Check(context.Background(), models.Device{ID: "d1"}, nil, spec)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestCheckTCPConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := New()
	spec := models.HealthCheckSpec{Type: models.HealthCheckTCP, EndpointTemplate: ln.Addr().String(), TimeoutSeconds: 1}
	ok, err := c.Check(context.Background(), models.Device{ID: "d1"}, nil, spec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckContainerMatchesReportedImage(t *testing.T) {
	c := New()
	current := &models.CurrentState{Doc: models.StateDocument{Apps: map[string]models.App{
		"1000": {Services: []models.Service{{Config: models.ServiceConfig{Image: "nginx:1.1"}}}},
	}}}
	spec := models.HealthCheckSpec{Type: models.HealthCheckContainer, EndpointTemplate: "nginx"}
	ok, err := c.Check(context.Background(), models.Device{ID: "d1"}, current, spec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckContainerFailsWithNoCurrentState(t *testing.T) {
	c := New()
	spec := models.HealthCheckSpec{Type: models.HealthCheckContainer, EndpointTemplate: "nginx"}
	ok, err := c.Check(context.Background(), models.Device{ID: "d1"}, nil, spec)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestExpandTemplateUsesIPTag(t *testing.T) {
	d := models.Device{ID: "d1", Tags: []string{"ip:10.0.0.5"}}
	got := expandTemplate("http://{device_ip}:8080/health?uuid={device_uuid}", d)
	assert.Equal(t, "http://10.0.0.5:8080/health?uuid=d1", got)
}

