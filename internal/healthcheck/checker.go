// Package healthcheck implements the rollout orchestrator's per-device
// probes (component F): HTTP, TCP, and CONTAINER checks, each run with
// a bounded retry budget against a policy's HealthCheckSpec.
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"fleetcp.sh/internal/models"
)

// Checker runs the probe a RolloutPolicy's HealthCheckSpec configures.
type Checker struct {
	httpClient *http.Client
}

// New builds a Checker. A single http.Client is reused across probes;
// per-probe deadlines come from the spec's timeout, not the client.
func New() *Checker {
	return &Checker{httpClient: &http.Client{}}
}

// Check runs spec's probe against device, retrying up to spec.Retries
// additional times with spec.IntervalSeconds between attempts. It
// returns (true, nil) on the first passing attempt and (false, lastErr)
// once the retry budget is exhausted. current is consulted only by the
// CONTAINER probe type.
func (c *Checker) Check(ctx context.Context, device models.Device, current *models.CurrentState, spec models.HealthCheckSpec) (bool, error) {
	attempts := spec.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	interval := time.Duration(spec.IntervalSeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(interval):
			}
		}

		ok, err := c.probeOnce(ctx, device, current, spec)
		if ok {
			return true, nil
		}
		lastErr = err
	}
	return false, lastErr
}

func (c *Checker) probeOnce(ctx context.Context, device models.Device, current *models.CurrentState, spec models.HealthCheckSpec) (bool, error) {
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Type {
	case models.HealthCheckHTTP:
		return c.probeHTTP(probeCtx, device, spec)
	case models.HealthCheckTCP:
		return c.probeTCP(probeCtx, device, spec)
	case models.HealthCheckContainer:
		return c.probeContainer(current, spec)
	default:
		return false, fmt.Errorf("unknown health check type %q", spec.Type)
	}
}

func (c *Checker) probeHTTP(ctx context.Context, device models.Device, spec models.HealthCheckSpec) (bool, error) {
	url := expandTemplate(spec.EndpointTemplate, device)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	expected := spec.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	for _, want := range expected {
		if resp.StatusCode == want {
			return true, nil
		}
	}
	return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func (c *Checker) probeTCP(ctx context.Context, device models.Device, spec models.HealthCheckSpec) (bool, error) {
	addr := expandTemplate(spec.EndpointTemplate, device)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	conn.Close()
	return true, nil
}

// probeContainer checks that current state reports a service whose
// image repo matches the rolled image, without calling out anywhere:
// the device's own current-state report is the only source of truth
// here. It does not check a running or health status; the reported
// service entries carry none.
func (c *Checker) probeContainer(current *models.CurrentState, spec models.HealthCheckSpec) (bool, error) {
	if current == nil {
		return false, fmt.Errorf("no current state reported yet")
	}
	repo, _ := models.ParseImage(spec.EndpointTemplate)
	for _, app := range current.Doc.Apps {
		for _, svc := range app.Services {
			svcRepo, _ := models.ParseImage(svc.Config.Image)
			if svcRepo == repo {
				return true, nil
			}
		}
	}
	return false, fmt.Errorf("no reported service matching image %q", repo)
}

// expandTemplate substitutes {device_uuid} and {device_ip}.
// {device_ip} is recovered from a "ip:<addr>" tag on the device, the
// model's only place to record a network address; a device without
// that tag fails HTTP/TCP probes deterministically rather than
// probing a guessed address.
func expandTemplate(tmpl string, device models.Device) string {
	out := strings.ReplaceAll(tmpl, "{device_uuid}", device.ID)
	out = strings.ReplaceAll(out, "{device_ip}", deviceIP(device))
	return out
}

func deviceIP(device models.Device) string {
	for _, tag := range device.Tags {
		if ip, ok := strings.CutPrefix(tag, "ip:"); ok {
			return ip
		}
	}
	return ""
}
