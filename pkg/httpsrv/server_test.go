package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/metrics"
)

func init() {
	metrics.EnableMetrics(false)
}

type fakeStatus struct {
	calls   int
	control bool
}

func (f *fakeStatus) ActiveCalls() int     { return f.calls }
func (f *fakeStatus) ControlPlaneUp() bool { return f.control }

func startServer(t *testing.T, status StatusProvider) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	server := NewServer(logger, &config.HTTPConfig{Address: "127.0.0.1", Port: 0}, status)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", server.Port(), path))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t, &fakeStatus{calls: 3, control: true})

	resp := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.ActiveCalls)
	assert.True(t, health.ControlPlane)
}

func TestHealthDegradedWhenControlPlaneDown(t *testing.T) {
	server := startServer(t, &fakeStatus{control: false})

	resp := get(t, server, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
}

func TestLivenessAlwaysOK(t *testing.T) {
	server := startServer(t, &fakeStatus{control: false})
	resp := get(t, server, "/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessTracksControlPlane(t *testing.T) {
	status := &fakeStatus{control: true}
	server := startServer(t, status)

	resp := get(t, server, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status.control = false
	resp = get(t, server, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
