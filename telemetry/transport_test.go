package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedTransport_Success(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "codex_bridge_remote_requests_total")
	require.Len(t, points, 1)
	require.True(t, hasAttr(points[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(points[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(points[0].Attributes, "outcome", "success"))
}

func TestInstrumentedTransport_RejectedStatus(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "codex_bridge_remote_requests_total")
	require.Len(t, points, 1)
	require.True(t, hasAttr(points[0].Attributes, "status_class", "4xx"))
	require.True(t, hasAttr(points[0].Attributes, "outcome", "rejected"))
}

func TestInstrumentedTransport_TransportError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewInstrumentedTransport(nil)}

	_, err := client.Get("http://127.0.0.1:1") // nothing listens here
	require.Error(t, err)

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "codex_bridge_remote_requests_total")
	require.Len(t, points, 1)
	require.True(t, hasAttr(points[0].Attributes, "outcome", "error"))
}

func TestPrometheusHandlerWithoutInit(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
