package telemetry

import (
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with remote request
// metrics. It sees individual attempts, so retried requests count once
// per attempt.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteRequest(req.Context(), req.Method, "unknown", outcome, duration)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 400 {
		outcome = "rejected"
	}
	RecordRemoteRequest(req.Context(), req.Method, StatusClass(resp.StatusCode), outcome, duration)

	return resp, nil
}
