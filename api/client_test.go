package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	codexbridge "github.com/wolfeidau/codex-bridge"
)

// flakyTransport fails the first n round trips with a transport error, then
// delegates to the default transport.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.calls++
	fail := t.calls <= t.failures
	t.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestRequestRetriesTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	var slept []time.Duration
	client := NewClient(srv.URL,
		WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 2}}),
		WithMaxRetries(2),
	)
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	var result map[string]string
	err := client.get(context.Background(), "/health", nil, &result)
	require.NoError(t, err)
	require.Equal(t, "ok", result["status"])

	// Delays of 2^0 and 2^1 seconds
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, slept)
}

func TestRequestTransportExhaustion(t *testing.T) {
	var slept []time.Duration
	client := NewClient("http://127.0.0.1:0",
		WithHTTPClient(&http.Client{Transport: &flakyTransport{failures: 100}}),
		WithMaxRetries(1),
	)
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := client.Health(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Transport())
	require.Len(t, slept, 1)
}

func TestRequestDoesNotRetryApplicationErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "entry not found"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithMaxRetries(3))
	client.sleep = func(time.Duration) { t.Fatal("must not sleep on application errors") }

	_, err := client.Entry(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "entry not found", apiErr.Message)
	require.Equal(t, 1, hits)
}

// memCache is a trivial in-memory ResponseCache for tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	puts    int
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.entries[key]
	return body, ok, nil
}

func (m *memCache) Put(_ context.Context, key string, body []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
	m.entries[key] = body
	m.puts++
	return nil
}

func TestReadThroughCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode([]codexbridge.EntryWithBookmark{
			{Entry: codexbridge.Entry{ID: "e1", Category: "history"}},
		})
	}))
	defer srv.Close()

	cache := &memCache{}
	client := NewClient(srv.URL, WithResponseCache(cache, time.Minute))

	ctx := context.Background()
	first, err := client.Entries(ctx)
	require.NoError(t, err)
	second, err := client.Entries(ctx)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, hits)
	require.Equal(t, 1, cache.puts)
}

func TestCreateAnnotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/annotations", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req codexbridge.CreateAnnotationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		_ = json.NewEncoder(w).Encode(codexbridge.Annotation{
			ID:         "a1",
			EntryID:    req.EntryID,
			Content:    req.Content,
			AuthorName: req.AuthorName,
			CreatedAt:  time.Now().UTC(),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	got, err := client.CreateAnnotation(context.Background(), codexbridge.CreateAnnotationRequest{
		EntryID:    "e1",
		Content:    "margin note",
		AuthorName: "bridge",
	})
	require.NoError(t, err)
	require.Equal(t, "a1", got.ID)
	require.Equal(t, "e1", got.EntryID)
}

func TestCacheKeyVariesByRequestShape(t *testing.T) {
	base := cacheKey(http.MethodGet, "/codex/entries", nil)
	require.NotEqual(t, base, cacheKey(http.MethodGet, "/codex/search", nil))
	require.NotEqual(t, base, cacheKey(http.MethodPost, "/codex/entries", nil))

	q := map[string][]string{"q": {"alchemy"}}
	require.NotEqual(t, cacheKey(http.MethodGet, "/codex/search", nil), cacheKey(http.MethodGet, "/codex/search", q))
}

func TestErrorMessageFallsBackToBody(t *testing.T) {
	e := newStatusError(http.StatusBadGateway, []byte("upstream busted"))
	require.Equal(t, http.StatusBadGateway, e.StatusCode)
	require.Equal(t, "upstream busted", e.Message)
	require.Equal(t, fmt.Sprintf("remote returned %d: upstream busted", http.StatusBadGateway), e.Error())
}
