package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/bootstrap"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fixture
// ─────────────────────────────────────────────────────────────────────────────

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	Meta      *ResponseMeta   `json:"meta"`
	RequestID string          `json:"request_id"`
}

type testServer struct {
	t      *testing.T
	srv    *Server
	ts     *httptest.Server
	apiKey string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Development()
	cfg.HTTP.RateLimitPerMinute = 0
	if mutate != nil {
		mutate(cfg)
	}

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv := NewServer(cfg.HTTP, DependenciesFromApp(app, nil))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{t: t, srv: srv, ts: ts}
}

func (s *testServer) do(method, path string, body any) (int, envelope) {
	s.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (s *testServer) enroll() string {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/api/v1/patients", map[string]string{"timezone": "Europe/London"})
	require.Equal(s.t, http.StatusCreated, code)
	var p PatientResponse
	require.NoError(s.t, json.Unmarshal(env.Data, &p))
	require.NotEmpty(s.t, p.PatientID)
	return p.PatientID
}

// ─────────────────────────────────────────────────────────────────────────────
// Scenarios
// ─────────────────────────────────────────────────────────────────────────────

func TestCheckinThenActiveDecision(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.enroll()

	code, env := s.do(http.MethodPost, "/api/v1/patients/"+id+"/checkins", map[string]any{
		"dimensions":   map[string]float64{"ER-DT-001": 0.9, "SR-RC-002": 0.2},
		"context_tags": []string{"work"},
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)

	var res CycleResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Emitted)
	assert.Len(t, res.States, 2)
	assert.NotEmpty(t, res.Extra["checkin_id"])

	code, env = s.do(http.MethodGet, "/api/v1/patients/"+id+"/decision", nil)
	require.Equal(t, http.StatusOK, code)
	var active struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &active))
	assert.Equal(t, res.Decision.ID, active.ID)

	code, _ = s.do(http.MethodGet, "/api/v1/patients/"+id+"/pillars", nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = s.do(http.MethodGet, "/api/v1/patients/"+id+"/patterns", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[]", string(env.Data))
	code, _ = s.do(http.MethodGet, "/api/v1/patients/"+id+"?include_unknown=true", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.enroll()
	missing := "0b7c6a55-9d8e-4c1a-8f0e-00000000abcd"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"value out of range", http.MethodPost, "/api/v1/patients/" + id + "/checkins",
			map[string]any{"dimensions": map[string]float64{"ER-DT-001": 1.5}}, http.StatusBadRequest, "validation_error"},
		{"unknown block", http.MethodPost, "/api/v1/patients/" + id + "/checkins",
			map[string]any{"dimensions": map[string]float64{"XX-XX-999": 0.5}}, http.StatusBadRequest, "validation_error"},
		{"malformed id", http.MethodGet, "/api/v1/patients/not-a-uuid/decision", nil, http.StatusBadRequest, "validation_error"},
		{"unknown patient", http.MethodGet, "/api/v1/patients/" + missing + "/pillars", nil, http.StatusNotFound, "not_found"},
		{"no decision yet", http.MethodGet, "/api/v1/patients/" + id + "/decision", nil, http.StatusNotFound, "not_found"},
		{"malformed json", http.MethodPost, "/api/v1/patients/" + id + "/crisis-flags", "{", http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/api/v1/patients/" + id + "/crisis-flags",
			map[string]string{"origin": "x"}, http.StatusBadRequest, "invalid_request"},
		{"bad status", http.MethodPost, "/api/v1/patients/" + id + "/status",
			map[string]string{"status": "asleep"}, http.StatusBadRequest, "validation_error"},
		{"bad since", http.MethodGet, "/api/v1/escalations?since=yesterday", nil, http.StatusBadRequest, "invalid_request"},
		{"bad limit", http.MethodGet, "/api/v1/escalations?limit=ten", nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestOutOfOrderCheckinNeedsBackfill(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.enroll()
	now := time.Now().UTC()

	checkin := func(ts time.Time, backfill bool) (int, envelope) {
		return s.do(http.MethodPost, "/api/v1/patients/"+id+"/checkins", map[string]any{
			"dimensions": map[string]float64{"ER-DT-001": 0.6},
			"timestamp":  ts,
			"backfill":   backfill,
		})
	}

	code, _ := checkin(now.Add(-time.Hour), false)
	require.Equal(t, http.StatusCreated, code)

	code, env := checkin(now.Add(-2*time.Hour), false)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "out_of_order", env.Error.Code)

	code, _ = checkin(now.Add(-2*time.Hour), true)
	assert.Equal(t, http.StatusCreated, code)
}

func TestCrisisFlagAndEscalationFeed(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.enroll()

	code, _ := s.do(http.MethodPost, "/api/v1/patients/"+id+"/checkins", map[string]any{
		"dimensions":    map[string]float64{"ER-DT-001": 0.05, "ER-DT-002": 0.05, "ER-DT-003": 0.05},
		"high_distress": true,
	})
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(http.MethodPost, "/api/v1/patients/"+id+"/crisis-flags", map[string]string{"source": "sentiment"})
	require.Equal(t, http.StatusCreated, code)
	var res CycleResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.NotEmpty(t, res.Extra["flag_id"])

	code, env = s.do(http.MethodGet, "/api/v1/escalations?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Escalations []struct {
			PatientID string `json:"patient_id"`
			Action    string `json:"action"`
		} `json:"escalations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	if res.Decision.Action == "ESCALATE" {
		require.Len(t, page.Escalations, 1)
		assert.Equal(t, id, page.Escalations[0].PatientID)
		assert.Positive(t, env.Meta.NextCursor)
	} else {
		assert.Empty(t, page.Escalations)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.enroll()

	code, env := s.do(http.MethodPost, "/api/v1/patients/"+id+"/suggestions-paused", map[string]bool{"paused": true})
	require.Equal(t, http.StatusOK, code)
	var p PatientResponse
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.SuggestionsPaused)

	code, _ = s.do(http.MethodPost, "/api/v1/patients/"+id+"/baseline-step", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodPost, "/api/v1/patients", map[string]string{"patient_id": id})
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	s := newTestServer(t, func(c *config.Config) {
		c.HTTP.APIKeyHashes = []string{string(hash)}
	})

	code, env := s.do(http.MethodGet, "/api/v1/escalations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "missing_api_key", env.Error.Code)

	s.apiKey = "wrong"
	code, _ = s.do(http.MethodGet, "/api/v1/escalations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	s.apiKey = "s3cret"
	code, _ = s.do(http.MethodGet, "/api/v1/escalations", nil)
	assert.Equal(t, http.StatusOK, code)

	s.apiKey = ""
	code, _ = s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code, "probes are not authenticated")
}

func TestProbesAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/ready", "/live", "/"} {
		code, env := s.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, code, path)
		assert.True(t, env.Success, path)
	}

	s.enroll()
	code, env := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Contains(t, m, "uptime_seconds")
	assert.Contains(t, m, "event_bus")
	assert.NotContains(t, m, "scheduler")
}

func TestMetrics_FailingSourceIsReportedInline(t *testing.T) {
	srv := NewServer(config.Development().HTTP, Dependencies{
		Metrics: map[string]MetricsSource{
			"broken": func(context.Context) (any, error) { return nil, assert.AnError },
			"fine":   func(context.Context) (any, error) { return 7, nil },
		},
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, float64(7), m["fine"])
	assert.Equal(t, map[string]any{"error": assert.AnError.Error()}, m["broken"])
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := NewServer(config.Development().HTTP, Dependencies{})
	srv.router.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimiter_SlidingWindowAndLazySweep(t *testing.T) {
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.NotContains(t, rl.requests, "b", "idle keys are swept")
}

func TestRateLimitMiddleware_OnlyGuardsAPI(t *testing.T) {
	srv := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0, RateLimitPerMinute: 1}, Dependencies{})
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	codes := make([]int, 2)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[1])
}
