package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/ai"
	"github.com/tutorloop/tutorloop/internal/profile"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p := &profile.Profile{Mode: "dev", Port: 28090}
	p.FromEnv()

	svc, err := ai.NewService(p)
	require.NoError(t, err)
	s := NewServer(p, svc)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return s
}

func postAnalyze(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHandleAnalyze(t *testing.T) {
	s := newTestServer(t)

	t.Run("grammar correction in response", func(t *testing.T) {
		rec := postAnalyze(t, s, `{
			"text": "I goes to school yesterday",
			"learner_profile": {"id": "lrn_1", "level": "A2"}
		}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp analyzeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.TutorResponse)
		require.NotEmpty(t, resp.Analysis.GrammarErrors)
		assert.Equal(t, "goes", resp.Analysis.GrammarErrors[0].Original)
		assert.Equal(t, "went", resp.Analysis.GrammarErrors[0].Replacement)
		assert.Equal(t, 0, resp.Metadata.DegradationLevel)
		assert.NotEmpty(t, resp.NextAction)
	})

	t.Run("second identical request is served from cache", func(t *testing.T) {
		body := `{"text": "She walks to the park", "learner_profile": {"id": "lrn_1", "level": "B1"}}`

		rec := postAnalyze(t, s, body)
		require.Equal(t, http.StatusOK, rec.Code)
		var first analyzeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
		assert.False(t, first.Metadata.Cached)

		rec = postAnalyze(t, s, body)
		require.Equal(t, http.StatusOK, rec.Code)
		var second analyzeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
		assert.True(t, second.Metadata.Cached)
		assert.Equal(t, first.TutorResponse, second.TutorResponse)
	})

	t.Run("missing text and audio", func(t *testing.T) {
		rec := postAnalyze(t, s, `{"learner_profile": {"id": "lrn_1"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := postAnalyze(t, s, `{"text": `)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "active_sessions")
	assert.Contains(t, body, "resident_memory_mb")
	assert.Contains(t, body, "cache_entries")
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t)

	// Drive one request through so the counters exist.
	rec := postAnalyze(t, s, `{"text": "hello there", "learner_profile": {"id": "lrn_1", "level": "B1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("tutorloop_ai_")),
		"metrics exposition should carry the module namespace")
}
