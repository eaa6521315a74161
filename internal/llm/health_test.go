package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/rubric/internal/config"
)

func TestHealthPolicyForHostedBackends(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Code.Provider = "openai"
	cfg.LLM.Feedback.Provider = "claude"

	policy := HealthPolicyFor(cfg)
	backoff, ok := policy.(BackoffPolicy)
	require.True(t, ok)
	assert.Equal(t, cfg.ReconnectDelay(), backoff.Delay)
}

func TestHealthPolicyForOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		w.Write([]byte(`{"version":"0.5.0"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.LLM.Code.Provider = "openai"
	cfg.LLM.Feedback.Provider = "ollama"
	cfg.LLM.Feedback.BaseURL = srv.URL

	policy := HealthPolicyFor(cfg)
	restart, ok := policy.(RestartPolicy)
	require.True(t, ok)

	restart.Backoff = time.Millisecond
	assert.NoError(t, restart.Reconnect(context.Background()))
}

func TestOllamaProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	probe := probeOllama(srv.URL)
	assert.Error(t, probe(context.Background()))

	// A dead server fails the probe too, so the retry never fires
	// against a runtime that is still down.
	srv.Close()
	assert.Error(t, probe(context.Background()))
}

func TestOllamaBaseURLNormalization(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", ollamaBaseURL(""))
	assert.Equal(t, "http://gpu-box:11434", ollamaBaseURL("http://gpu-box:11434/"))
	assert.Equal(t, "http://gpu-box:11434", ollamaBaseURL("http://gpu-box:11434/v1"))
}
