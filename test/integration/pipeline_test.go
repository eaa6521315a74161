package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/arbiter"
	"github.com/agenthands/rubric/internal/config"
	"github.com/agenthands/rubric/internal/engine"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/llm"
	"github.com/agenthands/rubric/internal/store"
)

const specJSON = `{
	"title": "Quarterly sales analysis",
	"total_points": 100,
	"required_identifiers": [
		{"name": "sales", "description": "raw sales data"},
		{"name": "totals", "description": "revenue by region"}
	],
	"required_functions": ["aggregate("],
	"min_code_length": 10
}`

const studentNB = `{
	"cells": [
		{"cell_type": "markdown", "source": "North region leads this quarter."},
		{"cell_type": "code", "execution_count": 1,
		 "source": "sales <- read.csv('sales.csv')",
		 "outputs": [{"output_type": "stream", "text": "loaded"}]},
		{"cell_type": "code", "execution_count": 2,
		 "source": "totals <- aggregate(amount ~ region, sales, sum)\ntotals",
		 "outputs": [{"output_type": "execute_result", "data": {"text/plain": "North 1200\nSouth 950"}}]}
	]
}`

const solutionNB = `{
	"cells": [
		{"cell_type": "code", "execution_count": 1,
		 "source": "sales <- read.csv('sales.csv')",
		 "outputs": [{"output_type": "stream", "text": "loaded"}]},
		{"cell_type": "code", "execution_count": 2,
		 "source": "totals <- aggregate(amount ~ region, sales, sum)\ntotals",
		 "outputs": [{"output_type": "execute_result", "data": {"text/plain": "North 1200\nSouth 950"}}]}
	]
}`

func newEngine(t *testing.T, code, feedback llm.LLMClient) (*engine.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orch := analysis.NewOrchestrator(code, feedback,
		llm.BackoffPolicy{Delay: time.Millisecond}, time.Second, config.AnalysisPrompts{})
	return engine.New(orch, st, 30*time.Second), st
}

func TestEndToEndGrading(t *testing.T) {
	code := &llm.MockClient{Response: `{"score": 90, "rationale": "aggregation is correct"}`}
	feedback := &llm.MockClient{Response: `{"score": 84, "rationale": "insightful narrative"}`}

	eng, st := newEngine(t, code, feedback)
	spec, err := grading.ParseSpec([]byte(specJSON))
	require.NoError(t, err)

	res, err := eng.Grade(context.Background(), []byte(studentNB), []byte(solutionNB), spec)
	require.NoError(t, err)

	assert.Equal(t, 87.0, res.FinalScore)
	assert.Equal(t, arbiter.StateFinalized, res.State)

	// The persisted run carries the complete audit trail.
	stored, err := st.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.FinalScore, stored.FinalScore)
	assert.Equal(t, res.AuditTrail, stored.AuditTrail)
	assert.True(t, stored.Opinions.Code.Available)
}

func TestEndToEndDegradedBackends(t *testing.T) {
	code := &llm.MockClient{Err: context.DeadlineExceeded}
	feedback := &llm.MockClient{Err: context.DeadlineExceeded}

	eng, _ := newEngine(t, code, feedback)
	spec, err := grading.ParseSpec([]byte(specJSON))
	require.NoError(t, err)

	res, err := eng.Grade(context.Background(), []byte(studentNB), []byte(solutionNB), spec)
	require.NoError(t, err)

	// Both backends down: evidence-only arbitration, still bounded.
	assert.False(t, res.Opinions.Code.Available)
	assert.False(t, res.Opinions.Feedback.Available)
	assert.GreaterOrEqual(t, res.FinalScore, 0.0)
	assert.LessOrEqual(t, res.FinalScore, 100.0)
	assert.NotEmpty(t, res.AuditTrail)
}

// The HTTP surface wraps the same engine; exercise the synchronous
// grade route and the status poll with a hand-built router.
func TestHTTPGradeRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	code := &llm.MockClient{Response: `{"score": 90}`}
	feedback := &llm.MockClient{Response: `{"score": 84}`}
	eng, _ := newEngine(t, code, feedback)

	r := gin.New()
	r.POST("/grade", func(c *gin.Context) {
		var req struct {
			Spec     json.RawMessage `json:"spec"`
			Student  json.RawMessage `json:"student"`
			Solution json.RawMessage `json:"solution"`
		}
		require.NoError(t, c.ShouldBindJSON(&req))
		spec, err := grading.ParseSpec(req.Spec)
		require.NoError(t, err)
		res, err := eng.Grade(c.Request.Context(), req.Student, req.Solution, spec)
		require.NoError(t, err)
		c.JSON(http.StatusOK, res)
	})

	body, err := json.Marshal(map[string]json.RawMessage{
		"spec":     json.RawMessage(specJSON),
		"student":  json.RawMessage(studentNB),
		"solution": json.RawMessage(solutionNB),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/grade", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var res arbiter.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 87.0, res.FinalScore)
	assert.NotEmpty(t, res.RunID)

	status, ok := eng.Status(res.RunID)
	require.True(t, ok)
	assert.Equal(t, arbiter.StateFinalized, status.State)
}
