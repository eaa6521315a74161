package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/arbiter"
	"github.com/agenthands/rubric/internal/config"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/llm"
)

const studentNotebook = `{
	"cells": [
		{"cell_type": "markdown", "source": "North leads revenue this quarter."},
		{"cell_type": "code", "execution_count": 1,
		 "source": "sales <- read.csv('sales.csv')",
		 "outputs": [{"output_type": "stream", "text": "loaded"}]},
		{"cell_type": "code", "execution_count": 2,
		 "source": "totals <- aggregate(amount ~ region, sales, sum)\ntotals",
		 "outputs": [{"output_type": "execute_result", "data": {"text/plain": "North 1200\nSouth 950"}}]}
	]
}`

const solutionNotebook = `{
	"cells": [
		{"cell_type": "code", "execution_count": 1,
		 "source": "sales <- read.csv('sales.csv')",
		 "outputs": [{"output_type": "stream", "text": "loaded"}]},
		{"cell_type": "code", "execution_count": 2,
		 "source": "totals <- aggregate(amount ~ region, sales, sum)\ntotals",
		 "outputs": [{"output_type": "execute_result", "data": {"text/plain": "South 950\nNorth 1200"}}]}
	]
}`

func engineSpec(t *testing.T) *grading.AssignmentSpec {
	t.Helper()
	spec, err := grading.ParseSpec([]byte(`{
		"total_points": 100,
		"required_identifiers": [{"name": "sales"}, {"name": "totals"}],
		"min_code_length": 10
	}`))
	require.NoError(t, err)
	return spec
}

func mockOrchestrator(code, feedback llm.LLMClient) *analysis.Orchestrator {
	return analysis.NewOrchestrator(code, feedback, llm.BackoffPolicy{Delay: time.Millisecond}, 200*time.Millisecond, config.AnalysisPrompts{})
}

type memStore struct {
	saved []*arbiter.Result
	err   error
}

func (m *memStore) Save(_ context.Context, res *arbiter.Result) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, res)
	return nil
}

func TestGradeFullPipeline(t *testing.T) {
	code := &llm.MockClient{Response: `{"score": 88, "rationale": "correct aggregation"}`}
	feedback := &llm.MockClient{Response: `{"score": 80, "rationale": "clear narrative"}`}
	st := &memStore{}

	e := New(mockOrchestrator(code, feedback), st, 0)
	res, err := e.Grade(context.Background(), []byte(studentNotebook), []byte(solutionNotebook), engineSpec(t))
	require.NoError(t, err)

	assert.Equal(t, 84.0, res.FinalScore)
	assert.Equal(t, arbiter.StateFinalized, res.State)
	assert.Equal(t, []string{"sales", "totals"}, res.Evidence.FoundIdentifiers)
	assert.Equal(t, 1.0, res.Evidence.MatchRate)
	assert.NotEmpty(t, res.AuditTrail)
	require.Len(t, st.saved, 1)

	status, ok := e.Status(res.RunID)
	require.True(t, ok)
	assert.Equal(t, arbiter.StateFinalized, status.State)
}

func TestGradeParseErrorIsFatal(t *testing.T) {
	e := New(nil, nil, 0)
	_, err := e.Grade(context.Background(), []byte("not a notebook"), []byte(solutionNotebook), engineSpec(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "student notebook")
}

func TestGradeEvidenceOnly(t *testing.T) {
	e := New(nil, nil, 0)
	res, err := e.Grade(context.Background(), []byte(studentNotebook), []byte(solutionNotebook), engineSpec(t))
	require.NoError(t, err)

	assert.False(t, res.Opinions.Code.Available)
	assert.False(t, res.Opinions.Feedback.Available)
	// Without persistence the run stops at Arbitrated.
	assert.Equal(t, arbiter.StateArbitrated, res.State)
	assert.GreaterOrEqual(t, res.FinalScore, 0.0)
	assert.LessOrEqual(t, res.FinalScore, 100.0)
}

func TestGradeDegradedWhenOneBackendDown(t *testing.T) {
	code := &llm.MockClient{Response: `{"score": 88}`}
	feedback := &llm.MockClient{Response: `not json at all`}

	e := New(mockOrchestrator(code, feedback), nil, 0)
	res, err := e.Grade(context.Background(), []byte(studentNotebook), []byte(solutionNotebook), engineSpec(t))
	require.NoError(t, err)

	status, ok := e.Status(res.RunID)
	require.True(t, ok)
	assert.Equal(t, arbiter.StateArbitrated, status.State)
	assert.Equal(t, 88.0, res.FinalScore)
}

func TestGradeSubmissionTimeoutAborts(t *testing.T) {
	code := &llm.MockClient{Response: `{"score": 88}`, Delay: 5 * time.Second}
	feedback := &llm.MockClient{Response: `{"score": 80}`, Delay: 5 * time.Second}

	// The backend call timeout is generous but the submission-level
	// bound is tight: the whole run must abort.
	orch := analysis.NewOrchestrator(code, feedback, llm.BackoffPolicy{Delay: time.Millisecond}, 10*time.Second, config.AnalysisPrompts{})
	e := New(orch, nil, 50*time.Millisecond)

	runID := e.NewRun()
	_, err := e.GradeRun(context.Background(), runID, []byte(studentNotebook), []byte(solutionNotebook), engineSpec(t))
	require.Error(t, err)

	status, ok := e.Status(runID)
	require.True(t, ok)
	assert.Equal(t, arbiter.StateAborted, status.State)
}

func TestGradePersistFailureStillReturnsResult(t *testing.T) {
	st := &memStore{err: context.DeadlineExceeded}
	e := New(nil, st, 0)

	res, err := e.Grade(context.Background(), []byte(studentNotebook), []byte(solutionNotebook), engineSpec(t))
	require.NoError(t, err)
	// The grade survives; it just is not marked finalized.
	assert.Equal(t, arbiter.StateArbitrated, res.State)
}

func TestGradeBatchCooldown(t *testing.T) {
	e := New(nil, nil, 0)
	subs := []Submission{
		{Name: "alice", Notebook: []byte(studentNotebook)},
		{Name: "bob", Notebook: []byte(studentNotebook)},
		{Name: "carol", Notebook: []byte(studentNotebook)},
	}

	start := time.Now()
	outcomes := e.GradeBatch(context.Background(), subs, []byte(solutionNotebook), engineSpec(t), BatchOptions{
		CooldownEvery: 1,
		CooldownPause: 30 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		assert.NotNil(t, o.Result)
	}
	// Two pauses between three submissions; none after the last.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestGradeBatchRecordsIndividualFailures(t *testing.T) {
	e := New(nil, nil, 0)
	subs := []Submission{
		{Name: "alice", Notebook: []byte(studentNotebook)},
		{Name: "bob", Notebook: []byte("garbage")},
	}

	outcomes := e.GradeBatch(context.Background(), subs, []byte(solutionNotebook), engineSpec(t), BatchOptions{})
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
}

func TestStatusRegistryEvictsOldTerminalRuns(t *testing.T) {
	e := New(nil, nil, 0)
	e.MaxRuns = 1
	spec := engineSpec(t)

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := e.Grade(context.Background(), []byte(studentNotebook), []byte(solutionNotebook), spec)
		require.NoError(t, err)
		ids = append(ids, res.RunID)
	}

	// Only the newest terminal run survives the bound.
	for _, id := range ids[:2] {
		_, ok := e.Status(id)
		assert.False(t, ok)
	}
	st, ok := e.Status(ids[2])
	require.True(t, ok)
	assert.Equal(t, arbiter.StateArbitrated, st.State)

	// In-flight runs are never evicted, whatever the bound.
	pending := e.NewRun()
	_, ok = e.Status(pending)
	assert.True(t, ok)
}

func TestStatusUnknownRun(t *testing.T) {
	e := New(nil, nil, 0)
	_, ok := e.Status("nope")
	assert.False(t, ok)
}
