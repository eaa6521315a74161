package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/arbiter"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/notebook"
)

// ResultStore persists finished grading runs. Satisfied by store.Store;
// nil disables persistence.
type ResultStore interface {
	Save(ctx context.Context, res *arbiter.Result) error
}

// RunStatus is the externally visible state of one grading run,
// backing the progress-polling surface.
type RunStatus struct {
	ID        string        `json:"id"`
	State     arbiter.State `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Engine wires the full pipeline: parse, deterministic validation,
// backend analysis, arbitration, persistence. Each run is independent;
// the engine holds no per-run mutable state beyond the status registry.
type Engine struct {
	Orchestrator *analysis.Orchestrator // nil means evidence-only grading
	Matcher      grading.PatternMatcher
	Arbiter      arbiter.Arbiter
	Store        ResultStore
	// Timeout bounds one whole submission (parse + validate + compare
	// + analyze). Zero disables the bound.
	Timeout time.Duration
	// MaxRuns bounds the status registry so long-running servers do
	// not accumulate an entry per submission forever. When exceeded,
	// the oldest terminal runs are evicted; in-flight runs never are.
	MaxRuns int

	mu   sync.RWMutex
	runs map[string]RunStatus
}

const defaultMaxRuns = 4096

func New(orch *analysis.Orchestrator, store ResultStore, timeout time.Duration) *Engine {
	return &Engine{
		Orchestrator: orch,
		Matcher:      grading.NewRMatcher(),
		Store:        store,
		Timeout:      timeout,
		MaxRuns:      defaultMaxRuns,
		runs:         make(map[string]RunStatus),
	}
}

// NewRun registers a pending run and returns its id, for callers that
// grade asynchronously and hand the id back for polling.
func (e *Engine) NewRun() string {
	id := uuid.New().String()
	e.setState(id, arbiter.StatePending)
	return id
}

// Status reports the current state of a run.
func (e *Engine) Status(id string) (RunStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.runs[id]
	return st, ok
}

func (e *Engine) setState(id string, s arbiter.State) {
	e.mu.Lock()
	e.runs[id] = RunStatus{ID: id, State: s, UpdatedAt: time.Now().UTC()}
	e.evictLocked()
	e.mu.Unlock()
}

func terminalState(s arbiter.State) bool {
	switch s {
	case arbiter.StateArbitrated, arbiter.StateFinalized, arbiter.StateAborted:
		return true
	}
	return false
}

// evictLocked drops the oldest terminal runs until the registry is
// back under MaxRuns. Callers hold e.mu.
func (e *Engine) evictLocked() {
	max := e.MaxRuns
	if max <= 0 {
		max = defaultMaxRuns
	}
	for len(e.runs) > max {
		oldest := ""
		var oldestAt time.Time
		for id, st := range e.runs {
			if !terminalState(st.State) {
				continue
			}
			if oldest == "" || st.UpdatedAt.Before(oldestAt) {
				oldest, oldestAt = id, st.UpdatedAt
			}
		}
		if oldest == "" {
			return
		}
		delete(e.runs, oldest)
	}
}

// Grade runs the whole pipeline for one submission.
func (e *Engine) Grade(ctx context.Context, student, solution []byte, spec *grading.AssignmentSpec) (*arbiter.Result, error) {
	return e.GradeRun(ctx, e.NewRun(), student, solution, spec)
}

// GradeRun grades one submission under a previously registered run id.
// A *notebook.ParseError is fatal: no grade is produced and the run is
// flagged for manual handling. Context expiry aborts the run; an
// aborted run never persists a final score. Backend failures only
// degrade the run to evidence-only arbitration.
func (e *Engine) GradeRun(ctx context.Context, runID string, student, solution []byte, spec *grading.AssignmentSpec) (*arbiter.Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	studentDoc, err := notebook.Parse(student)
	if err != nil {
		e.setState(runID, arbiter.StateAborted)
		return nil, fmt.Errorf("student notebook: %w", err)
	}
	solutionDoc, err := notebook.Parse(solution)
	if err != nil {
		e.setState(runID, arbiter.StateAborted)
		return nil, fmt.Errorf("solution notebook: %w", err)
	}

	evidence := grading.BuildEvidence(studentDoc, solutionDoc, spec, e.Matcher)
	if err := ctx.Err(); err != nil {
		e.setState(runID, arbiter.StateAborted)
		return nil, fmt.Errorf("grading run %s aborted: %w", runID, err)
	}
	e.setState(runID, arbiter.StateEvidenceReady)

	var opinions analysis.Opinions
	if e.Orchestrator != nil {
		opinions = e.Orchestrator.Analyze(ctx, studentDoc.CodeText(), studentDoc.MarkdownText(), evidence, spec)
	} else {
		opinions = analysis.Opinions{
			Code:     analysis.Opinion{Role: analysis.RoleCode, FailReason: "analysis disabled"},
			Feedback: analysis.Opinion{Role: analysis.RoleFeedback, FailReason: "analysis disabled"},
		}
	}
	if err := ctx.Err(); err != nil {
		e.setState(runID, arbiter.StateAborted)
		return nil, fmt.Errorf("grading run %s aborted: %w", runID, err)
	}
	if opinions.Degraded() {
		e.setState(runID, arbiter.StateOpinionsDegraded)
	} else {
		e.setState(runID, arbiter.StateOpinionsReady)
	}

	result := e.Arbiter.Arbitrate(evidence, opinions, spec)
	result.RunID = runID
	e.setState(runID, arbiter.StateArbitrated)

	if e.Store != nil {
		if err := e.Store.Save(ctx, &result); err != nil {
			// Persistence failure does not invalidate the grade; the
			// caller still gets the arbitrated result.
			log.Printf("engine: failed to persist run %s: %v", runID, err)
			return &result, nil
		}
		result.State = arbiter.StateFinalized
		e.setState(runID, arbiter.StateFinalized)
	}

	return &result, nil
}

// Submission is one batch item.
type Submission struct {
	Name     string
	Notebook []byte
}

// BatchOutcome pairs a submission with its result or error.
type BatchOutcome struct {
	Name   string
	Result *arbiter.Result
	Err    error
}

// BatchOptions throttle a batch to respect backend limits: after every
// CooldownEvery submissions the runner pauses for CooldownPause.
type BatchOptions struct {
	CooldownEvery int
	CooldownPause time.Duration
}

// GradeBatch grades submissions sequentially with the configured
// cool-down. Individual failures are recorded and do not stop the
// batch; ctx cancellation does.
func (e *Engine) GradeBatch(ctx context.Context, subs []Submission, solution []byte, spec *grading.AssignmentSpec, opts BatchOptions) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(subs))
	for i, sub := range subs {
		if ctx.Err() != nil {
			outcomes = append(outcomes, BatchOutcome{Name: sub.Name, Err: ctx.Err()})
			continue
		}
		res, err := e.Grade(ctx, sub.Notebook, solution, spec)
		outcomes = append(outcomes, BatchOutcome{Name: sub.Name, Result: res, Err: err})

		if opts.CooldownEvery > 0 && opts.CooldownPause > 0 &&
			(i+1)%opts.CooldownEvery == 0 && i+1 < len(subs) {
			log.Printf("engine: cool-down after %d submissions (%s)", i+1, opts.CooldownPause)
			t := time.NewTimer(opts.CooldownPause)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
	return outcomes
}
