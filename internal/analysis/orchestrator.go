package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agenthands/rubric/internal/common"
	"github.com/agenthands/rubric/internal/config"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/llm"
)

// ErrBackendUnavailable marks a backend that failed its call and its
// single post-reconnect retry. Recoverable at the arbitration level:
// the run degrades to the remaining signal instead of aborting.
var ErrBackendUnavailable = errors.New("backend unavailable")

const (
	RoleCode     = "code"
	RoleFeedback = "feedback"
)

// Orchestrator dispatches the two backend reviews for one submission.
// Stateless across runs; safe for concurrent use.
type Orchestrator struct {
	Code     llm.LLMClient
	Feedback llm.LLMClient
	Health   llm.HealthPolicy
	Timeout  time.Duration
	Prompts  config.AnalysisPrompts
}

func NewOrchestrator(code, feedback llm.LLMClient, health llm.HealthPolicy, timeout time.Duration, prompts config.AnalysisPrompts) *Orchestrator {
	if health == nil {
		health = llm.BackoffPolicy{}
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if prompts.Code == "" || prompts.Feedback == "" {
		defaults := config.Default().Prompts
		if prompts.Code == "" {
			prompts.Code = defaults.Code
		}
		if prompts.Feedback == "" {
			prompts.Feedback = defaults.Feedback
		}
	}
	return &Orchestrator{
		Code:     code,
		Feedback: feedback,
		Health:   health,
		Timeout:  timeout,
		Prompts:  prompts,
	}
}

// Analyze runs both roles as a fork-join pair. Each call has its own
// timeout and retry budget, so a dead backend never delays the other;
// a persistent failure yields an unavailable Opinion, never an error.
func (o *Orchestrator) Analyze(ctx context.Context, codeText, narrative string, ev grading.Evidence, spec *grading.AssignmentSpec) Opinions {
	specText := summarizeSpec(spec)
	evText := summarizeEvidence(ev)

	codePrompt := fmt.Sprintf(o.Prompts.Code, specText, evText, codeText, spec.TotalPoints)
	feedbackPrompt := fmt.Sprintf(o.Prompts.Feedback, specText, evText, narrative, spec.TotalPoints)

	codeCh := make(chan Opinion, 1)
	feedbackCh := make(chan Opinion, 1)

	go func() {
		codeCh <- o.consult(ctx, RoleCode, o.Code, codePrompt, spec.TotalPoints)
	}()
	go func() {
		feedbackCh <- o.consult(ctx, RoleFeedback, o.Feedback, feedbackPrompt, spec.TotalPoints)
	}()

	return Opinions{Code: <-codeCh, Feedback: <-feedbackCh}
}

// consult performs one backend call with a single retry after the
// health policy's reconnect action.
func (o *Orchestrator) consult(ctx context.Context, role string, client llm.LLMClient, prompt string, total float64) Opinion {
	if client == nil {
		return unavailable(role, "no backend configured")
	}

	response, err := o.generate(ctx, client, prompt)
	if err != nil {
		log.Printf("analysis: %s backend failed (%v), reconnecting for retry", role, err)
		if rerr := o.Health.Reconnect(ctx); rerr != nil {
			return unavailable(role, fmt.Sprintf("%v: reconnect: %v", ErrBackendUnavailable, rerr))
		}
		response, err = o.generate(ctx, client, prompt)
		if err != nil {
			return unavailable(role, fmt.Sprintf("%v: %v", ErrBackendUnavailable, err))
		}
	}

	payload, err := common.ParseJSON[opinionPayload](response)
	if err != nil {
		return unavailable(role, fmt.Sprintf("unparseable response: %v", err))
	}

	score := payload.Score
	if score < 0 {
		score = 0
	}
	if score > total {
		score = total
	}
	return Opinion{
		Role:          role,
		ProposedScore: score,
		Rationale:     payload.Rationale,
		Components:    payload.Components,
		Available:     true,
	}
}

func (o *Orchestrator) generate(ctx context.Context, client llm.LLMClient, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	return client.Generate(callCtx, prompt)
}

func unavailable(role, reason string) Opinion {
	return Opinion{Role: role, Available: false, FailReason: reason}
}
