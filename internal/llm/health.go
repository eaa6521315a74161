package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agenthands/rubric/internal/config"
)

// HealthPolicy abstracts what "get the backend back" means before a
// retry: a local runtime may need a restart command, a hosted API just
// needs a backoff. Injected into the analysis orchestrator so the
// recovery mechanics stay out of the grading pipeline.
type HealthPolicy interface {
	// Reconnect performs the recovery action for a failed backend call
	// and returns once a retry is worth attempting, or when ctx ends.
	Reconnect(ctx context.Context) error
}

// BackoffPolicy waits a fixed delay before the retry. The default for
// hosted APIs, where transient failures resolve on their own.
type BackoffPolicy struct {
	Delay time.Duration
}

func (p BackoffPolicy) Reconnect(ctx context.Context) error {
	delay := p.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RestartPolicy runs an injected restart action (e.g. bouncing a local
// model runtime) and then backs off before the retry.
type RestartPolicy struct {
	Restart func(ctx context.Context) error
	Backoff time.Duration
}

func (p RestartPolicy) Reconnect(ctx context.Context) error {
	if p.Restart != nil {
		if err := p.Restart(ctx); err != nil {
			return err
		}
	}
	return BackoffPolicy{Delay: p.Backoff}.Reconnect(ctx)
}

// HealthPolicyFor picks the recovery policy for the configured
// backends. With a local Ollama runtime in play the retry is gated on
// a liveness probe against the server; hosted APIs get a plain
// backoff.
func HealthPolicyFor(cfg *config.Config) HealthPolicy {
	delay := cfg.ReconnectDelay()
	for _, rc := range []config.RoleConfig{cfg.LLM.Code, cfg.LLM.Feedback} {
		if strings.ToLower(rc.Provider) == "ollama" {
			return RestartPolicy{
				Restart: probeOllama(ollamaBaseURL(rc.BaseURL)),
				Backoff: delay,
			}
		}
	}
	return BackoffPolicy{Delay: delay}
}

func probeOllama(baseURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/version", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("ollama not reachable: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ollama liveness probe returned %s", resp.Status)
		}
		return nil
	}
}
