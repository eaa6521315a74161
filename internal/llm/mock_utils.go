package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scriptable LLMClient for tests.
type MockClient struct {
	mu            sync.Mutex
	Response      string
	ResponseQueue []string
	Err           error
	// FailFirst makes the first N calls fail with Err before the
	// scripted responses take over. Exercises the retry path.
	FailFirst int
	// Delay simulates a slow backend; calls still honor ctx.
	Delay time.Duration
	Calls int
}

func (m *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.Calls++
	failing := m.Calls <= m.FailFirst
	var resp string
	if len(m.ResponseQueue) > 0 {
		resp = m.ResponseQueue[0]
		m.ResponseQueue = m.ResponseQueue[1:]
	} else {
		resp = m.Response
	}
	delay := m.Delay
	err := m.Err
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if failing && err != nil {
		return "", err
	}
	if !failing && err != nil && m.FailFirst == 0 {
		return "", err
	}
	return resp, nil
}

// CallCount is the total number of Generate calls seen.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
