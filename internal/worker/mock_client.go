package worker

import (
	"context"
	"sync"

	"github.com/kestrelworks/foreman/internal/domain"
)

// MockInvoker is a scriptable Invoker for testing.
type MockInvoker struct {
	mu sync.Mutex

	// Script maps a stage to the outcomes returned for successive
	// invocations of that stage. The last entry repeats once exhausted.
	Script map[domain.Stage][]*domain.WorkerOutcome

	// Err, when set, is returned for every invocation before the script is
	// consulted. ErrTimes bounds how many calls fail; zero means always.
	Err      error
	ErrTimes int

	// OnInvoke, when set, observes every call (after the error gate).
	OnInvoke func(req *domain.WorkerRequest)

	calls    map[domain.Stage]int
	errCalls int
	requests []*domain.WorkerRequest
}

// NewMockInvoker creates an empty mock. Stages without a script entry
// report a completed outcome.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		Script: make(map[domain.Stage][]*domain.WorkerOutcome),
		calls:  make(map[domain.Stage]int),
	}
}

var _ Invoker = (*MockInvoker)(nil)

// Invoke returns the next scripted outcome for the request's stage.
func (m *MockInvoker) Invoke(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.Err != nil && (m.ErrTimes == 0 || m.errCalls < m.ErrTimes) {
		m.errCalls++
		return nil, m.Err
	}

	if m.OnInvoke != nil {
		m.OnInvoke(req)
	}

	script := m.Script[req.Stage]
	if len(script) == 0 {
		m.calls[req.Stage]++
		return &domain.WorkerOutcome{Outcome: defaultOutcome(req.Stage)}, nil
	}
	i := m.calls[req.Stage]
	m.calls[req.Stage]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

// Requests returns a copy of every request seen so far.
func (m *MockInvoker) Requests() []*domain.WorkerRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.WorkerRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many times a stage was invoked.
func (m *MockInvoker) Calls(stage domain.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

func defaultOutcome(stage domain.Stage) domain.Outcome {
	switch stage {
	case domain.StagePlan:
		return domain.OutcomePlanned
	case domain.StageReview, domain.StageSeniorReview:
		return domain.OutcomeApproved
	case domain.StageVerify:
		return domain.OutcomeTestsPassed
	case domain.StageMerge:
		return domain.OutcomeMerged
	default:
		return domain.OutcomeCompleted
	}
}
