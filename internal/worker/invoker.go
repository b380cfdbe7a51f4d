// Package worker defines the uniform worker invocation interface. The host
// mechanism behind it is arbitrary; the core only requires a synchronous
// call returning a small outcome payload.
package worker

import (
	"context"

	"github.com/kestrelworks/foreman/internal/domain"
)

// Invoker invokes one worker turn and blocks until it completes. A returned
// error is a transport-level failure; business failures travel inside the
// outcome code.
type Invoker interface {
	Invoke(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error)
}
