// Package validator independently re-checks completion claims against the
// ledger before a session is allowed to close.
package validator

import (
	"context"
	"fmt"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/store"
)

// Result is the outcome of a completion check.
type Result struct {
	Accepted bool
	// Missing names every criterion that is not met with evidence.
	Missing []string
}

// Validator re-derives "all success criteria met" from persisted rows. It
// never trusts the scheduler's in-memory view.
type Validator struct {
	store store.Store
}

// New creates a Validator over the ledger.
func New(s store.Store) *Validator {
	return &Validator{store: s}
}

// Check reloads all criteria for the session and accepts only if every one
// is met with a non-empty evidence reference. A session with no criteria at
// all is rejected: the planning stage never produced a definition of done.
func (v *Validator) Check(ctx context.Context, sessionID string) (Result, error) {
	criteria, err := v.store.ListSuccessCriteria(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load success criteria: %w", err)
	}
	if len(criteria) == 0 {
		return Result{Missing: []string{"no success criteria recorded"}}, nil
	}

	var missing []string
	for _, c := range criteria {
		if c.Status != domain.CriterionStatusMet || c.Evidence == "" {
			missing = append(missing, fmt.Sprintf("%s: %s (%s)", c.CriterionID, c.Description, c.Status))
		}
	}
	if len(missing) > 0 {
		return Result{Missing: missing}, nil
	}
	return Result{Accepted: true}, nil
}

// CriteriaMet is the cheap variant used by routing: true only when criteria
// exist and every one is met.
func CriteriaMet(ctx context.Context, s store.Store, sessionID string) (bool, error) {
	v := New(s)
	res, err := v.Check(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return res.Accepted, nil
}
