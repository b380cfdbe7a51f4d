package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation and consistency errors always propagate to the
// caller; transport errors are retried once by the scheduler before the
// group is blocked. Escalation is a business outcome, not an error.
var (
	ErrValidation  = errors.New("validation error")
	ErrTransport   = errors.New("transport error")
	ErrConsistency = errors.New("consistency error")
)

// DecisionError carries enough detail to diagnose a routing failure without
// replaying the whole session.
type DecisionError struct {
	Stage   Stage
	Outcome Outcome
	GroupID string
	Reason  string
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%s: stage=%s outcome=%s group=%s", e.Reason, e.Stage, e.Outcome, e.GroupID)
}

func (e *DecisionError) Unwrap() error { return ErrValidation }

// NewUnmappedTransition reports a (stage, outcome) pair absent from the
// transition table. Never defaulted.
func NewUnmappedTransition(stage Stage, outcome Outcome, groupID string) error {
	return &DecisionError{Stage: stage, Outcome: outcome, GroupID: groupID, Reason: "unmapped transition"}
}

// NewCriteriaIncomplete reports a terminal decision gated on unmet success
// criteria. The scheduler uses it to loop back to planning.
func NewCriteriaIncomplete(stage Stage, outcome Outcome, groupID string) error {
	return &DecisionError{Stage: stage, Outcome: outcome, GroupID: groupID, Reason: "criteria incomplete"}
}

// IsCriteriaIncomplete reports whether err is the terminal-gating rejection.
func IsCriteriaIncomplete(err error) bool {
	var de *DecisionError
	return errors.As(err, &de) && de.Reason == "criteria incomplete"
}
