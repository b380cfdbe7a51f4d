// Package domain defines the core domain models for the pipeline orchestrator.
package domain

import "fmt"

// SessionStatus represents the status of an orchestration session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusPaused    SessionStatus = "PAUSED"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// SessionMode selects single-track or fan-out execution.
type SessionMode string

const (
	SessionModeSingle SessionMode = "SINGLE"
	SessionModeFanout SessionMode = "FANOUT"
)

// ParseSessionMode validates a mode string.
func ParseSessionMode(s string) (SessionMode, error) {
	switch SessionMode(s) {
	case SessionModeSingle, SessionModeFanout:
		return SessionMode(s), nil
	default:
		return "", fmt.Errorf("unknown session mode: %q", s)
	}
}

// GroupStatus represents the status of a task group.
type GroupStatus string

const (
	GroupStatusPending              GroupStatus = "PENDING"
	GroupStatusInProgress           GroupStatus = "IN_PROGRESS"
	GroupStatusBlocked              GroupStatus = "BLOCKED"
	GroupStatusApprovedPendingMerge GroupStatus = "APPROVED_PENDING_MERGE"
	GroupStatusMerging              GroupStatus = "MERGING"
	GroupStatusCompleted            GroupStatus = "COMPLETED"
	GroupStatusFailed               GroupStatus = "FAILED"
)

// Terminal reports whether the group needs no further scheduling.
func (s GroupStatus) Terminal() bool {
	return s == GroupStatusCompleted || s == GroupStatusFailed
}

// Stage identifies the worker role responsible for a task group.
type Stage string

const (
	StagePlan            Stage = "plan"
	StageImplement       Stage = "implement"
	StageSeniorImplement Stage = "senior_implement"
	StageReview          Stage = "review"
	StageSeniorReview    Stage = "senior_review"
	StageVerify          Stage = "verify"
	StageMerge           Stage = "merge"
)

var stages = map[Stage]bool{
	StagePlan:            true,
	StageImplement:       true,
	StageSeniorImplement: true,
	StageReview:          true,
	StageSeniorReview:    true,
	StageVerify:          true,
	StageMerge:           true,
}

// ParseStage validates a stage identifier against the closed set.
func ParseStage(s string) (Stage, error) {
	if !stages[Stage(s)] {
		return "", fmt.Errorf("%w: unknown stage %q", ErrValidation, s)
	}
	return Stage(s), nil
}

// Outcome is the closed-set result a worker reports when its turn finishes.
// Free-form worker text travels in the interaction note, never here.
type Outcome string

const (
	OutcomePlanned     Outcome = "planned"
	OutcomeCompleted   Outcome = "completed"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeApproved    Outcome = "approved"
	OutcomeRejected    Outcome = "rejected"
	OutcomeTestsPassed Outcome = "tests_passed"
	OutcomeTestsFailed Outcome = "tests_failed"
	OutcomeNeedsReplan Outcome = "needs_replan"
	OutcomeMerged      Outcome = "merged"
	OutcomeFailed      Outcome = "failed"
)

var outcomes = map[Outcome]bool{
	OutcomePlanned:     true,
	OutcomeCompleted:   true,
	OutcomeNeedsReview: true,
	OutcomeApproved:    true,
	OutcomeRejected:    true,
	OutcomeTestsPassed: true,
	OutcomeTestsFailed: true,
	OutcomeNeedsReplan: true,
	OutcomeMerged:      true,
	OutcomeFailed:      true,
}

// ParseOutcome validates an outcome code at the ledger-write boundary.
func ParseOutcome(s string) (Outcome, error) {
	if !outcomes[Outcome(s)] {
		return "", fmt.Errorf("%w: malformed outcome code %q", ErrValidation, s)
	}
	return Outcome(s), nil
}

// Failure reports whether the outcome counts toward the same-stage
// failure streak.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeRejected, OutcomeTestsFailed, OutcomeFailed:
		return true
	}
	return false
}

// CriterionStatus represents the status of a success criterion.
type CriterionStatus string

const (
	CriterionStatusPending CriterionStatus = "PENDING"
	CriterionStatusMet     CriterionStatus = "MET"
	CriterionStatusFailed  CriterionStatus = "FAILED"
)

// InteractionKind distinguishes ledger log entries.
type InteractionKind string

const (
	InteractionKindInvocation InteractionKind = "invocation"
	InteractionKindReasoning  InteractionKind = "reasoning"
	InteractionKindEvent      InteractionKind = "event"
)

// PackageType classifies a context package.
type PackageType string

const (
	PackageTypeResearch      PackageType = "research"
	PackageTypeFailureReport PackageType = "failure_report"
	PackageTypeDecision      PackageType = "decision"
	PackageTypeHandoff       PackageType = "handoff"
	PackageTypeInvestigation PackageType = "investigation"
)

// PackagePriority orders context delivery.
type PackagePriority string

const (
	PriorityCritical PackagePriority = "critical"
	PriorityHigh     PackagePriority = "high"
	PriorityMedium   PackagePriority = "medium"
	PriorityLow      PackagePriority = "low"
)

// Rank returns the delivery order of the priority tier, lowest first.
func (p PackagePriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// EventType represents the type of a deduplicated session event.
type EventType string

const (
	EventTypeSessionStarted   EventType = "session_started"
	EventTypeSessionCompleted EventType = "session_completed"
	EventTypeSessionFailed    EventType = "session_failed"
	EventTypeGroupSpawned     EventType = "group_spawned"
	EventTypeGroupBlocked     EventType = "group_blocked"
	EventTypeGroupCompleted   EventType = "group_completed"
	EventTypeEscalated        EventType = "escalated"
	EventTypeValidationReject EventType = "validation_rejected"
)
