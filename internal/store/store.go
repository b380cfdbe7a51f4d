// Package store defines the durable ledger interface and implementations.
package store

import (
	"context"
	"encoding/json"

	"github.com/kestrelworks/foreman/internal/domain"
)

// GroupUpdate describes a scheduler-applied change to a task group row.
// Nil fields are left untouched.
type GroupUpdate struct {
	Status          *domain.GroupStatus
	Stage           *domain.Stage
	AssignedWorker  *string
	FailureStreak   *int
	LastFailedStage *domain.Stage
}

// Store is the single source of truth for every other component. All writes
// are idempotent upserts; replaying a write that already landed is a no-op.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// Task group operations
	CreateTaskGroup(ctx context.Context, group *domain.TaskGroup) error
	GetTaskGroup(ctx context.Context, groupID string) (*domain.TaskGroup, error)
	ListTaskGroups(ctx context.Context, sessionID string) ([]domain.TaskGroup, error)
	ListTaskGroupsByStatus(ctx context.Context, sessionID string, status domain.GroupStatus) ([]domain.TaskGroup, error)
	UpdateTaskGroup(ctx context.Context, groupID string, update GroupUpdate) error

	// Interaction log (append-only; seq allocated per session)
	AppendInteraction(ctx context.Context, rec *domain.InteractionRecord) error
	ListInteractions(ctx context.Context, sessionID, groupID string, limit int) ([]domain.InteractionRecord, error)
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
	CountInvocations(ctx context.Context, sessionID, groupID string, stage domain.Stage) (int, error)

	// Success criteria
	CreateSuccessCriterion(ctx context.Context, c *domain.SuccessCriterion) error
	UpdateSuccessCriterion(ctx context.Context, criterionID string, status domain.CriterionStatus, evidence string) error
	ListSuccessCriteria(ctx context.Context, sessionID string) ([]domain.SuccessCriterion, error)

	// Context packages
	CreateContextPackage(ctx context.Context, pkg *domain.ContextPackage) error
	GetContextPackage(ctx context.Context, packageID string) (*domain.ContextPackage, error)
	ListContextPackages(ctx context.Context, q PackageQuery) ([]domain.ContextPackage, error)
	MarkPackageConsumed(ctx context.Context, packageID string, consumer domain.Stage, iterationScope string) error

	// Generic session state (upsert keyed by session, kind, scope)
	SaveState(ctx context.Context, sessionID, kind, scope string, payload json.RawMessage) error
	GetState(ctx context.Context, sessionID, kind, scope string) (*domain.StateEntry, error)

	// Deduplicated events. Returns the stored event; created is false when
	// the idempotency key already landed.
	SaveEvent(ctx context.Context, event *domain.Event) (*domain.Event, bool, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}

// PackageQuery filters context package reads.
type PackageQuery struct {
	SessionID string
	GroupID   string
	Consumer  domain.Stage
	// IterationScope gates the unconsumed filter: a package consumed under a
	// different scope is still returned.
	IterationScope  string
	IncludeConsumed bool
}
