package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Session represents one orchestration run. The request text is immutable
// after creation and status transitions only move forward.
type Session struct {
	SessionID   string        `json:"session_id"`
	Mode        SessionMode   `json:"mode"`
	RequestText string        `json:"request_text"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// TaskGroup is one independently schedulable unit of work. The status field
// is the single authoritative pointer into the workflow; it changes only
// through scheduler-applied router decisions.
type TaskGroup struct {
	GroupID        string      `json:"group_id"`
	SessionID      string      `json:"session_id"`
	Name           string      `json:"name"`
	Status         GroupStatus `json:"status"`
	Stage          Stage       `json:"stage"`
	AssignedWorker string      `json:"assigned_worker,omitempty"`
	Complexity     int         `json:"complexity"`
	Tags           []string    `json:"tags,omitempty"`
	FailureStreak  int         `json:"failure_streak"`
	// LastFailedStage keeps the streak stage-scoped: failures of one stage
	// survive successful hops through other stages in between.
	LastFailedStage Stage     `json:"last_failed_stage,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasTag reports whether the group carries the given specialization tag.
func (g *TaskGroup) HasTag(tag string) bool {
	for _, t := range g.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// SuccessCriterion is a condition the session must satisfy to close.
type SuccessCriterion struct {
	CriterionID string          `json:"criterion_id"`
	SessionID   string          `json:"session_id"`
	Description string          `json:"description"`
	Status      CriterionStatus `json:"status"`
	Evidence    string          `json:"evidence,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// InteractionRecord is an append-only ledger log entry. Sequence numbers are
// allocated by the store per session, so recovery ordering never depends on
// scheduler memory.
type InteractionRecord struct {
	RecordID   string          `json:"record_id"`
	SessionID  string          `json:"session_id"`
	GroupID    string          `json:"group_id,omitempty"`
	WorkerType Stage           `json:"worker_type"`
	Kind       InteractionKind `json:"kind"`
	Seq        int64           `json:"seq"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ReasoningPayload is the interaction payload for save_reasoning.
type ReasoningPayload struct {
	Phase      string  `json:"phase"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ContextPackage is an artifact one worker produces for named downstream
// workers. A (package, consumer, iteration scope) triple is consumed at most
// once; re-delivery requires a new iteration scope.
type ContextPackage struct {
	PackageID    string          `json:"package_id"`
	SessionID    string          `json:"session_id"`
	GroupID      string          `json:"group_id,omitempty"`
	Type         PackageType     `json:"type"`
	Priority     PackagePriority `json:"priority"`
	SourceWorker Stage           `json:"source_worker"`
	Targets      []Stage         `json:"targets"`
	Payload      string          `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Validate checks the fields a package must carry before publication.
func (p *ContextPackage) Validate() error {
	if p.SessionID == "" {
		return errors.New("session_id is required")
	}
	if len(p.Targets) == 0 {
		return errors.New("at least one target worker is required")
	}
	if p.Payload == "" {
		return errors.New("payload is required")
	}
	return nil
}

// StateEntry is a generic session-scoped upsert row keyed by (kind, scope).
type StateEntry struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateScopeGlobal is the default scope marker for session state.
const StateScopeGlobal = "global"

// Event is a deduplicated session event row. Duplicate saves under the same
// (session, type, scope, idempotency key) return the original row.
type Event struct {
	EventID        string          `json:"event_id"`
	SessionID      string          `json:"session_id"`
	Type           EventType       `json:"type"`
	Scope          string          `json:"scope"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// WorkerRequest is the uniform input handed to a worker invocation.
type WorkerRequest struct {
	SessionID   string           `json:"session_id"`
	GroupID     string           `json:"group_id"`
	Stage       Stage            `json:"stage"`
	RequestText string           `json:"request_text"`
	GroupName   string           `json:"group_name"`
	Packages    []ContextPackage `json:"packages,omitempty"`
}

// WorkerOutcome is the small payload a worker reports when its turn ends.
type WorkerOutcome struct {
	Outcome   Outcome         `json:"outcome"`
	Note      string          `json:"note,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	// Groups carries planner fan-out output: one spec per task group to
	// create. Ignored for all other stages.
	Groups []GroupSpec `json:"groups,omitempty"`
	// Criteria carries planner-produced success criteria descriptions.
	Criteria []string `json:"criteria,omitempty"`
}

// GroupSpec describes a task group a planner wants created.
type GroupSpec struct {
	Name       string   `json:"name"`
	Complexity int      `json:"complexity"`
	Tags       []string `json:"tags,omitempty"`
}

// DashboardSnapshot is the read-only aggregate served to observability
// tooling. Rendering it is out of scope; supplying it is not.
type DashboardSnapshot struct {
	Session        *Session           `json:"session"`
	GroupCounts    map[string]int     `json:"group_counts"`
	Groups         []TaskGroup        `json:"groups"`
	BlockedGroups  []TaskGroup        `json:"blocked_groups"`
	Criteria       []SuccessCriterion `json:"criteria"`
	CriteriaMet    int                `json:"criteria_met"`
	CriteriaTotal  int                `json:"criteria_total"`
	RecentEvents   []Event            `json:"recent_events"`
	InteractionSeq int64              `json:"interaction_seq"`
}
