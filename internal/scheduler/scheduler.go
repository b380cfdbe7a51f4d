// Package scheduler drives the orchestration loop: it pulls due task groups
// from the ledger, fans worker invocations out under a concurrency cap, and
// applies router decisions back to the ledger. Every invocation is awaited
// within the turn that issued it; there is no detached execution mode.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/foreman/internal/contextdist"
	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/router"
	"github.com/kestrelworks/foreman/internal/store"
	"github.com/kestrelworks/foreman/internal/validator"
	"github.com/kestrelworks/foreman/internal/worker"
)

// Options tunes the scheduling loop.
type Options struct {
	// MaxParallel caps concurrent worker invocations per turn. Zero means 4.
	MaxParallel int
	// TestsEnabled is the global test-execution mode fed to routing.
	TestsEnabled bool
}

// Scheduler owns session status transitions and is the only component that
// mutates task groups, always through router decisions.
type Scheduler struct {
	store     store.Store
	router    *router.Router
	dist      *contextdist.Distributor
	invoker   worker.Invoker
	validator *validator.Validator

	maxParallel  int
	testsEnabled bool
}

// New creates a Scheduler.
func New(s store.Store, r *router.Router, dist *contextdist.Distributor, invoker worker.Invoker, opts Options) *Scheduler {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Scheduler{
		store:        s,
		router:       r,
		dist:         dist,
		invoker:      invoker,
		validator:    validator.New(s),
		maxParallel:  maxParallel,
		testsEnabled: opts.TestsEnabled,
	}
}

// Run drives the session until every task group is terminal and the
// validator accepts, or until the session is paused/cancelled or stalls on
// blocked groups. It holds no state a restart cannot re-derive from the
// ledger, so calling Run again after an interruption resumes the session.
func (s *Scheduler) Run(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("%w: session %s not found", domain.ErrConsistency, sessionID)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: session %s already %s", domain.ErrValidation, sessionID, session.Status)
	}

	s.saveEvent(ctx, sessionID, domain.EventTypeSessionStarted, domain.StateScopeGlobal, sessionID, nil)

	if err := s.bootstrap(ctx, session); err != nil {
		return err
	}

	for {
		// Pause/cancel is honored between turns only; in-flight work from
		// the previous turn has already completed and been recorded.
		session, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to reload session: %w", err)
		}
		if session.Status == domain.SessionStatusPaused || session.Status == domain.SessionStatusCancelled {
			log.Printf("Session %s is %s, stopping scheduler", sessionID, session.Status)
			return nil
		}

		due, blocked, open, err := s.partition(ctx, sessionID)
		if err != nil {
			return err
		}

		if len(due) == 0 {
			if open > 0 {
				// Only blocked groups remain: surface them, never hide them.
				return fmt.Errorf("session %s stalled: %d task group(s) blocked awaiting intervention", sessionID, blocked)
			}
			done, err := s.finish(ctx, session)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// A validation reject re-opened planning; keep looping.
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.maxParallel)
		for i := range due {
			group := due[i]
			g.Go(func() error {
				return s.processGroup(gctx, session, &group)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// bootstrap seeds a fresh session with its planning group. Sessions resumed
// after an interruption already have groups and are left untouched.
func (s *Scheduler) bootstrap(ctx context.Context, session *domain.Session) error {
	groups, err := s.store.ListTaskGroups(ctx, session.SessionID)
	if err != nil {
		return fmt.Errorf("failed to list task groups: %w", err)
	}
	if len(groups) > 0 {
		return nil
	}
	now := time.Now()
	group := &domain.TaskGroup{
		GroupID:   "grp_" + uuid.New().String()[:8],
		SessionID: session.SessionID,
		Name:      "planning",
		Status:    domain.GroupStatusPending,
		Stage:     domain.StagePlan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTaskGroup(ctx, group); err != nil {
		return fmt.Errorf("failed to create planning group: %w", err)
	}
	return nil
}

// partition splits the session's groups into due work and bookkeeping
// counts. Groups found in_progress or merging at the top of a turn are due:
// a crash interrupted their last invocation before the outcome landed.
func (s *Scheduler) partition(ctx context.Context, sessionID string) (due []domain.TaskGroup, blocked, open int, err error) {
	groups, err := s.store.ListTaskGroups(ctx, sessionID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to list task groups: %w", err)
	}
	for _, g := range groups {
		switch g.Status {
		case domain.GroupStatusPending, domain.GroupStatusApprovedPendingMerge,
			domain.GroupStatusInProgress, domain.GroupStatusMerging:
			due = append(due, g)
			open++
		case domain.GroupStatusBlocked:
			blocked++
			open++
		}
	}
	return due, blocked, open, nil
}

// finish runs the independent completion check. A reject re-opens planning
// with a failure report instead of closing the session; done reports
// whether the session actually closed.
func (s *Scheduler) finish(ctx context.Context, session *domain.Session) (bool, error) {
	result, err := s.validator.Check(ctx, session.SessionID)
	if err != nil {
		return false, err
	}
	if !result.Accepted {
		log.Printf("WARN: completion rejected for session %s: %v", session.SessionID, result.Missing)
		if err := s.reopenPlanning(ctx, session, result.Missing); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.store.UpdateSessionStatus(ctx, session.SessionID, domain.SessionStatusCompleted); err != nil {
		return false, fmt.Errorf("failed to complete session: %w", err)
	}
	s.saveEvent(ctx, session.SessionID, domain.EventTypeSessionCompleted, domain.StateScopeGlobal, session.SessionID, nil)
	log.Printf("Session %s completed", session.SessionID)
	return true, nil
}

// reopenPlanning publishes the validator's findings to the planner and
// schedules a fresh planning group, then resumes the loop.
func (s *Scheduler) reopenPlanning(ctx context.Context, session *domain.Session, missing []string) error {
	payload, _ := json.Marshal(map[string]interface{}{"missing_criteria": missing})
	if _, err := s.dist.Publish(ctx, &domain.ContextPackage{
		SessionID:    session.SessionID,
		Type:         domain.PackageTypeFailureReport,
		Priority:     domain.PriorityCritical,
		SourceWorker: domain.StageVerify,
		Targets:      []domain.Stage{domain.StagePlan},
		Payload:      string(payload),
	}); err != nil {
		return fmt.Errorf("failed to publish validation reject: %w", err)
	}
	s.saveEvent(ctx, session.SessionID, domain.EventTypeValidationReject, domain.StateScopeGlobal,
		fmt.Sprintf("reject:%d", len(missing)), payload)

	now := time.Now()
	group := &domain.TaskGroup{
		GroupID:   "grp_" + uuid.New().String()[:8],
		SessionID: session.SessionID,
		Name:      "replanning",
		Status:    domain.GroupStatusPending,
		Stage:     domain.StagePlan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTaskGroup(ctx, group); err != nil {
		return fmt.Errorf("failed to create replanning group: %w", err)
	}
	return nil
}

func (s *Scheduler) saveEvent(ctx context.Context, sessionID string, eventType domain.EventType, scope, key string, payload json.RawMessage) {
	_, _, err := s.store.SaveEvent(ctx, &domain.Event{
		EventID:        "evt_" + uuid.New().String()[:8],
		SessionID:      sessionID,
		Type:           eventType,
		Scope:          scope,
		IdempotencyKey: key,
		Payload:        payload,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("ERROR: failed to save %s event: %v", eventType, err)
	}
}
