package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/router"
	"github.com/kestrelworks/foreman/internal/store"
	"github.com/kestrelworks/foreman/internal/validator"
)

// processGroup runs one full hop for one task group: assemble context,
// invoke the worker (blocking), record the outcome, apply the router's
// decision. Transport and validation failures block the group locally;
// only consistency errors propagate and abort the run.
func (s *Scheduler) processGroup(ctx context.Context, session *domain.Session, group *domain.TaskGroup) error {
	stage := group.Stage

	running := domain.GroupStatusInProgress
	if stage == domain.StageMerge {
		running = domain.GroupStatusMerging
	}
	workerID := string(stage)
	if err := s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{
		Status:         &running,
		AssignedWorker: &workerID,
	}); err != nil {
		return err
	}

	// The iteration scope is derived from the ledger, not memory: each new
	// invocation of this stage for this group is a new retry round.
	round, err := s.store.CountInvocations(ctx, session.SessionID, group.GroupID, stage)
	if err != nil {
		return fmt.Errorf("failed to count invocations: %w", err)
	}
	iterScope := fmt.Sprintf("%s:%d", stage, round)

	packages, err := s.dist.Fetch(ctx, session.SessionID, group.GroupID, stage, iterScope, false)
	if err != nil {
		return fmt.Errorf("failed to fetch context packages: %w", err)
	}

	req := &domain.WorkerRequest{
		SessionID:   session.SessionID,
		GroupID:     group.GroupID,
		Stage:       stage,
		RequestText: session.RequestText,
		GroupName:   group.Name,
		Packages:    packages,
	}

	outcome, err := s.invokeWithRetry(ctx, req)
	if err != nil {
		return s.blockGroup(ctx, group, iterScope, fmt.Sprintf("transport failure: %v", err))
	}

	code, err := domain.ParseOutcome(string(outcome.Outcome))
	if err != nil {
		return s.blockGroup(ctx, group, iterScope, fmt.Sprintf("invalid outcome: %v", err))
	}

	// Delivery is complete only once the turn got a result; consumption is
	// recorded per (package, consumer, iteration scope).
	for _, pkg := range packages {
		if err := s.dist.MarkConsumed(ctx, pkg.PackageID, stage, iterScope); err != nil {
			return fmt.Errorf("failed to mark package consumed: %w", err)
		}
	}

	if err := s.recordInvocation(ctx, session.SessionID, group.GroupID, stage, code, outcome); err != nil {
		return err
	}

	if stage == domain.StagePlan && code == domain.OutcomePlanned {
		if err := s.applyPlan(ctx, session, group, outcome); err != nil {
			return err
		}
	}

	criteriaMet, err := validator.CriteriaMet(ctx, s.store, session.SessionID)
	if err != nil {
		return err
	}

	action, err := s.router.Decide(ctx, router.DecisionInput{
		GroupID:       group.GroupID,
		Stage:         stage,
		Outcome:       code,
		Tags:          group.Tags,
		FailureStreak: streakFor(group, stage),
		CriteriaMet:   criteriaMet,
		TestsEnabled:  s.testsEnabled,
	})
	if err != nil {
		if domain.IsCriteriaIncomplete(err) {
			// The hook that loops back to planning instead of closing early.
			log.Printf("WARN: terminal gated for group %s: %v", group.GroupID, err)
			return s.routeTo(ctx, group, stage, code, domain.StagePlan)
		}
		if errors.Is(err, domain.ErrValidation) {
			return s.blockGroup(ctx, group, iterScope, err.Error())
		}
		return err
	}

	if code.Failure() && outcome.Note != "" {
		s.publishFailureReport(ctx, session.SessionID, group, stage, action, outcome.Note)
	}

	return s.apply(ctx, group, stage, code, action)
}

// invokeWithRetry issues the invocation, retrying exactly once with the
// same inputs on a transport-level failure.
func (s *Scheduler) invokeWithRetry(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error) {
	outcome, err := s.invoker.Invoke(ctx, req)
	if err == nil {
		return outcome, nil
	}
	log.Printf("WARN: worker invocation failed for group %s stage %s, retrying once: %v", req.GroupID, req.Stage, err)
	outcome, err = s.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return outcome, nil
}

// apply writes the router's decision back to the group row. Status is never
// set outside this path.
func (s *Scheduler) apply(ctx context.Context, group *domain.TaskGroup, stage domain.Stage, code domain.Outcome, action domain.Action) error {
	streak, lastFailed := nextStreak(group, stage, code, action)

	switch action.Kind {
	case domain.ActionSpawn:
		status := domain.GroupStatusPending
		if action.Worker == domain.StageMerge {
			status = domain.GroupStatusApprovedPendingMerge
		}
		return s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{
			Status:          &status,
			Stage:           &action.Worker,
			FailureStreak:   &streak,
			LastFailedStage: &lastFailed,
		})

	case domain.ActionSpawnFanout:
		// The planner's work is done; the groups it spawned are scheduled
		// on the next turn.
		status := domain.GroupStatusCompleted
		if err := s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{Status: &status}); err != nil {
			return err
		}
		s.saveEvent(ctx, group.SessionID, domain.EventTypeGroupCompleted, group.GroupID, group.GroupID, nil)
		return nil

	case domain.ActionEscalate:
		status := domain.GroupStatusPending
		zero := 0
		cleared := domain.Stage("")
		if err := s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{
			Status:          &status,
			Stage:           &action.Worker,
			FailureStreak:   &zero,
			LastFailedStage: &cleared,
		}); err != nil {
			return err
		}
		// Escalation is a business-rule outcome, not a failure.
		payload, _ := json.Marshal(map[string]string{"from": string(stage), "to": string(action.Worker)})
		s.saveEvent(ctx, group.SessionID, domain.EventTypeEscalated, group.GroupID,
			fmt.Sprintf("%s->%s:%d", stage, action.Worker, group.FailureStreak), payload)
		log.Printf("Group %s escalated from %s to %s", group.GroupID, stage, action.Worker)
		return nil

	case domain.ActionTerminal:
		status := domain.GroupStatusCompleted
		eventType := domain.EventTypeGroupCompleted
		if !action.Success {
			status = domain.GroupStatusFailed
			eventType = domain.EventTypeSessionFailed
		}
		if err := s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{Status: &status}); err != nil {
			return err
		}
		s.saveEvent(ctx, group.SessionID, eventType, group.GroupID, group.GroupID, nil)
		return nil

	default:
		return fmt.Errorf("%w: unknown action kind %q", domain.ErrValidation, action.Kind)
	}
}

// routeTo moves a group to an explicit stage outside the table, used only
// for the criteria-incomplete loopback.
func (s *Scheduler) routeTo(ctx context.Context, group *domain.TaskGroup, stage domain.Stage, code domain.Outcome, next domain.Stage) error {
	status := domain.GroupStatusPending
	streak, lastFailed := nextStreak(group, stage, code, domain.Action{ResetStreak: !code.Failure()})
	return s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{
		Status:          &status,
		Stage:           &next,
		FailureStreak:   &streak,
		LastFailedStage: &lastFailed,
	})
}

// blockGroup parks a group for manual or escalated intervention. Blocked
// groups never disappear from the session's active set.
func (s *Scheduler) blockGroup(ctx context.Context, group *domain.TaskGroup, iterScope, reason string) error {
	status := domain.GroupStatusBlocked
	if err := s.store.UpdateTaskGroup(ctx, group.GroupID, store.GroupUpdate{Status: &status}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason, "stage": string(group.Stage)})
	s.saveEvent(ctx, group.SessionID, domain.EventTypeGroupBlocked, group.GroupID, iterScope, payload)
	log.Printf("ERROR: group %s blocked at stage %s: %s", group.GroupID, group.Stage, reason)
	return nil
}

// applyPlan materializes planner output: new task groups and success
// criteria. Group creation is idempotent on deterministic ids, so replaying
// a crashed turn does not duplicate the plan.
func (s *Scheduler) applyPlan(ctx context.Context, session *domain.Session, planGroup *domain.TaskGroup, outcome *domain.WorkerOutcome) error {
	now := time.Now()
	for i, spec := range outcome.Groups {
		if spec.Name == "" {
			return fmt.Errorf("%w: planner produced a group without a name", domain.ErrValidation)
		}
		group := &domain.TaskGroup{
			GroupID:    fmt.Sprintf("grp_%s", deterministicID(planGroup.GroupID, i, spec.Name)),
			SessionID:  session.SessionID,
			Name:       spec.Name,
			Status:     domain.GroupStatusPending,
			Stage:      domain.StageImplement,
			Complexity: spec.Complexity,
			Tags:       spec.Tags,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.CreateTaskGroup(ctx, group); err != nil {
			return fmt.Errorf("failed to create task group %q: %w", spec.Name, err)
		}
		s.saveEvent(ctx, session.SessionID, domain.EventTypeGroupSpawned, group.GroupID, group.GroupID, nil)
	}
	for i, desc := range outcome.Criteria {
		criterion := &domain.SuccessCriterion{
			CriterionID: fmt.Sprintf("crit_%s", deterministicID(planGroup.GroupID, i, desc)),
			SessionID:   session.SessionID,
			Description: desc,
			Status:      domain.CriterionStatusPending,
			UpdatedAt:   now,
		}
		if err := s.store.CreateSuccessCriterion(ctx, criterion); err != nil {
			return fmt.Errorf("failed to create success criterion: %w", err)
		}
	}
	return nil
}

// publishFailureReport forwards a failure note to whichever worker acts
// next, so the retry round starts with the feedback in hand.
func (s *Scheduler) publishFailureReport(ctx context.Context, sessionID string, group *domain.TaskGroup, stage domain.Stage, action domain.Action, note string) {
	target := action.Worker
	if target == "" {
		return
	}
	if _, err := s.dist.Publish(ctx, &domain.ContextPackage{
		SessionID:    sessionID,
		GroupID:      group.GroupID,
		Type:         domain.PackageTypeFailureReport,
		Priority:     domain.PriorityHigh,
		SourceWorker: stage,
		Targets:      []domain.Stage{target},
		Payload:      note,
	}); err != nil {
		log.Printf("ERROR: failed to publish failure report for group %s: %v", group.GroupID, err)
	}
}

func (s *Scheduler) recordInvocation(ctx context.Context, sessionID, groupID string, stage domain.Stage, code domain.Outcome, outcome *domain.WorkerOutcome) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"outcome":   code,
		"note":      outcome.Note,
		"artifacts": outcome.Artifacts,
	})
	if err := s.store.AppendInteraction(ctx, &domain.InteractionRecord{
		RecordID:   "int_" + uuid.New().String()[:8],
		SessionID:  sessionID,
		GroupID:    groupID,
		WorkerType: stage,
		Kind:       domain.InteractionKindInvocation,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// streakFor returns the consecutive failure count that applies to decisions
// at this stage.
func streakFor(group *domain.TaskGroup, stage domain.Stage) int {
	if group.LastFailedStage == stage {
		return group.FailureStreak
	}
	return 0
}

// nextStreak computes the stage-scoped failure streak after an outcome. A
// failure of the decision stage extends or starts the streak; a success of
// the streak's own stage breaks it; hops through other stages leave it
// alone.
func nextStreak(group *domain.TaskGroup, stage domain.Stage, code domain.Outcome, action domain.Action) (int, domain.Stage) {
	if code.Failure() {
		if group.LastFailedStage == stage {
			return group.FailureStreak + 1, stage
		}
		return 1, stage
	}
	if action.ResetStreak && group.LastFailedStage == stage {
		return 0, domain.Stage("")
	}
	return group.FailureStreak, group.LastFailedStage
}

func deterministicID(parent string, index int, name string) string {
	h := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d/%s", parent, index, name)))
	return h.String()[:8]
}
