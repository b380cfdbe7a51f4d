package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/foreman/internal/contextdist"
	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/policy"
	"github.com/kestrelworks/foreman/internal/router"
	"github.com/kestrelworks/foreman/internal/store"
	"github.com/kestrelworks/foreman/internal/worker"
	"github.com/kestrelworks/foreman/tests/helpers"
)

// invokerFunc adapts a function to the Invoker interface for tests that need
// to observe concurrency.
type invokerFunc func(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error)

func (f invokerFunc) Invoke(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error) {
	return f(ctx, req)
}

func newTestScheduler(t *testing.T, st store.Store, invoker worker.Invoker, opts Options) *Scheduler {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}
	r := router.New(router.Default(), engine)
	return New(st, r, contextdist.New(st), invoker, opts)
}

func seedSession(t *testing.T, st store.Store, id string) {
	t.Helper()
	if err := st.CreateSession(context.Background(), &domain.Session{
		SessionID:   id,
		Mode:        domain.SessionModeFanout,
		RequestText: "add rate limiting to the gateway",
		Status:      domain.SessionStatusActive,
		StartedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func seedGroup(t *testing.T, st store.Store, sessionID, groupID string, stage domain.Stage) {
	t.Helper()
	now := time.Now()
	if err := st.CreateTaskGroup(context.Background(), &domain.TaskGroup{
		GroupID:   groupID,
		SessionID: sessionID,
		Name:      groupID,
		Status:    domain.GroupStatusPending,
		Stage:     stage,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTaskGroup failed: %v", err)
	}
}

func TestRunHappyPath(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")

	mock := worker.NewMockInvoker()
	mock.Script[domain.StagePlan] = []*domain.WorkerOutcome{{
		Outcome:  domain.OutcomePlanned,
		Groups:   []domain.GroupSpec{{Name: "rate limiter"}},
		Criteria: []string{"limits enforced under load"},
	}}
	// The verifier is where evidence lands; the hook plays that role.
	mock.OnInvoke = func(req *domain.WorkerRequest) {
		if req.Stage != domain.StageVerify {
			return
		}
		criteria, err := st.ListSuccessCriteria(ctx, "s1")
		if err != nil {
			t.Errorf("ListSuccessCriteria failed: %v", err)
			return
		}
		for _, c := range criteria {
			if err := st.UpdateSuccessCriterion(ctx, c.CriterionID, domain.CriterionStatusMet, "load test run 7"); err != nil {
				t.Errorf("UpdateSuccessCriterion failed: %v", err)
			}
		}
	}

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	if err := sched.Run(ctx, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	session, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed session, got %s", session.Status)
	}

	groups, err := st.ListTaskGroups(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTaskGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected planning group plus one spawned group, got %d", len(groups))
	}
	for _, g := range groups {
		if g.Status != domain.GroupStatusCompleted {
			t.Fatalf("group %s not completed: %s", g.GroupID, g.Status)
		}
	}

	// Each pipeline stage ran exactly once.
	for _, stage := range []domain.Stage{domain.StagePlan, domain.StageImplement,
		domain.StageReview, domain.StageVerify, domain.StageMerge} {
		if got := mock.Calls(stage); got != 1 {
			t.Fatalf("expected 1 %s invocation, got %d", stage, got)
		}
	}

	events, err := st.ListEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	types := make(map[domain.EventType]bool)
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []domain.EventType{domain.EventTypeSessionStarted,
		domain.EventTypeGroupSpawned, domain.EventTypeSessionCompleted} {
		if !types[want] {
			t.Fatalf("missing %s event; have %v", want, types)
		}
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	for i := 0; i < 10; i++ {
		seedGroup(t, st, "s1", fmt.Sprintf("g%d", i), domain.StageImplement)
	}

	var mu sync.Mutex
	inflight, peak, total := 0, 0, 0
	invoker := invokerFunc(func(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error) {
		mu.Lock()
		inflight++
		total++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		return nil, errors.New("worker host unreachable")
	})

	sched := newTestScheduler(t, st, invoker, Options{TestsEnabled: true})
	err := sched.Run(ctx, "s1")
	if err == nil {
		t.Fatal("expected stalled error once every group blocked")
	}

	if peak > 4 {
		t.Fatalf("concurrency bound violated: %d invocations in flight", peak)
	}
	// Every group tried twice: the call and its one retry.
	if total != 20 {
		t.Fatalf("expected 20 invocations (10 groups x retry), got %d", total)
	}

	groups, err := st.ListTaskGroups(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTaskGroups failed: %v", err)
	}
	for _, g := range groups {
		if g.Status != domain.GroupStatusBlocked {
			t.Fatalf("group %s not blocked: %s", g.GroupID, g.Status)
		}
	}
}

func TestProcessGroupRetriesTransportOnce(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	seedGroup(t, st, "s1", "g1", domain.StageImplement)

	mock := worker.NewMockInvoker()
	mock.Err = errors.New("connection refused")
	mock.ErrTimes = 1

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	session, _ := st.GetSession(ctx, "s1")
	group, _ := st.GetTaskGroup(ctx, "g1")

	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup failed: %v", err)
	}

	got, err := st.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got.Status != domain.GroupStatusPending || got.Stage != domain.StageReview {
		t.Fatalf("expected group to advance to review after retry, got %s at %s", got.Status, got.Stage)
	}
	if len(mock.Requests()) != 2 {
		t.Fatalf("expected 2 transport attempts, got %d", len(mock.Requests()))
	}
}

func TestProcessGroupBlocksAfterSecondTransportFailure(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	seedGroup(t, st, "s1", "g1", domain.StageImplement)

	mock := worker.NewMockInvoker()
	mock.Err = errors.New("connection refused")

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	session, _ := st.GetSession(ctx, "s1")
	group, _ := st.GetTaskGroup(ctx, "g1")

	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup should absorb transport failures, got %v", err)
	}

	got, err := st.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got.Status != domain.GroupStatusBlocked {
		t.Fatalf("expected blocked group, got %s", got.Status)
	}

	events, err := st.ListEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == domain.EventTypeGroupBlocked && e.Scope == "g1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a group_blocked event")
	}
}

func TestProcessGroupEscalates(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	seedGroup(t, st, "s1", "g1", domain.StageImplement)

	// Two failures of this stage already on the books.
	streak := 2
	failedAt := domain.StageImplement
	if err := st.UpdateTaskGroup(ctx, "g1", store.GroupUpdate{
		FailureStreak:   &streak,
		LastFailedStage: &failedAt,
	}); err != nil {
		t.Fatalf("UpdateTaskGroup failed: %v", err)
	}

	mock := worker.NewMockInvoker()
	mock.Script[domain.StageImplement] = []*domain.WorkerOutcome{{Outcome: domain.OutcomeFailed}}

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	session, _ := st.GetSession(ctx, "s1")
	group, _ := st.GetTaskGroup(ctx, "g1")

	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup failed: %v", err)
	}

	got, err := st.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got.Stage != domain.StageSeniorImplement {
		t.Fatalf("expected escalation to senior_implement, got %s", got.Stage)
	}
	if got.Status != domain.GroupStatusPending {
		t.Fatalf("expected pending group after escalation, got %s", got.Status)
	}
	if got.FailureStreak != 0 || got.LastFailedStage != "" {
		t.Fatalf("expected streak reset after escalation, got %d at %s", got.FailureStreak, got.LastFailedStage)
	}

	events, err := st.ListEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == domain.EventTypeEscalated {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an escalated event")
	}
}

func TestProcessGroupStreakBookkeeping(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	seedGroup(t, st, "s1", "g1", domain.StageReview)

	mock := worker.NewMockInvoker()
	mock.Script[domain.StageReview] = []*domain.WorkerOutcome{{Outcome: domain.OutcomeRejected}}

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	session, _ := st.GetSession(ctx, "s1")
	group, _ := st.GetTaskGroup(ctx, "g1")

	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup failed: %v", err)
	}

	got, err := st.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got.FailureStreak != 1 || got.LastFailedStage != domain.StageReview {
		t.Fatalf("expected review streak of 1, got %d at %s", got.FailureStreak, got.LastFailedStage)
	}
	if got.Stage != domain.StageImplement {
		t.Fatalf("expected rejection loop to implement, got %s", got.Stage)
	}

	// The intermediate implement hop leaves the review streak standing.
	mock.Script[domain.StageImplement] = []*domain.WorkerOutcome{{Outcome: domain.OutcomeCompleted}}
	group, _ = st.GetTaskGroup(ctx, "g1")
	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup failed: %v", err)
	}
	got, _ = st.GetTaskGroup(ctx, "g1")
	if got.FailureStreak != 1 || got.LastFailedStage != domain.StageReview {
		t.Fatalf("implement hop disturbed the review streak: %d at %s", got.FailureStreak, got.LastFailedStage)
	}

	// A second rejection extends it.
	group, _ = st.GetTaskGroup(ctx, "g1")
	if err := sched.processGroup(ctx, session, group); err != nil {
		t.Fatalf("processGroup failed: %v", err)
	}
	got, _ = st.GetTaskGroup(ctx, "g1")
	if got.FailureStreak != 2 || got.LastFailedStage != domain.StageReview {
		t.Fatalf("expected review streak of 2, got %d at %s", got.FailureStreak, got.LastFailedStage)
	}
}

func TestRunStopsWhenPaused(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")

	mock := worker.NewMockInvoker()
	mock.Script[domain.StagePlan] = []*domain.WorkerOutcome{{
		Outcome: domain.OutcomePlanned,
		Groups:  []domain.GroupSpec{{Name: "part one"}, {Name: "part two"}},
	}}
	mock.OnInvoke = func(req *domain.WorkerRequest) {
		if req.Stage == domain.StagePlan {
			if err := st.UpdateSessionStatus(ctx, "s1", domain.SessionStatusPaused); err != nil {
				t.Errorf("pause failed: %v", err)
			}
		}
	}

	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	if err := sched.Run(ctx, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The planner's turn finished and was recorded, but nothing further ran.
	if mock.Calls(domain.StageImplement) != 0 {
		t.Fatal("implement ran after pause")
	}
	session, _ := st.GetSession(ctx, "s1")
	if session.Status != domain.SessionStatusPaused {
		t.Fatalf("expected paused session, got %s", session.Status)
	}

	groups, err := st.ListTaskGroups(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTaskGroups failed: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected planner plus two spawned groups, got %d", len(groups))
	}
}

func TestRunResumesFromLedger(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")

	// A crash left this group in_progress mid-invocation. On restart it is
	// due again.
	seedGroup(t, st, "s1", "g1", domain.StageMerge)
	status := domain.GroupStatusMerging
	if err := st.UpdateTaskGroup(ctx, "g1", store.GroupUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateTaskGroup failed: %v", err)
	}
	if err := st.CreateSuccessCriterion(ctx, &domain.SuccessCriterion{
		CriterionID: "c1",
		SessionID:   "s1",
		Description: "gateway deployed",
		Status:      domain.CriterionStatusMet,
		Evidence:    "deploy log",
		UpdatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("CreateSuccessCriterion failed: %v", err)
	}

	mock := worker.NewMockInvoker()
	sched := newTestScheduler(t, st, mock, Options{TestsEnabled: true})
	if err := sched.Run(ctx, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	session, _ := st.GetSession(ctx, "s1")
	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed session after resume, got %s", session.Status)
	}
	if mock.Calls(domain.StageMerge) != 1 {
		t.Fatalf("expected the interrupted merge to re-run once, got %d", mock.Calls(domain.StageMerge))
	}
	// Resume never re-bootstraps a planning group.
	if mock.Calls(domain.StagePlan) != 0 {
		t.Fatal("resume spawned a fresh planning group")
	}
}

func TestFinishRejectReopensPlanning(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	if err := st.CreateSuccessCriterion(ctx, &domain.SuccessCriterion{
		CriterionID: "c1",
		SessionID:   "s1",
		Description: "docs updated",
		Status:      domain.CriterionStatusPending,
		UpdatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("CreateSuccessCriterion failed: %v", err)
	}

	sched := newTestScheduler(t, st, worker.NewMockInvoker(), Options{TestsEnabled: true})
	session, _ := st.GetSession(ctx, "s1")

	done, err := sched.finish(ctx, session)
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if done {
		t.Fatal("expected finish to reject with unmet criteria")
	}

	session, _ = st.GetSession(ctx, "s1")
	if session.Status != domain.SessionStatusActive {
		t.Fatalf("session must stay active after a reject, got %s", session.Status)
	}

	groups, err := st.ListTaskGroups(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTaskGroups failed: %v", err)
	}
	if len(groups) != 1 || groups[0].Stage != domain.StagePlan || groups[0].Status != domain.GroupStatusPending {
		t.Fatalf("expected a fresh planning group, got %+v", groups)
	}

	// The planner starts its next round with the validator's findings.
	packages, err := st.ListContextPackages(ctx, store.PackageQuery{
		SessionID:      "s1",
		Consumer:       domain.StagePlan,
		IterationScope: "plan:0",
	})
	if err != nil {
		t.Fatalf("ListContextPackages failed: %v", err)
	}
	if len(packages) != 1 || packages[0].Type != domain.PackageTypeFailureReport {
		t.Fatalf("expected one failure report for the planner, got %+v", packages)
	}
}

func TestRunRejectsTerminalSession(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)
	seedSession(t, st, "s1")
	if err := st.UpdateSessionStatus(ctx, "s1", domain.SessionStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	sched := newTestScheduler(t, st, worker.NewMockInvoker(), Options{TestsEnabled: true})
	err := sched.Run(ctx, "s1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for terminal session, got %v", err)
	}

	err = sched.Run(ctx, "missing")
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("expected consistency error for unknown session, got %v", err)
	}
}
