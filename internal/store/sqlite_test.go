package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/foreman/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedSession(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	if err := s.CreateSession(context.Background(), &domain.Session{
		SessionID:   id,
		Mode:        domain.SessionModeFanout,
		RequestText: "add request tracing",
		Status:      domain.SessionStatusActive,
		StartedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestSQLiteStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.Status != domain.SessionStatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := store.UpdateSessionStatus(ctx, "s1", domain.SessionStatusPaused); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "s1", domain.SessionStatusCompleted); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.EndedAt == nil {
		t.Fatal("expected ended_at to be set on completion")
	}

	// Terminal sessions never move again.
	err = store.UpdateSessionStatus(ctx, "s1", domain.SessionStatusActive)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error reactivating terminal session, got %v", err)
	}

	err = store.UpdateSessionStatus(ctx, "missing", domain.SessionStatusPaused)
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("expected consistency error for unknown session, got %v", err)
	}
}

func TestSQLiteStoreTaskGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	group := &domain.TaskGroup{
		GroupID:   "g1",
		SessionID: "s1",
		Name:      "auth middleware",
		Status:    domain.GroupStatusPending,
		Stage:     domain.StageImplement,
		Tags:      []string{"auth"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateTaskGroup(ctx, group); err != nil {
		t.Fatalf("CreateTaskGroup failed: %v", err)
	}
	// Replaying the same id is a no-op, not an error.
	if err := store.CreateTaskGroup(ctx, group); err != nil {
		t.Fatalf("replayed CreateTaskGroup failed: %v", err)
	}

	got, err := store.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got == nil || len(got.Tags) != 1 || got.Tags[0] != "auth" {
		t.Fatalf("unexpected group: %+v", got)
	}

	status := domain.GroupStatusInProgress
	stage := domain.StageSeniorImplement
	streak := 2
	failedAt := domain.StageImplement
	if err := store.UpdateTaskGroup(ctx, "g1", GroupUpdate{
		Status:          &status,
		Stage:           &stage,
		FailureStreak:   &streak,
		LastFailedStage: &failedAt,
	}); err != nil {
		t.Fatalf("UpdateTaskGroup failed: %v", err)
	}

	got, err = store.GetTaskGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetTaskGroup failed: %v", err)
	}
	if got.Status != domain.GroupStatusInProgress || got.Stage != domain.StageSeniorImplement {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.FailureStreak != 2 || got.LastFailedStage != domain.StageImplement {
		t.Fatalf("streak not applied: %+v", got)
	}

	pending, err := store.ListTaskGroupsByStatus(ctx, "s1", domain.GroupStatusPending)
	if err != nil {
		t.Fatalf("ListTaskGroupsByStatus failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending groups, got %d", len(pending))
	}

	if err := store.UpdateTaskGroup(ctx, "missing", GroupUpdate{Status: &status}); !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("expected consistency error, got %v", err)
	}
}

func TestSQLiteStoreInteractionSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	for i := 0; i < 3; i++ {
		rec := &domain.InteractionRecord{
			RecordID:   "r" + string(rune('a'+i)),
			SessionID:  "s1",
			GroupID:    "g1",
			WorkerType: domain.StageImplement,
			Kind:       domain.InteractionKindInvocation,
			Payload:    json.RawMessage(`{"outcome":"completed"}`),
			CreatedAt:  time.Now(),
		}
		if err := store.AppendInteraction(ctx, rec); err != nil {
			t.Fatalf("AppendInteraction failed: %v", err)
		}
		if rec.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, rec.Seq)
		}
	}

	seq, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected latest seq 3, got %d", seq)
	}

	count, err := store.CountInvocations(ctx, "s1", "g1", domain.StageImplement)
	if err != nil {
		t.Fatalf("CountInvocations failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 invocations, got %d", count)
	}

	count, err = store.CountInvocations(ctx, "s1", "g1", domain.StageReview)
	if err != nil {
		t.Fatalf("CountInvocations failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 review invocations, got %d", count)
	}

	records, err := store.ListInteractions(ctx, "s1", "", 0)
	if err != nil {
		t.Fatalf("ListInteractions failed: %v", err)
	}
	if len(records) != 3 || records[0].Seq != 3 {
		t.Fatalf("expected newest record first, got: %+v", records)
	}

	// A limit keeps the newest entries, not the oldest.
	records, err = store.ListInteractions(ctx, "s1", "", 2)
	if err != nil {
		t.Fatalf("ListInteractions failed: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 3 || records[1].Seq != 2 {
		t.Fatalf("expected seqs [3 2], got: %+v", records)
	}
}

func TestSQLiteStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?mode=rwc&_journal_mode=WAL&_busy_timeout=5000"
	store, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to create file-backed store: %v", err)
	}
	defer store.Close()

	seedSession(t, store, "s1")

	const writers = 8
	const perWriter = 5
	for i := 0; i < writers; i++ {
		if err := store.CreateTaskGroup(ctx, &domain.TaskGroup{
			GroupID:   fmt.Sprintf("g%d", i),
			SessionID: "s1",
			Name:      fmt.Sprintf("worker %d", i),
			Status:    domain.GroupStatusPending,
			Stage:     domain.StageImplement,
		}); err != nil {
			t.Fatalf("CreateTaskGroup failed: %v", err)
		}
	}

	errCh := make(chan error, writers*(perWriter+1))
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			groupID := fmt.Sprintf("g%d", n)
			for j := 0; j < perWriter; j++ {
				rec := &domain.InteractionRecord{
					RecordID:   fmt.Sprintf("r%d-%d", n, j),
					SessionID:  "s1",
					GroupID:    groupID,
					WorkerType: domain.StageImplement,
					Kind:       domain.InteractionKindInvocation,
					CreatedAt:  time.Now(),
				}
				if err := store.AppendInteraction(ctx, rec); err != nil {
					errCh <- fmt.Errorf("append %s: %w", rec.RecordID, err)
					return
				}
			}
			status := domain.GroupStatusInProgress
			if err := store.UpdateTaskGroup(ctx, groupID, GroupUpdate{Status: &status}); err != nil {
				errCh <- fmt.Errorf("update %s: %w", groupID, err)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent write failed: %v", err)
	}

	seq, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if seq != writers*perWriter {
		t.Fatalf("expected latest seq %d, got %d", writers*perWriter, seq)
	}

	records, err := store.ListInteractions(ctx, "s1", "", 0)
	if err != nil {
		t.Fatalf("ListInteractions failed: %v", err)
	}
	seen := make(map[int64]bool, len(records))
	for _, rec := range records {
		if seen[rec.Seq] {
			t.Fatalf("duplicate seq %d assigned under concurrent writers", rec.Seq)
		}
		seen[rec.Seq] = true
	}
	if len(records) != writers*perWriter {
		t.Fatalf("expected %d records, got %d", writers*perWriter, len(records))
	}
}

func TestSQLiteStorePackageConsumption(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	mk := func(id string, priority domain.PackagePriority) {
		t.Helper()
		if err := store.CreateContextPackage(ctx, &domain.ContextPackage{
			PackageID:    id,
			SessionID:    "s1",
			Type:         domain.PackageTypeResearch,
			Priority:     priority,
			SourceWorker: domain.StagePlan,
			Targets:      []domain.Stage{domain.StageImplement},
			Payload:      "notes",
			CreatedAt:    time.Now(),
		}); err != nil {
			t.Fatalf("CreateContextPackage failed: %v", err)
		}
	}
	mk("p1", domain.PriorityMedium)
	mk("p2", domain.PriorityCritical)

	q := PackageQuery{
		SessionID:      "s1",
		Consumer:       domain.StageImplement,
		IterationScope: "implement:0",
	}
	packages, err := store.ListContextPackages(ctx, q)
	if err != nil {
		t.Fatalf("ListContextPackages failed: %v", err)
	}
	if len(packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(packages))
	}
	if packages[0].PackageID != "p2" {
		t.Fatalf("expected critical package first, got %s", packages[0].PackageID)
	}

	// Packages addressed to a different consumer are invisible.
	other, err := store.ListContextPackages(ctx, PackageQuery{
		SessionID:      "s1",
		Consumer:       domain.StageReview,
		IterationScope: "review:0",
	})
	if err != nil {
		t.Fatalf("ListContextPackages failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no packages for review, got %d", len(other))
	}

	if err := store.MarkPackageConsumed(ctx, "p2", domain.StageImplement, "implement:0"); err != nil {
		t.Fatalf("MarkPackageConsumed failed: %v", err)
	}
	// Duplicate marks are no-ops.
	if err := store.MarkPackageConsumed(ctx, "p2", domain.StageImplement, "implement:0"); err != nil {
		t.Fatalf("replayed MarkPackageConsumed failed: %v", err)
	}

	packages, err = store.ListContextPackages(ctx, q)
	if err != nil {
		t.Fatalf("ListContextPackages failed: %v", err)
	}
	if len(packages) != 1 || packages[0].PackageID != "p1" {
		t.Fatalf("expected only p1 unconsumed, got %+v", packages)
	}

	// A new iteration scope re-delivers everything.
	packages, err = store.ListContextPackages(ctx, PackageQuery{
		SessionID:      "s1",
		Consumer:       domain.StageImplement,
		IterationScope: "implement:1",
	})
	if err != nil {
		t.Fatalf("ListContextPackages failed: %v", err)
	}
	if len(packages) != 2 {
		t.Fatalf("expected re-delivery under new scope, got %d", len(packages))
	}
}

func TestSQLiteStoreEventDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	event := &domain.Event{
		EventID:        "e1",
		SessionID:      "s1",
		Type:           domain.EventTypeEscalated,
		Scope:          "g1",
		IdempotencyKey: "implement->senior_implement:2",
		Payload:        json.RawMessage(`{"from":"implement"}`),
		CreatedAt:      time.Now(),
	}
	saved, created, err := store.SaveEvent(ctx, event)
	if err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}
	if !created || saved.EventID != "e1" {
		t.Fatalf("expected fresh event, got created=%v id=%s", created, saved.EventID)
	}

	dup := *event
	dup.EventID = "e2"
	saved, created, err = store.SaveEvent(ctx, &dup)
	if err != nil {
		t.Fatalf("replayed SaveEvent failed: %v", err)
	}
	if created {
		t.Fatal("expected dedup on replay")
	}
	if saved.EventID != "e1" {
		t.Fatalf("expected original event back, got %s", saved.EventID)
	}

	events, err := store.ListEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(events))
	}
}

func TestSQLiteStoreStateUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	if err := store.SaveState(ctx, "s1", "todo", "", json.RawMessage(`{"items":1}`)); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := store.SaveState(ctx, "s1", "todo", "", json.RawMessage(`{"items":2}`)); err != nil {
		t.Fatalf("SaveState upsert failed: %v", err)
	}

	entry, err := store.GetState(ctx, "s1", "todo", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if entry == nil || entry.Scope != domain.StateScopeGlobal {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if string(entry.Payload) != `{"items":2}` {
		t.Fatalf("expected last write to win, got %s", entry.Payload)
	}

	entry, err = store.GetState(ctx, "s1", "missing", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for unknown kind, got %+v", entry)
	}
}

func TestSQLiteStoreCriteria(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1")

	if err := store.CreateSuccessCriterion(ctx, &domain.SuccessCriterion{
		CriterionID: "c1",
		SessionID:   "s1",
		Description: "all handlers covered by tests",
		Status:      domain.CriterionStatusPending,
		UpdatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("CreateSuccessCriterion failed: %v", err)
	}

	if err := store.UpdateSuccessCriterion(ctx, "c1", domain.CriterionStatusMet, "suite green in run 42"); err != nil {
		t.Fatalf("UpdateSuccessCriterion failed: %v", err)
	}

	criteria, err := store.ListSuccessCriteria(ctx, "s1")
	if err != nil {
		t.Fatalf("ListSuccessCriteria failed: %v", err)
	}
	if len(criteria) != 1 || criteria[0].Status != domain.CriterionStatusMet || criteria[0].Evidence == "" {
		t.Fatalf("unexpected criteria: %+v", criteria)
	}

	if err := store.UpdateSuccessCriterion(ctx, "missing", domain.CriterionStatusMet, "x"); !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("expected consistency error, got %v", err)
	}
}
