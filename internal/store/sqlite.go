package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelworks/foreman/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time. Funnel every connection through a
	// single handle so concurrent callers queue in the pool instead of
	// surfacing SQLITE_LOCKED/SQLITE_BUSY mid-transaction. This also keeps
	// in-memory databases from splitting per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			request_text TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS task_groups (
			group_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			assigned_worker TEXT,
			complexity INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			failure_streak INTEGER NOT NULL DEFAULT 0,
			last_failed_stage TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_groups_session ON task_groups(session_id, status)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			record_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			group_id TEXT,
			worker_type TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id),
			UNIQUE (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS success_criteria (
			criterion_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			evidence TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_criteria_session ON success_criteria(session_id)`,
		`CREATE TABLE IF NOT EXISTS context_packages (
			package_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			group_id TEXT,
			package_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			source_worker TEXT NOT NULL,
			targets TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_session ON context_packages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS context_consumption (
			package_id TEXT NOT NULL,
			consumer TEXT NOT NULL,
			iteration_scope TEXT NOT NULL,
			consumed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (package_id, consumer, iteration_scope),
			FOREIGN KEY (package_id) REFERENCES context_packages(package_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			scope TEXT NOT NULL,
			payload TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, kind, scope),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			scope TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (session_id, event_type, scope, idempotency_key),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session. Replaying an id is a no-op.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, mode, request_text, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		session.SessionID, session.Mode, session.RequestText, session.Status, session.StartedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, mode, request_text, status, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.Mode, &session.RequestText, &session.Status, &session.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return &session, nil
}

// UpdateSessionStatus moves a session forward. A terminal session is never
// re-activated; attempting it is a validation error.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	var endedAt interface{}
	if status.Terminal() {
		endedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at)
		 WHERE session_id = ? AND status NOT IN (?, ?, ?)`,
		status, endedAt, sessionID,
		domain.SessionStatusCompleted, domain.SessionStatusFailed, domain.SessionStatusCancelled)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: session %s not found", domain.ErrConsistency, sessionID)
		}
		return fmt.Errorf("%w: session %s already %s", domain.ErrValidation, sessionID, existing.Status)
	}
	return nil
}

// CreateTaskGroup creates a new task group. Replaying an id is a no-op.
func (s *SQLiteStore) CreateTaskGroup(ctx context.Context, group *domain.TaskGroup) error {
	tags, _ := json.Marshal(group.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_groups (group_id, session_id, name, status, stage, assigned_worker, complexity, tags, failure_streak, last_failed_stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO NOTHING`,
		group.GroupID, group.SessionID, group.Name, group.Status, group.Stage,
		nullString(group.AssignedWorker), group.Complexity, string(tags), group.FailureStreak,
		nullString(string(group.LastFailedStage)), group.CreatedAt, group.UpdatedAt)
	return err
}

// GetTaskGroup retrieves a task group by ID.
func (s *SQLiteStore) GetTaskGroup(ctx context.Context, groupID string) (*domain.TaskGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT group_id, session_id, name, status, stage, assigned_worker, complexity, tags, failure_streak, last_failed_stage, created_at, updated_at
		 FROM task_groups WHERE group_id = ?`, groupID)
	group, err := scanTaskGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ListTaskGroups lists all task groups for a session.
func (s *SQLiteStore) ListTaskGroups(ctx context.Context, sessionID string) ([]domain.TaskGroup, error) {
	return s.listGroups(ctx,
		`SELECT group_id, session_id, name, status, stage, assigned_worker, complexity, tags, failure_streak, last_failed_stage, created_at, updated_at
		 FROM task_groups WHERE session_id = ? ORDER BY created_at`, sessionID)
}

// ListTaskGroupsByStatus lists session task groups with the given status.
func (s *SQLiteStore) ListTaskGroupsByStatus(ctx context.Context, sessionID string, status domain.GroupStatus) ([]domain.TaskGroup, error) {
	return s.listGroups(ctx,
		`SELECT group_id, session_id, name, status, stage, assigned_worker, complexity, tags, failure_streak, last_failed_stage, created_at, updated_at
		 FROM task_groups WHERE session_id = ? AND status = ? ORDER BY created_at`, sessionID, status)
}

func (s *SQLiteStore) listGroups(ctx context.Context, query string, args ...interface{}) ([]domain.TaskGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.TaskGroup
	for rows.Next() {
		group, err := scanTaskGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *group)
	}
	return groups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskGroup(row rowScanner) (*domain.TaskGroup, error) {
	var g domain.TaskGroup
	var assignedWorker, tags, lastFailedStage sql.NullString
	if err := row.Scan(&g.GroupID, &g.SessionID, &g.Name, &g.Status, &g.Stage,
		&assignedWorker, &g.Complexity, &tags, &g.FailureStreak, &lastFailedStage, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if assignedWorker.Valid {
		g.AssignedWorker = assignedWorker.String
	}
	if lastFailedStage.Valid {
		g.LastFailedStage = domain.Stage(lastFailedStage.String)
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &g.Tags); err != nil {
			return nil, fmt.Errorf("%w: corrupt tags for group %s: %v", domain.ErrConsistency, g.GroupID, err)
		}
	}
	return &g, nil
}

// UpdateTaskGroup applies a scheduler-decided change to a group row.
func (s *SQLiteStore) UpdateTaskGroup(ctx context.Context, groupID string, update GroupUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, *update.Stage)
	}
	if update.AssignedWorker != nil {
		sets = append(sets, "assigned_worker = ?")
		args = append(args, nullString(*update.AssignedWorker))
	}
	if update.FailureStreak != nil {
		sets = append(sets, "failure_streak = ?")
		args = append(args, *update.FailureStreak)
	}
	if update.LastFailedStage != nil {
		sets = append(sets, "last_failed_stage = ?")
		args = append(args, nullString(string(*update.LastFailedStage)))
	}

	args = append(args, groupID)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE task_groups SET %s WHERE group_id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: task group %s not found", domain.ErrConsistency, groupID)
	}
	return nil
}

// AppendInteraction writes an immutable log entry, allocating the session
// sequence number inside the transaction. Replaying a record id is a no-op.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, rec *domain.InteractionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec.Seq == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM interactions WHERE session_id = ?`,
			rec.SessionID).Scan(&rec.Seq); err != nil {
			return err
		}
	}

	payload := ""
	if rec.Payload != nil {
		payload = string(rec.Payload)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (record_id, session_id, group_id, worker_type, kind, seq, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_id) DO NOTHING`,
		rec.RecordID, rec.SessionID, nullString(rec.GroupID), rec.WorkerType, rec.Kind, rec.Seq, payload, rec.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListInteractions retrieves log entries for a session, newest first,
// optionally scoped to one task group. A positive limit keeps the newest
// entries.
func (s *SQLiteStore) ListInteractions(ctx context.Context, sessionID, groupID string, limit int) ([]domain.InteractionRecord, error) {
	query := `SELECT record_id, session_id, group_id, worker_type, kind, seq, payload, created_at
		 FROM interactions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if groupID != "" {
		query += ` AND group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.InteractionRecord
	for rows.Next() {
		var rec domain.InteractionRecord
		var gid, payload sql.NullString
		if err := rows.Scan(&rec.RecordID, &rec.SessionID, &gid, &rec.WorkerType, &rec.Kind, &rec.Seq, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if gid.Valid {
			rec.GroupID = gid.String
		}
		if payload.Valid && payload.String != "" {
			rec.Payload = json.RawMessage(payload.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountInvocations counts recorded worker invocations of one stage for one
// task group. The scheduler derives iteration scopes from it, so retry
// rounds survive process restarts.
func (s *SQLiteStore) CountInvocations(ctx context.Context, sessionID, groupID string, stage domain.Stage) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions
		 WHERE session_id = ? AND group_id = ? AND worker_type = ? AND kind = ?`,
		sessionID, groupID, stage, domain.InteractionKindInvocation).Scan(&count)
	return count, err
}

// LatestSeq returns the highest allocated sequence number for a session.
func (s *SQLiteStore) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM interactions WHERE session_id = ?`, sessionID).Scan(&seq)
	return seq, err
}

// CreateSuccessCriterion creates a criterion. Replaying an id is a no-op.
func (s *SQLiteStore) CreateSuccessCriterion(ctx context.Context, c *domain.SuccessCriterion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO success_criteria (criterion_id, session_id, description, status, evidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(criterion_id) DO NOTHING`,
		c.CriterionID, c.SessionID, c.Description, c.Status, nullString(c.Evidence), c.UpdatedAt)
	return err
}

// UpdateSuccessCriterion records evidence as it arrives.
func (s *SQLiteStore) UpdateSuccessCriterion(ctx context.Context, criterionID string, status domain.CriterionStatus, evidence string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE success_criteria SET status = ?, evidence = ?, updated_at = ? WHERE criterion_id = ?`,
		status, nullString(evidence), time.Now(), criterionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: criterion %s not found", domain.ErrConsistency, criterionID)
	}
	return nil
}

// ListSuccessCriteria lists all criteria for a session.
func (s *SQLiteStore) ListSuccessCriteria(ctx context.Context, sessionID string) ([]domain.SuccessCriterion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT criterion_id, session_id, description, status, evidence, updated_at
		 FROM success_criteria WHERE session_id = ? ORDER BY criterion_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var criteria []domain.SuccessCriterion
	for rows.Next() {
		var c domain.SuccessCriterion
		var evidence sql.NullString
		if err := rows.Scan(&c.CriterionID, &c.SessionID, &c.Description, &c.Status, &evidence, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if evidence.Valid {
			c.Evidence = evidence.String
		}
		criteria = append(criteria, c)
	}
	return criteria, rows.Err()
}

// CreateContextPackage stores a published artifact with its target list.
func (s *SQLiteStore) CreateContextPackage(ctx context.Context, pkg *domain.ContextPackage) error {
	targets, _ := json.Marshal(pkg.Targets)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_packages (package_id, session_id, group_id, package_type, priority, source_worker, targets, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(package_id) DO NOTHING`,
		pkg.PackageID, pkg.SessionID, nullString(pkg.GroupID), pkg.Type, pkg.Priority,
		pkg.SourceWorker, string(targets), pkg.Payload, pkg.CreatedAt)
	return err
}

// GetContextPackage retrieves a package by ID.
func (s *SQLiteStore) GetContextPackage(ctx context.Context, packageID string) (*domain.ContextPackage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT package_id, session_id, group_id, package_type, priority, source_worker, targets, payload, created_at
		 FROM context_packages WHERE package_id = ?`, packageID)
	pkg, err := scanPackage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// ListContextPackages returns packages for a consumer ordered by priority
// tier then creation order. Unless IncludeConsumed is set, packages already
// consumed by (consumer, iteration scope) are filtered out.
func (s *SQLiteStore) ListContextPackages(ctx context.Context, q PackageQuery) ([]domain.ContextPackage, error) {
	query := `SELECT p.package_id, p.session_id, p.group_id, p.package_type, p.priority, p.source_worker, p.targets, p.payload, p.created_at
		 FROM context_packages p WHERE p.session_id = ?`
	args := []interface{}{q.SessionID}

	if q.GroupID != "" {
		query += ` AND (p.group_id = ? OR p.group_id IS NULL)`
		args = append(args, q.GroupID)
	}
	if !q.IncludeConsumed {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM context_consumption c
			WHERE c.package_id = p.package_id AND c.consumer = ? AND c.iteration_scope = ?)`
		args = append(args, q.Consumer, q.IterationScope)
	}
	query += ` ORDER BY CASE p.priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3 END, p.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []domain.ContextPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		// Target filtering happens here: targets are a JSON list, not a column.
		if q.Consumer != "" && !targeted(pkg, q.Consumer) {
			continue
		}
		packages = append(packages, *pkg)
	}
	return packages, rows.Err()
}

func targeted(pkg *domain.ContextPackage, consumer domain.Stage) bool {
	for _, t := range pkg.Targets {
		if t == consumer {
			return true
		}
	}
	return false
}

func scanPackage(row rowScanner) (*domain.ContextPackage, error) {
	var pkg domain.ContextPackage
	var gid, targets sql.NullString
	if err := row.Scan(&pkg.PackageID, &pkg.SessionID, &gid, &pkg.Type, &pkg.Priority,
		&pkg.SourceWorker, &targets, &pkg.Payload, &pkg.CreatedAt); err != nil {
		return nil, err
	}
	if gid.Valid {
		pkg.GroupID = gid.String
	}
	if targets.Valid {
		if err := json.Unmarshal([]byte(targets.String), &pkg.Targets); err != nil {
			return nil, fmt.Errorf("%w: corrupt targets for package %s: %v", domain.ErrConsistency, pkg.PackageID, err)
		}
	}
	return &pkg, nil
}

// MarkPackageConsumed records a (package, consumer, iteration scope) triple.
// Duplicate marks are no-ops.
func (s *SQLiteStore) MarkPackageConsumed(ctx context.Context, packageID string, consumer domain.Stage, iterationScope string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_consumption (package_id, consumer, iteration_scope, consumed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(package_id, consumer, iteration_scope) DO NOTHING`,
		packageID, consumer, iterationScope, time.Now())
	return err
}

// SaveState upserts a generic state entry keyed by (session, kind, scope).
func (s *SQLiteStore) SaveState(ctx context.Context, sessionID, kind, scope string, payload json.RawMessage) error {
	if scope == "" {
		scope = domain.StateScopeGlobal
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_state (session_id, kind, scope, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, kind, scope) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		sessionID, kind, scope, string(payload), time.Now())
	return err
}

// GetState retrieves a state entry, or nil when absent.
func (s *SQLiteStore) GetState(ctx context.Context, sessionID, kind, scope string) (*domain.StateEntry, error) {
	if scope == "" {
		scope = domain.StateScopeGlobal
	}
	var entry domain.StateEntry
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, kind, scope, payload, updated_at FROM session_state
		 WHERE session_id = ? AND kind = ? AND scope = ?`,
		sessionID, kind, scope).Scan(&entry.SessionID, &entry.Kind, &entry.Scope, &payload, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	return &entry, nil
}

// SaveEvent stores an event deduplicated by (session, type, scope,
// idempotency key). A duplicate save returns the original row and false.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *domain.Event) (*domain.Event, bool, error) {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, event_type, scope, idempotency_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, event_type, scope, idempotency_key) DO NOTHING`,
		event.EventID, event.SessionID, event.Type, event.Scope, event.IdempotencyKey, payload, event.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		return event, true, nil
	}

	existing, err := s.getEventByKey(ctx, event.SessionID, event.Type, event.Scope, event.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("%w: event dedup row vanished for session %s", domain.ErrConsistency, event.SessionID)
	}
	return existing, false, nil
}

func (s *SQLiteStore) getEventByKey(ctx context.Context, sessionID string, eventType domain.EventType, scope, key string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, session_id, event_type, scope, idempotency_key, payload, created_at
		 FROM events WHERE session_id = ? AND event_type = ? AND scope = ? AND idempotency_key = ?`,
		sessionID, eventType, scope, key)
	return scanEvent(row)
}

// ListEvents retrieves recent events for a session, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, session_id, event_type, scope, idempotency_key, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var event domain.Event
	var payload sql.NullString
	if err := row.Scan(&event.EventID, &event.SessionID, &event.Type, &event.Scope,
		&event.IdempotencyKey, &payload, &event.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		event.Payload = json.RawMessage(payload.String)
	}
	return &event, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
