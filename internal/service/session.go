package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
)

// CreateSessionRequest carries create_session inputs.
type CreateSessionRequest struct {
	Mode        domain.SessionMode `json:"mode"`
	RequestText string             `json:"request_text"`
}

// CreateSession initializes a new orchestration session in ACTIVE state.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if req.RequestText == "" {
		return nil, fmt.Errorf("%w: request_text is required", domain.ErrValidation)
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.SessionModeFanout
	}
	if _, err := domain.ParseSessionMode(string(mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	session := &domain.Session{
		SessionID:   "sess_" + uuid.New().String()[:8],
		Mode:        mode,
		RequestText: req.RequestText,
		Status:      domain.SessionStatusActive,
		StartedAt:   time.Now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession returns the session or a consistency error when it is unknown.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s not found", domain.ErrConsistency, sessionID)
	}
	return session, nil
}

// PauseSession stops further scheduling. In-flight invocations finish on
// their own; the scheduler checks the status between turns.
func (s *Service) PauseSession(ctx context.Context, sessionID string) error {
	return s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusPaused)
}

// ResumeSession returns a paused session to ACTIVE. Terminal sessions stay
// terminal; the store enforces forward-only transitions.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.SessionStatusPaused && session.Status != domain.SessionStatusActive {
		return fmt.Errorf("%w: session %s is %s", domain.ErrValidation, sessionID, session.Status)
	}
	return s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusActive)
}

// CancelSession terminates the session permanently.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	return s.store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusCancelled)
}

// DashboardSnapshot aggregates the session's current shape for monitoring
// reads. It never mutates anything.
func (s *Service) DashboardSnapshot(ctx context.Context, sessionID string) (*domain.DashboardSnapshot, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.ListTaskGroups(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task groups: %w", err)
	}
	criteria, err := s.store.ListSuccessCriteria(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list success criteria: %w", err)
	}
	events, err := s.store.ListEvents(ctx, sessionID, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	counts := make(map[string]int)
	var blocked []domain.TaskGroup
	for _, g := range groups {
		counts[string(g.Status)]++
		if g.Status == domain.GroupStatusBlocked {
			blocked = append(blocked, g)
		}
	}
	met := 0
	for _, c := range criteria {
		if c.Status == domain.CriterionStatusMet {
			met++
		}
	}
	seq, err := s.store.LatestSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read interaction seq: %w", err)
	}

	return &domain.DashboardSnapshot{
		Session:        session,
		GroupCounts:    counts,
		Groups:         groups,
		BlockedGroups:  blocked,
		Criteria:       criteria,
		CriteriaMet:    met,
		CriteriaTotal:  len(criteria),
		RecentEvents:   events,
		InteractionSeq: seq,
	}, nil
}
