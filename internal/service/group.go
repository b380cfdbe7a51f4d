package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/store"
)

// CreateGroupRequest carries create_task_group inputs.
type CreateGroupRequest struct {
	Name       string   `json:"name"`
	Stage      string   `json:"stage,omitempty"`
	Complexity int      `json:"complexity,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// CreateTaskGroup registers a schedulable unit of work under a session.
// Groups created by hand start pending at the implement stage unless the
// request says otherwise.
func (s *Service) CreateTaskGroup(ctx context.Context, sessionID string, req CreateGroupRequest) (*domain.TaskGroup, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	stage := domain.StageImplement
	if req.Stage != "" {
		parsed, err := domain.ParseStage(req.Stage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		stage = parsed
	}

	now := time.Now()
	group := &domain.TaskGroup{
		GroupID:    "grp_" + uuid.New().String()[:8],
		SessionID:  sessionID,
		Name:       req.Name,
		Status:     domain.GroupStatusPending,
		Stage:      stage,
		Complexity: req.Complexity,
		Tags:       req.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateTaskGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to create task group: %w", err)
	}
	return group, nil
}

// GetTaskGroup returns one group row.
func (s *Service) GetTaskGroup(ctx context.Context, groupID string) (*domain.TaskGroup, error) {
	group, err := s.store.GetTaskGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task group: %w", err)
	}
	if group == nil {
		return nil, fmt.Errorf("%w: task group %s not found", domain.ErrConsistency, groupID)
	}
	return group, nil
}

// ListTaskGroups returns every group under a session.
func (s *Service) ListTaskGroups(ctx context.Context, sessionID string) ([]domain.TaskGroup, error) {
	return s.store.ListTaskGroups(ctx, sessionID)
}

// UpdateGroupRequest carries operator-side group patches. Only status and
// stage are reachable from outside; streak bookkeeping belongs to the
// scheduler.
type UpdateGroupRequest struct {
	Status string `json:"status,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// UpdateTaskGroup applies an operator patch, typically unblocking a parked
// group back to pending.
func (s *Service) UpdateTaskGroup(ctx context.Context, groupID string, req UpdateGroupRequest) (*domain.TaskGroup, error) {
	if _, err := s.GetTaskGroup(ctx, groupID); err != nil {
		return nil, err
	}

	var update store.GroupUpdate
	if req.Status != "" {
		status := domain.GroupStatus(req.Status)
		switch status {
		case domain.GroupStatusPending, domain.GroupStatusBlocked,
			domain.GroupStatusCompleted, domain.GroupStatusFailed:
			update.Status = &status
		default:
			return nil, fmt.Errorf("%w: status %q cannot be set directly", domain.ErrValidation, req.Status)
		}
	}
	if req.Stage != "" {
		stage, err := domain.ParseStage(req.Stage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		update.Stage = &stage
	}
	if update.Status == nil && update.Stage == nil {
		return nil, fmt.Errorf("%w: nothing to update", domain.ErrValidation)
	}

	if err := s.store.UpdateTaskGroup(ctx, groupID, update); err != nil {
		return nil, fmt.Errorf("failed to update task group: %w", err)
	}
	return s.GetTaskGroup(ctx, groupID)
}
