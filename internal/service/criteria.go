package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
)

// CreateCriterionRequest carries create_success_criterion inputs.
type CreateCriterionRequest struct {
	Description string `json:"description"`
}

// CreateSuccessCriterion registers a completion condition for the session.
func (s *Service) CreateSuccessCriterion(ctx context.Context, sessionID string, req CreateCriterionRequest) (*domain.SuccessCriterion, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: description is required", domain.ErrValidation)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	criterion := &domain.SuccessCriterion{
		CriterionID: "crit_" + uuid.New().String()[:8],
		SessionID:   sessionID,
		Description: req.Description,
		Status:      domain.CriterionStatusPending,
		UpdatedAt:   time.Now(),
	}
	if err := s.store.CreateSuccessCriterion(ctx, criterion); err != nil {
		return nil, fmt.Errorf("failed to create success criterion: %w", err)
	}
	return criterion, nil
}

// UpdateCriterionRequest carries update_success_criterion inputs. Marking a
// criterion MET requires evidence; the validator rejects bare claims.
type UpdateCriterionRequest struct {
	Status   string `json:"status"`
	Evidence string `json:"evidence,omitempty"`
}

// UpdateSuccessCriterion records a status change with supporting evidence.
func (s *Service) UpdateSuccessCriterion(ctx context.Context, criterionID string, req UpdateCriterionRequest) error {
	status := domain.CriterionStatus(req.Status)
	switch status {
	case domain.CriterionStatusPending, domain.CriterionStatusMet, domain.CriterionStatusFailed:
	default:
		return fmt.Errorf("%w: unknown criterion status %q", domain.ErrValidation, req.Status)
	}
	if status == domain.CriterionStatusMet && req.Evidence == "" {
		return fmt.Errorf("%w: evidence is required to mark a criterion met", domain.ErrValidation)
	}
	if err := s.store.UpdateSuccessCriterion(ctx, criterionID, status, req.Evidence); err != nil {
		return fmt.Errorf("failed to update success criterion: %w", err)
	}
	return nil
}

// ListSuccessCriteria returns every criterion under a session.
func (s *Service) ListSuccessCriteria(ctx context.Context, sessionID string) ([]domain.SuccessCriterion, error) {
	return s.store.ListSuccessCriteria(ctx, sessionID)
}
