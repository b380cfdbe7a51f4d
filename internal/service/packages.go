package service

import (
	"context"
	"fmt"

	"github.com/kestrelworks/foreman/internal/domain"
)

// PublishPackageRequest carries publish_package inputs.
type PublishPackageRequest struct {
	GroupID      string   `json:"group_id,omitempty"`
	Type         string   `json:"type"`
	Priority     string   `json:"priority,omitempty"`
	SourceWorker string   `json:"source_worker"`
	Targets      []string `json:"targets"`
	Payload      string   `json:"payload"`
}

// PublishPackage routes a context package through the distributor, which
// redacts the payload before it lands in the ledger.
func (s *Service) PublishPackage(ctx context.Context, sessionID string, req PublishPackageRequest) (*domain.ContextPackage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	source, err := domain.ParseStage(req.SourceWorker)
	if err != nil {
		return nil, fmt.Errorf("%w: source_worker: %v", domain.ErrValidation, err)
	}
	targets := make([]domain.Stage, 0, len(req.Targets))
	for _, t := range req.Targets {
		stage, err := domain.ParseStage(t)
		if err != nil {
			return nil, fmt.Errorf("%w: target: %v", domain.ErrValidation, err)
		}
		targets = append(targets, stage)
	}

	pkg, err := s.dist.Publish(ctx, &domain.ContextPackage{
		SessionID:    sessionID,
		GroupID:      req.GroupID,
		Type:         domain.PackageType(req.Type),
		Priority:     domain.PackagePriority(req.Priority),
		SourceWorker: source,
		Targets:      targets,
		Payload:      req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return pkg, nil
}

// FetchPackages returns the unconsumed packages due to one consumer under
// one iteration scope, highest priority first.
func (s *Service) FetchPackages(ctx context.Context, sessionID, groupID, consumer, iterationScope string, includeConsumed bool) ([]domain.ContextPackage, error) {
	stage, err := domain.ParseStage(consumer)
	if err != nil {
		return nil, fmt.Errorf("%w: consumer: %v", domain.ErrValidation, err)
	}
	return s.dist.Fetch(ctx, sessionID, groupID, stage, iterationScope, includeConsumed)
}

// ConsumePackage records delivery of one package to one consumer under one
// iteration scope. Replays are no-ops.
func (s *Service) ConsumePackage(ctx context.Context, packageID, consumer, iterationScope string) error {
	stage, err := domain.ParseStage(consumer)
	if err != nil {
		return fmt.Errorf("%w: consumer: %v", domain.ErrValidation, err)
	}
	if iterationScope == "" {
		return fmt.Errorf("%w: iteration_scope is required", domain.ErrValidation)
	}
	return s.dist.MarkConsumed(ctx, packageID, stage, iterationScope)
}
