package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
)

// LogInteractionRequest carries log_interaction inputs. Seq is allocated by
// the store, never by the caller.
type LogInteractionRequest struct {
	GroupID    string          `json:"group_id,omitempty"`
	WorkerType string          `json:"worker_type"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// LogInteraction appends one record to the session's interaction ledger.
func (s *Service) LogInteraction(ctx context.Context, sessionID string, req LogInteractionRequest) (*domain.InteractionRecord, error) {
	if req.WorkerType == "" {
		return nil, fmt.Errorf("%w: worker_type is required", domain.ErrValidation)
	}
	stage, err := domain.ParseStage(req.WorkerType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	kind := domain.InteractionKind(req.Kind)
	if kind == "" {
		kind = domain.InteractionKindEvent
	}

	rec := &domain.InteractionRecord{
		RecordID:   "int_" + uuid.New().String()[:8],
		SessionID:  sessionID,
		GroupID:    req.GroupID,
		WorkerType: stage,
		Kind:       kind,
		Payload:    req.Payload,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendInteraction(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append interaction: %w", err)
	}
	return rec, nil
}

// SaveReasoning records a worker's reasoning trace as a ledger entry.
func (s *Service) SaveReasoning(ctx context.Context, sessionID, groupID, workerType string, reasoning domain.ReasoningPayload) (*domain.InteractionRecord, error) {
	if reasoning.Content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	payload, err := json.Marshal(reasoning)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasoning: %w", err)
	}
	rec, err := s.LogInteraction(ctx, sessionID, LogInteractionRequest{
		GroupID:    groupID,
		WorkerType: workerType,
		Kind:       string(domain.InteractionKindReasoning),
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListInteractions reads back the ledger, newest first, optionally filtered
// by group.
func (s *Service) ListInteractions(ctx context.Context, sessionID, groupID string, limit int) ([]domain.InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListInteractions(ctx, sessionID, groupID, limit)
}

// SaveState upserts a session-scoped state document keyed by (kind, scope).
func (s *Service) SaveState(ctx context.Context, sessionID, kind, scope string, payload json.RawMessage) error {
	if kind == "" {
		return fmt.Errorf("%w: kind is required", domain.ErrValidation)
	}
	if scope == "" {
		scope = domain.StateScopeGlobal
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.SaveState(ctx, sessionID, kind, scope, payload); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetState reads one state document back, nil when never written.
func (s *Service) GetState(ctx context.Context, sessionID, kind, scope string) (*domain.StateEntry, error) {
	if scope == "" {
		scope = domain.StateScopeGlobal
	}
	entry, err := s.store.GetState(ctx, sessionID, kind, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return entry, nil
}

// SaveEventRequest carries save_event inputs.
type SaveEventRequest struct {
	Type           string          `json:"type"`
	Scope          string          `json:"scope,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SaveEvent records a deduplicated session event. Replays under the same
// key return the original row with created=false.
func (s *Service) SaveEvent(ctx context.Context, sessionID string, req SaveEventRequest) (*domain.Event, bool, error) {
	if req.Type == "" {
		return nil, false, fmt.Errorf("%w: type is required", domain.ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency_key is required", domain.ErrValidation)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, false, err
	}
	scope := req.Scope
	if scope == "" {
		scope = domain.StateScopeGlobal
	}
	return s.store.SaveEvent(ctx, &domain.Event{
		EventID:        "evt_" + uuid.New().String()[:8],
		SessionID:      sessionID,
		Type:           domain.EventType(req.Type),
		Scope:          scope,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		CreatedAt:      time.Now(),
	})
}
