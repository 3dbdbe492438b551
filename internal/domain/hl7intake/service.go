package hl7intake

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

var validStatuses = map[string]bool{
	StatusReceived:     true,
	StatusProcessed:    true,
	StatusWarning:      true,
	StatusMappingError: true,
	StatusError:        true,
}

// Service enforces the invariant attached to every Message: unmappedCodes
// is non-empty iff status is mapping_error.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) validate(m *Message) error {
	if !validStatuses[m.Status] {
		return fmt.Errorf("invalid status: %s", m.Status)
	}
	hasUnmapped := len(m.UnmappedCodes) > 0
	if hasUnmapped && m.Status != StatusMappingError {
		return fmt.Errorf("unmappedCodes present but status is %q, not mapping_error", m.Status)
	}
	if !hasUnmapped && m.Status == StatusMappingError {
		return fmt.Errorf("status is mapping_error but unmappedCodes is empty")
	}
	return nil
}

// Ingest records a newly arrived message at StatusReceived. Called by the
// MLLP listener and the REST ingest surface.
func (s *Service) Ingest(ctx context.Context, controlID, messageType, raw string) (*Message, error) {
	m := &Message{
		ControlID:   controlID,
		MessageType: messageType,
		RawMessage:  raw,
		Status:      StatusReceived,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("ingest message: %w", err)
	}
	return m, nil
}

// ClaimOldestReceived fetches the single oldest message in StatusReceived,
// for the processor loop to poll. Returns nil, nil if the queue is empty.
func (s *Service) ClaimOldestReceived(ctx context.Context) (*Message, error) {
	return s.repo.OldestByStatus(ctx, StatusReceived)
}

// Save persists m after validating the status/unmappedCodes invariant.
func (s *Service) Save(ctx context.Context, m *Message) error {
	if err := s.validate(m); err != nil {
		return err
	}
	return s.repo.Update(ctx, m)
}

// Get returns the message by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.repo.GetByID(ctx, id)
}

// ReenqueueBlockedOn finds every mapping_error message referencing taskRef,
// removes the resolved entry, and flips status back to received when no
// unmapped codes remain. Each message is saved independently; failures on
// one message do not block the others.
func (s *Service) ReenqueueBlockedOn(ctx context.Context, taskRef string) ([]uuid.UUID, error) {
	blocked, err := s.repo.ListByStatusAndTask(ctx, StatusMappingError, taskRef)
	if err != nil {
		return nil, fmt.Errorf("list blocked messages: %w", err)
	}
	var updated []uuid.UUID
	for _, m := range blocked {
		empty := m.RemoveUnmappedCode(taskRef)
		if empty {
			m.Status = StatusReceived
		}
		if err := s.repo.Update(ctx, m); err != nil {
			continue
		}
		updated = append(updated, m.ID)
	}
	return updated, nil
}

// ReenqueueManually forces a message at StatusError back to StatusReceived
// for operator-driven retry, since the core never auto-retries error
// messages.
func (s *Service) ReenqueueManually(ctx context.Context, id uuid.UUID) error {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	m.Status = StatusReceived
	m.ErrorReason = nil
	return s.repo.Update(ctx, m)
}
