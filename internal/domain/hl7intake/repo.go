package hl7intake

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists Message rows. Implementations must preserve FIFO
// ordering by UpdatedAt for OldestByStatus, so the processor loop always
// claims the single oldest message in a given status.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	Update(ctx context.Context, m *Message) error
	OldestByStatus(ctx context.Context, status string) (*Message, error)
	ListByStatusAndTask(ctx context.Context, status, taskRef string) ([]*Message, error)
}
