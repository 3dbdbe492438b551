package barqueue

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists OutgoingBarMessage rows.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	Update(ctx context.Context, m *Message) error
	OldestByStatus(ctx context.Context, status string) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
}
