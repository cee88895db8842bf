package message

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists the stored-message ledger. GetByMsgID returns
// (nil, nil) when no row exists.
type Repository interface {
	Create(ctx context.Context, m *StoredMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredMessage, error)
	GetByMsgID(ctx context.Context, msgid string, dir Direction) (*StoredMessage, error)
	Update(ctx context.Context, m *StoredMessage) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*StoredMessage, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
