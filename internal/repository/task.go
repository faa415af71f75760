package repository

import (
	"context"

	"m3u8-relay/internal/domain"
)

// TaskRegistry holds the tasks that have not yet reached a terminal state.
// Implementations must be safe for concurrent use.
type TaskRegistry interface {
	Create(task *domain.Task) error
	Get(id string) (domain.Task, error)
	// Update runs mutator under the registry lock. An error returned by the
	// mutator aborts the update and is passed back to the caller.
	Update(id string, mutator func(task *domain.Task) error) error
	Remove(id string) bool
	List() []domain.Task
	Len() int
}

// HistoryRepository persists the outcome of finished tasks.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, record *domain.HistoryRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.HistoryRecord, error)
	ListByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.HistoryRecord, error)
}
