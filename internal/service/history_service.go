package service

import (
	"context"
	"fmt"
	"time"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

// HistoryService records and lists finished tasks.
type HistoryService interface {
	Record(ctx context.Context, task domain.Task) error
	Recent(ctx context.Context, limit int) ([]domain.HistoryRecord, error)
	ForOwner(ctx context.Context, ownerID int64, limit int) ([]domain.HistoryRecord, error)
}

type historyService struct {
	history repository.HistoryRepository
}

func NewHistoryService(history repository.HistoryRepository) HistoryService {
	return &historyService{history: history}
}

func (s *historyService) Record(ctx context.Context, task domain.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("record task %s: status %s is not terminal", task.ID, task.Status)
	}
	finished := time.Now()
	if task.FinishedAt != nil {
		finished = *task.FinishedAt
	}
	return s.history.Create(ctx, &domain.HistoryRecord{
		TaskID:       task.ID,
		OwnerID:      task.OwnerID,
		ChatID:       task.ChatID,
		Filename:     task.Filename,
		Status:       task.Status,
		Link:         task.Link,
		Size:         task.Size,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		FinishedAt:   finished,
	})
}

func (s *historyService) Recent(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	return s.history.ListRecent(ctx, limit)
}

func (s *historyService) ForOwner(ctx context.Context, ownerID int64, limit int) ([]domain.HistoryRecord, error) {
	return s.history.ListByOwner(ctx, ownerID, limit)
}
