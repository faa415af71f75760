package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	owner_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	filename TEXT NOT NULL,
	status TEXT NOT NULL,
	link TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_owner ON task_history(owner_id, finished_at);
`

const selectHistoryColumns = `
SELECT id, task_id, owner_id, chat_id, filename, status, link, size, error_message, created_at, finished_at
FROM task_history`

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create task_history table: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Create(ctx context.Context, record *domain.HistoryRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_history (id, task_id, owner_id, chat_id, filename, status, link, size, error_message, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.OwnerID,
		record.ChatID,
		record.Filename,
		string(record.Status),
		record.Link,
		record.Size,
		record.ErrorMessage,
		record.CreatedAt.UTC(),
		record.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectHistoryColumns+`
ORDER BY finished_at DESC
LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (r *HistoryRepository) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectHistoryColumns+`
WHERE owner_id=?
ORDER BY finished_at DESC
LIMIT ?`, ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history by owner: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]domain.HistoryRecord, error) {
	var records []domain.HistoryRecord
	for rows.Next() {
		var (
			record     domain.HistoryRecord
			status     string
			createdAt  time.Time
			finishedAt time.Time
		)
		if err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.OwnerID,
			&record.ChatID,
			&record.Filename,
			&status,
			&record.Link,
			&record.Size,
			&record.ErrorMessage,
			&createdAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		record.Status = domain.TaskStatus(status)
		record.CreatedAt = createdAt.Local()
		record.FinishedAt = finishedAt.Local()
		records = append(records, record)
	}
	return records, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
