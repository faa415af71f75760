package domain

import "time"

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusUploading   TaskStatus = "uploading"
	TaskStatusSucceeded   TaskStatus = "succeeded"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether a task in this status holds a concurrency slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusDownloading || s == TaskStatusUploading
}

// Label is the human readable form shown in chat.
func (s TaskStatus) Label() string {
	switch s {
	case TaskStatusQueued:
		return "Queued ⌛"
	case TaskStatusDownloading:
		return "Downloading 📥"
	case TaskStatusUploading:
		return "Uploading 📤"
	case TaskStatusSucceeded:
		return "Done ✅"
	case TaskStatusFailed:
		return "Failed ❌"
	case TaskStatusCancelled:
		return "Cancelled 🚫"
	}
	return string(s)
}

// ProcessHandle is the cancellation hook of a running downloader process.
type ProcessHandle interface {
	PID() int
	Terminate() error
}

// Task represents one download-then-upload job tracked while it is running.
type Task struct {
	ID              string
	OwnerID         int64
	ChatID          int64
	Filename        string
	LocalPath       string
	Args            []string
	Status          TaskStatus
	Process         ProcessHandle
	CancelRequested bool
	Link            string
	Size            int64
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// StatusUpdate is pushed to a status sink on every milestone of a task.
type StatusUpdate struct {
	TaskID   string
	Filename string
	Status   TaskStatus
	Link     string
	Size     int64
	Detail   string
}
