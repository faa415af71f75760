package domain

import (
	"slices"
	"time"
)

// Permissions is the allowlist of users and group chats permitted to use the bot.
type Permissions struct {
	AuthorizedUsers  []int64 `json:"authorized_users"`
	AuthorizedGroups []int64 `json:"authorized_groups"`
}

// Allows reports whether the user, or the chat the message came from, is authorized.
func (p Permissions) Allows(userID, chatID int64) bool {
	return slices.Contains(p.AuthorizedUsers, userID) || slices.Contains(p.AuthorizedGroups, chatID)
}

// HistoryRecord is the persisted outcome of a finished task.
type HistoryRecord struct {
	ID           string
	TaskID       string
	OwnerID      int64
	ChatID       int64
	Filename     string
	Status       TaskStatus
	Link         string
	Size         int64
	ErrorMessage string
	CreatedAt    time.Time
	FinishedAt   time.Time
}
