package bot

import (
	"context"
	"strings"
	"unicode"
)

// Message is an incoming chat message reduced to what the handlers need.
type Message struct {
	MessageID int
	ChatID    int64
	ChatTitle string
	IsGroup   bool
	UserID    int64
	Username  string
	// Text is the message text, or the caption for documents.
	Text     string
	Document *Document
}

type Document struct {
	FileID   string
	FileName string
	Size     int64
}

// Messenger sends MarkdownV2 formatted text to a chat platform.
type Messenger interface {
	// Send posts a new message and returns its id.
	Send(ctx context.Context, chatID int64, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	SendFile(ctx context.Context, chatID int64, name string, data []byte) error
	// Download fetches an uploaded file, reading at most limit bytes.
	Download(ctx context.Context, fileID string, limit int64) ([]byte, error)
}

// parseCommand splits "/cmd@bot rest" into "cmd" and "rest".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	cmd := strings.TrimPrefix(head, "/")
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}
