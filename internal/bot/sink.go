package bot

import (
	"context"
	"sync"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/downloader"
)

// chatSink shows a task's progress as one chat message: the first update posts it,
// later updates edit it in place.
type chatSink struct {
	messenger Messenger
	chatID    int64

	mu        sync.Mutex
	messageID int
}

func newChatSink(messenger Messenger, chatID int64) *chatSink {
	return &chatSink{messenger: messenger, chatID: chatID}
}

func (s *chatSink) Update(ctx context.Context, update domain.StatusUpdate) error {
	text := formatUpdate(update)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageID == 0 {
		id, err := s.messenger.Send(ctx, s.chatID, text)
		if err != nil {
			return err
		}
		s.messageID = id
		return nil
	}
	return s.messenger.Edit(ctx, s.chatID, s.messageID, text)
}

var _ downloader.StatusSink = (*chatSink)(nil)
