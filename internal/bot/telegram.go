package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Telegram is the Messenger backed by the Telegram Bot API with long polling.
type Telegram struct {
	api         *tgbotapi.BotAPI
	client      *http.Client
	pollTimeout int
	logger      *logrus.Logger
}

func NewTelegram(token string, pollTimeout int, logger *logrus.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	if pollTimeout <= 0 {
		pollTimeout = 60
	}
	logger.Infof("authorized on telegram account @%s", api.Self.UserName)
	return &Telegram{
		api:         api,
		client:      &http.Client{},
		pollTimeout: pollTimeout,
		logger:      logger,
	}, nil
}

func (t *Telegram) Send(_ context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

func (t *Telegram) Edit(_ context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	edit.DisableWebPagePreview = true
	if _, err := t.api.Request(edit); err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (t *Telegram) SendFile(_ context.Context, chatID int64, name string, data []byte) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	if _, err := t.api.Send(doc); err != nil {
		return fmt.Errorf("send file %s: %w", name, err)
	}
	return nil
}

func (t *Telegram) Download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	url, err := t.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errors.New("file too large")
	}
	return data, nil
}

// Run polls for updates until ctx is done and dispatches every message to handle
// in its own goroutine. It returns after all dispatched handlers have finished.
func (t *Telegram) Run(ctx context.Context, handle func(ctx context.Context, msg Message)) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg, ok := convertUpdate(update)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, msg)
			}()
		}
	}
}

func convertUpdate(update tgbotapi.Update) (Message, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return Message{}, false
	}
	msg := Message{
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		IsGroup:   m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		UserID:    m.From.ID,
		Username:  m.From.UserName,
		Text:      m.Text,
	}
	if m.Document != nil {
		msg.Text = m.Caption
		msg.Document = &Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			Size:     int64(m.Document.FileSize),
		}
	}
	return msg, true
}

var _ Messenger = (*Telegram)(nil)
