package bot

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/downloader"
	"m3u8-relay/internal/repository/jsonfile"
	"m3u8-relay/internal/service"
	"m3u8-relay/internal/storage"
	"m3u8-relay/internal/sysinfo"
)

const (
	ownerID    int64 = 100
	strangerID int64 = 200
)

type sentMessage struct {
	chatID int64
	id     int
	text   string
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	edits    []sentMessage
	files    map[string][]byte
	download []byte
}

func (m *fakeMessenger) Send(_ context.Context, chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.sent) + 1
	m.sent = append(m.sent, sentMessage{chatID: chatID, id: id, text: text})
	return id, nil
}

func (m *fakeMessenger) Edit(_ context.Context, chatID int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, sentMessage{chatID: chatID, id: messageID, text: text})
	return nil
}

func (m *fakeMessenger) SendFile(_ context.Context, _ int64, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[name] = data
	return nil
}

func (m *fakeMessenger) Download(context.Context, string, int64) ([]byte, error) {
	return m.download, nil
}

func (m *fakeMessenger) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].text
}

type fakeManager struct {
	mu        sync.Mutex
	submitted []downloader.SubmitRequest
	submitErr error
	cancelRes downloader.CancelOutcome
	cancelErr error
	tasks     []domain.Task
}

func (m *fakeManager) Start(context.Context) error { return nil }
func (m *fakeManager) Shutdown()                   {}

func (m *fakeManager) Submit(ctx context.Context, req downloader.SubmitRequest) (domain.Task, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	if m.submitErr != nil {
		return domain.Task{}, m.submitErr
	}
	task := domain.Task{ID: "abc123", OwnerID: req.OwnerID, Filename: "video_abc123.mp4", Status: domain.TaskStatusQueued}
	_ = req.Sink.Update(ctx, domain.StatusUpdate{TaskID: task.ID, Filename: task.Filename, Status: domain.TaskStatusQueued})
	return task, nil
}

func (m *fakeManager) Cancel(context.Context, string, int64) (downloader.CancelOutcome, error) {
	return m.cancelRes, m.cancelErr
}

func (m *fakeManager) Tasks() []domain.Task              { return m.tasks }
func (m *fakeManager) Wait(context.Context, string) error { return nil }

type fakeStats struct{}

func (fakeStats) Snapshot(context.Context) (sysinfo.Snapshot, error) {
	return sysinfo.Snapshot{CPUPercent: 12.5, MemPercent: 40, DiskPercent: 70.25}, nil
}

type fakeTokens struct{}

func (fakeTokens) Issue(subject int64) (string, time.Time, error) {
	return "header.payload.sig", time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), nil
}

type fixture struct {
	handler   *Handler
	messenger *fakeMessenger
	manager   *fakeManager
	access    service.AccessService
	creds     storage.CredentialFiles
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		messenger: &fakeMessenger{},
		manager:   &fakeManager{},
		access: service.NewAccessService(ownerID,
			jsonfile.NewPermissionRepository(filepath.Join(dir, "permissions.json"), ownerID),
			jsonfile.NewDestinationRepository(filepath.Join(dir, "destinations.json"))),
		creds: storage.CredentialFiles{
			CredentialsPath: filepath.Join(dir, "credentials.json"),
			TokenPath:       filepath.Join(dir, "token.json"),
		},
	}
	f.handler = NewHandler(f.messenger, Config{
		Manager:     f.manager,
		Access:      f.access,
		Stats:       fakeStats{},
		Credentials: f.creds,
		Tokens:      fakeTokens{},
		ValidateDestination: func(d string) error {
			_, err := storage.ParseDestination(d, storage.Target{Bucket: "media"})
			return err
		},
		Logger:    logger,
		StartedAt: time.Now().Add(-90 * time.Second),
	})
	return f
}

func (f *fixture) send(userID, chatID int64, text string) {
	f.handler.Handle(context.Background(), Message{UserID: userID, ChatID: chatID, Text: text})
}

func TestUnauthorizedSubmitCreatesNoTask(t *testing.T) {
	f := newFixture(t)

	f.send(strangerID, strangerID, "/m3u8 https://cdn.example/master.m3u8")

	assert.Empty(t, f.manager.submitted)
	assert.Contains(t, f.messenger.lastText(), "not authorized")
}

func TestSubmitUsesChatSink(t *testing.T) {
	f := newFixture(t)

	f.send(ownerID, 555, `/m3u8 https://cdn.example/master.m3u8 --save-name "ep 1"`)

	require.Len(t, f.manager.submitted, 1)
	req := f.manager.submitted[0]
	assert.Equal(t, ownerID, req.OwnerID)
	assert.Equal(t, int64(555), req.ChatID)
	assert.Equal(t, `https://cdn.example/master.m3u8 --save-name "ep 1"`, req.RawArgs)

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, int64(555), f.messenger.sent[0].chatID)
	assert.Contains(t, f.messenger.sent[0].text, "Task queued")
}

func TestSubmitWithoutArgumentsShowsUsage(t *testing.T) {
	f := newFixture(t)

	f.send(ownerID, ownerID, "/m3u8")

	assert.Empty(t, f.manager.submitted)
	assert.Contains(t, f.messenger.lastText(), "Usage")
}

func TestSubmitValidationError(t *testing.T) {
	f := newFixture(t)
	f.manager.submitErr = &domain.ValidationError{Field: "--save-name", Reason: "missing value"}

	f.send(ownerID, ownerID, "/m3u8 url --save-name")
	assert.Contains(t, f.messenger.lastText(), "Invalid arguments")
}

func TestCancelReplies(t *testing.T) {
	tests := []struct {
		name     string
		res      downloader.CancelOutcome
		err      error
		expected string
	}{
		{name: "not found", err: domain.ErrTaskNotFound, expected: "Task ID not found"},
		{name: "not owner", err: domain.ErrUnauthorized, expected: "not authorized to cancel"},
		{name: "queued", res: downloader.CancelRemovedFromQueue, expected: "has been removed"},
		{name: "running", res: downloader.CancelSignalSent, expected: "Cancel signal sent"},
		{name: "finished", res: downloader.CancelAlreadyFinished, expected: "already finished"},
		{name: "uploading", res: downloader.CancelNotInterruptible, expected: "can no longer be cancelled"},
		{name: "other failure", err: errors.New("boom"), expected: "Could not cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.manager.cancelRes, f.manager.cancelErr = tt.res, tt.err

			f.send(ownerID, ownerID, "/cancel abc123")
			assert.Contains(t, f.messenger.lastText(), tt.expected)
		})
	}
}

func TestOwnerCommands(t *testing.T) {
	f := newFixture(t)

	f.send(strangerID, strangerID, "/adduser 300")
	assert.Contains(t, f.messenger.lastText(), "Only the owner")

	f.send(ownerID, ownerID, "/adduser nope")
	assert.Contains(t, f.messenger.lastText(), "Usage")

	f.send(ownerID, ownerID, "/adduser 200")
	assert.Contains(t, f.messenger.lastText(), "has been authorized")
	f.send(ownerID, ownerID, "/adduser 200")
	assert.Contains(t, f.messenger.lastText(), "already authorized")

	f.send(strangerID, strangerID, "/m3u8 https://cdn.example/x.m3u8")
	assert.Len(t, f.manager.submitted, 1)
}

func TestAuthorizeGroup(t *testing.T) {
	f := newFixture(t)

	f.send(ownerID, ownerID, "/authorize")
	assert.Contains(t, f.messenger.lastText(), "only be used in a group")

	group := Message{UserID: ownerID, ChatID: -100, ChatTitle: "Team", IsGroup: true, Text: "/authorize@relay_bot"}
	f.handler.Handle(context.Background(), group)
	assert.Contains(t, f.messenger.lastText(), "is now authorized")

	// any member of the group may now use the bot there, but not in private
	f.send(strangerID, -100, "/m3u8 https://cdn.example/x.m3u8")
	assert.Len(t, f.manager.submitted, 1)
	f.send(strangerID, strangerID, "/m3u8 https://cdn.example/x.m3u8")
	assert.Len(t, f.manager.submitted, 1)
}

func TestStatusListsTasksAndHost(t *testing.T) {
	f := newFixture(t)
	f.manager.tasks = []domain.Task{
		{ID: "q1w2e3", Filename: "show_1.mkv", Status: domain.TaskStatusDownloading},
		{ID: "z9x8c7", Filename: "next.mp4", Status: domain.TaskStatusQueued},
	}

	f.send(ownerID, ownerID, "/status")
	text := f.messenger.lastText()
	assert.Contains(t, text, "q1w2e3")
	assert.Contains(t, text, `show\_1\.mkv`)
	assert.Contains(t, text, "Downloading")
	assert.Contains(t, text, `Running: 1 \| Queued: 1`)
	assert.Contains(t, text, `12\.5%`)
	assert.Contains(t, text, "1m30s")
}

func TestSetDestination(t *testing.T) {
	f := newFixture(t)

	f.send(ownerID, ownerID, "/setid gs://elsewhere")
	assert.Contains(t, f.messenger.lastText(), "Usage")

	f.send(ownerID, ownerID, "/setid s3://archive/shows")
	assert.Contains(t, f.messenger.lastText(), "Upload destination set")

	dest, err := f.access.Destination(ownerID)
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/shows", dest)
}

func TestCredentialsRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.send(ownerID, ownerID, "/send_token")
	assert.Contains(t, f.messenger.lastText(), "not found")

	f.messenger.download = []byte(`{"access_key_id":"AKIA","secret_access_key":"s"}`)
	f.handler.Handle(context.Background(), Message{
		UserID:   ownerID,
		ChatID:   ownerID,
		Document: &Document{FileID: "f1", FileName: "credentials.json", Size: 50},
	})
	assert.Contains(t, f.messenger.lastText(), "has been updated")
	assert.FileExists(t, f.creds.CredentialsPath)

	f.messenger.download = []byte(`{}`)
	f.handler.Handle(context.Background(), Message{
		UserID:   ownerID,
		ChatID:   ownerID,
		Text:     "/upload_credentials",
		Document: &Document{FileID: "f2", FileName: "credentials.json", Size: 2},
	})
	assert.Contains(t, f.messenger.lastText(), "Invalid credentials")

	_, err := storage.NewFileProvider(f.creds, nil, nil).Retrieve(context.Background())
	require.NoError(t, err)
	f.send(ownerID, ownerID, "/send_token")
	assert.Contains(t, string(f.messenger.files["token.json"]), "AKIA")
}

func TestAPIToken(t *testing.T) {
	f := newFixture(t)

	f.send(strangerID, strangerID, "/apitoken")
	assert.Contains(t, f.messenger.lastText(), "Only the owner")

	f.send(ownerID, ownerID, "/apitoken")
	assert.Contains(t, f.messenger.lastText(), `header\.payload\.sig`)
}

func TestChatSinkEditsOneMessage(t *testing.T) {
	m := &fakeMessenger{}
	sink := newChatSink(m, 7)
	ctx := context.Background()

	for _, status := range []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusDownloading, domain.TaskStatusUploading, domain.TaskStatusSucceeded} {
		require.NoError(t, sink.Update(ctx, domain.StatusUpdate{TaskID: "abc123", Filename: "a.mp4", Status: status, Link: "https://x.example/a", Size: 2048}))
	}

	require.Len(t, m.sent, 1)
	require.Len(t, m.edits, 3)
	for _, e := range m.edits {
		assert.Equal(t, m.sent[0].id, e.id)
	}
	assert.Contains(t, m.edits[2].text, "Upload successful")
	assert.Contains(t, m.edits[2].text, `2\.0 KiB`)
}

func TestFormatUpdateFailures(t *testing.T) {
	generic := formatUpdate(domain.StatusUpdate{TaskID: "abc123", Filename: "a.mp4", Status: domain.TaskStatusFailed, Detail: domain.ErrUploadFailed.Error()})
	assert.Contains(t, generic, "Upload failed for task")

	failed := formatUpdate(domain.StatusUpdate{TaskID: "abc123", Filename: "a.mp4", Status: domain.TaskStatusFailed, Detail: "network error"})
	assert.Contains(t, failed, "Task failed for")
	assert.Contains(t, failed, "network error")

	cancelled := formatUpdate(domain.StatusUpdate{TaskID: "abc123", Filename: "a.mp4", Status: domain.TaskStatusCancelled})
	assert.True(t, strings.Contains(cancelled, "cancelled"))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text, cmd, args string
	}{
		{text: "/start", cmd: "start"},
		{text: "/M3U8@relay_bot  url --save-name x ", cmd: "m3u8", args: "url --save-name x"},
		{text: "/m3u8\nurl", cmd: "m3u8", args: "url"},
		{text: "hello", cmd: ""},
	}
	for _, tt := range tests {
		cmd, args := parseCommand(tt.text)
		assert.Equal(t, tt.cmd, cmd, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}
