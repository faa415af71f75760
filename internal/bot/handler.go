package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/downloader"
	"m3u8-relay/internal/service"
	"m3u8-relay/internal/storage"
	"m3u8-relay/internal/sysinfo"
)

const (
	credentialsFileName = "credentials.json"
	tokenFileName       = "token.json"
	maxCredentialsBytes = 64 << 10
	historyLimit        = 10
	statsTimeout        = 5 * time.Second

	msgNotAuthorized = "⛔️ You are not authorized to use this bot."
	msgOwnerOnly     = "⛔️ Only the owner can use this command."
)

// CredentialStore keeps the uploaded storage credentials and the token cache.
type CredentialStore interface {
	Save(data []byte) error
	HasToken() bool
	ReadToken() ([]byte, error)
}

// TokenIssuer mints admin API tokens.
type TokenIssuer interface {
	Issue(subject int64) (string, time.Time, error)
}

type Config struct {
	Manager     downloader.Manager
	Access      service.AccessService
	History     service.HistoryService
	Stats       sysinfo.Provider
	Credentials CredentialStore
	// Tokens is nil when the admin API is disabled.
	Tokens TokenIssuer
	// ValidateDestination rejects destinations the uploader cannot resolve.
	ValidateDestination func(destination string) error
	Logger              *logrus.Logger
	StartedAt           time.Time
}

// Handler routes chat commands to the task manager and the access stores.
type Handler struct {
	messenger Messenger
	cfg       Config
}

func NewHandler(messenger Messenger, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Handler{messenger: messenger, cfg: cfg}
}

// Handle processes one message. It never panics.
func (h *Handler) Handle(ctx context.Context, msg Message) {
	logger := h.cfg.Logger.WithFields(logrus.Fields{"user_id": msg.UserID, "chat_id": msg.ChatID})
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("command handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	cmd, args := parseCommand(msg.Text)
	if cmd == "" && msg.Document != nil && msg.Document.FileName == credentialsFileName {
		cmd = "upload_credentials"
	}
	if cmd == "" {
		return
	}
	logger = logger.WithField("command", cmd)

	switch cmd {
	case "start":
		h.start(ctx, msg)
	case "status":
		h.withAccess(ctx, msg, logger, func() { h.status(ctx, msg, logger) })
	case "m3u8":
		h.withAccess(ctx, msg, logger, func() { h.submit(ctx, msg, args, logger) })
	case "cancel":
		h.withAccess(ctx, msg, logger, func() { h.cancel(ctx, msg, args, logger) })
	case "setid":
		h.withAccess(ctx, msg, logger, func() { h.setDestination(ctx, msg, args, logger) })
	case "history":
		h.withAccess(ctx, msg, logger, func() { h.history(ctx, msg, logger) })
	case "adduser":
		h.ownerOnly(ctx, msg, func() { h.addUser(ctx, msg, args, logger) })
	case "authorize":
		h.ownerOnly(ctx, msg, func() { h.authorizeGroup(ctx, msg, logger) })
	case "upload_credentials":
		h.ownerOnly(ctx, msg, func() { h.uploadCredentials(ctx, msg, logger) })
	case "send_token":
		h.ownerOnly(ctx, msg, func() { h.sendToken(ctx, msg, logger) })
	case "apitoken":
		h.ownerOnly(ctx, msg, func() { h.apiToken(ctx, msg, logger) })
	default:
		logger.Debug("ignoring unknown command")
	}
}

func (h *Handler) withAccess(ctx context.Context, msg Message, logger *logrus.Entry, fn func()) {
	if err := h.cfg.Access.Authorize(msg.UserID, msg.ChatID); err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			logger.Errorf("authorize: %v", err)
		}
		h.reply(ctx, msg, esc(msgNotAuthorized))
		return
	}
	fn()
}

func (h *Handler) ownerOnly(ctx context.Context, msg Message, fn func()) {
	if !h.cfg.Access.IsOwner(msg.UserID) {
		h.reply(ctx, msg, esc(msgOwnerOnly))
		return
	}
	fn()
}

func (h *Handler) reply(ctx context.Context, msg Message, text string) {
	if _, err := h.messenger.Send(ctx, msg.ChatID, text); err != nil {
		h.cfg.Logger.WithField("chat_id", msg.ChatID).Warnf("reply: %v", err)
	}
}

func (h *Handler) start(ctx context.Context, msg Message) {
	h.reply(ctx, msg, esc("Hello! Use /m3u8 <arguments> to start a download.\n\n"+
		"/status shows running tasks, /cancel <id> stops one and /setid <destination> chooses where your uploads go."))
}

func (h *Handler) status(ctx context.Context, msg Message, logger *logrus.Entry) {
	var snap *sysinfo.Snapshot
	if h.cfg.Stats != nil {
		statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
		s, err := h.cfg.Stats.Snapshot(statsCtx)
		cancel()
		if err != nil {
			logger.Warnf("host stats: %v", err)
		} else {
			snap = &s
		}
	}
	h.reply(ctx, msg, formatStatus(h.cfg.Manager.Tasks(), snap, time.Since(h.cfg.StartedAt)))
}

func (h *Handler) submit(ctx context.Context, msg Message, args string, logger *logrus.Entry) {
	if args == "" {
		h.reply(ctx, msg, esc("Usage: /m3u8 <arguments for N_m3u8DL-RE>"))
		return
	}

	task, err := h.cfg.Manager.Submit(ctx, downloader.SubmitRequest{
		OwnerID: msg.UserID,
		ChatID:  msg.ChatID,
		RawArgs: args,
		Sink:    newChatSink(h.messenger, msg.ChatID),
	})
	if err != nil {
		if domain.IsValidation(err) {
			h.reply(ctx, msg, esc("❌ Invalid arguments: ")+code(err.Error())+"\n"+esc("Usage: /m3u8 <arguments for N_m3u8DL-RE>"))
			return
		}
		logger.Errorf("submit task: %v", err)
		h.reply(ctx, msg, esc("❌ Could not queue the task, please try again later."))
		return
	}
	logger.WithField("task_id", task.ID).Infof("task submitted: %s", task.Filename)
}

func (h *Handler) cancel(ctx context.Context, msg Message, args string, logger *logrus.Entry) {
	taskID := strings.TrimSpace(args)
	if taskID == "" || strings.ContainsAny(taskID, " \t\n") {
		h.reply(ctx, msg, esc("Usage: /cancel <task_id>"))
		return
	}

	outcome, err := h.cfg.Manager.Cancel(ctx, taskID, msg.UserID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		h.reply(ctx, msg, esc("❌ Task ID not found."))
		return
	case errors.Is(err, domain.ErrUnauthorized):
		h.reply(ctx, msg, esc("⛔️ You are not authorized to cancel this task."))
		return
	case err != nil:
		logger.Errorf("cancel %s: %v", taskID, err)
		h.reply(ctx, msg, esc("❌ Could not cancel the task."))
		return
	}

	var text string
	switch outcome {
	case downloader.CancelRemovedFromQueue:
		text = esc("✅ Queued task ") + code(taskID) + esc(" has been removed.")
	case downloader.CancelSignalSent:
		text = esc("✅ Cancel signal sent to task ") + code(taskID) + esc(".")
	case downloader.CancelAlreadyFinished:
		text = esc("✅ Task ") + code(taskID) + esc(" already finished or was cancelled.")
	case downloader.CancelPending:
		text = esc("✅ Task ") + code(taskID) + esc(" will stop as soon as its download starts.")
	case downloader.CancelNotInterruptible:
		text = esc("⏳ Task ") + code(taskID) + esc(" is uploading and can no longer be cancelled.")
	}
	h.reply(ctx, msg, text)
}

func (h *Handler) setDestination(ctx context.Context, msg Message, args string, logger *logrus.Entry) {
	destination := strings.TrimSpace(args)
	if destination != "" && h.cfg.ValidateDestination != nil {
		if err := h.cfg.ValidateDestination(destination); err != nil {
			h.reply(ctx, msg, esc("❌ ")+code(err.Error())+"\n"+esc("Usage: /setid <prefix or s3://bucket/prefix>"))
			return
		}
	}

	err := h.cfg.Access.SetDestination(msg.UserID, destination)
	if errors.Is(err, service.ErrInvalidDestination) {
		h.reply(ctx, msg, esc("Usage: /setid <prefix or s3://bucket/prefix>"))
		return
	}
	if err != nil {
		logger.Errorf("set destination: %v", err)
		h.reply(ctx, msg, esc("❌ Could not save the destination."))
		return
	}
	h.reply(ctx, msg, esc("✅ Upload destination set! Your uploads will now go to:\n")+code(destination))
}

func (h *Handler) history(ctx context.Context, msg Message, logger *logrus.Entry) {
	if h.cfg.History == nil {
		h.reply(ctx, msg, esc("Task history is disabled."))
		return
	}

	var (
		records []domain.HistoryRecord
		err     error
	)
	if h.cfg.Access.IsOwner(msg.UserID) {
		records, err = h.cfg.History.Recent(ctx, historyLimit)
	} else {
		records, err = h.cfg.History.ForOwner(ctx, msg.UserID, historyLimit)
	}
	if err != nil {
		logger.Errorf("list history: %v", err)
		h.reply(ctx, msg, esc("❌ Could not load the task history."))
		return
	}
	h.reply(ctx, msg, formatHistory(records))
}

func (h *Handler) addUser(ctx context.Context, msg Message, args string, logger *logrus.Entry) {
	userID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || userID == 0 {
		h.reply(ctx, msg, esc("Usage: /adduser <user_id>"))
		return
	}

	added, err := h.cfg.Access.AddUser(msg.UserID, userID)
	if err != nil {
		logger.Errorf("add user %d: %v", userID, err)
		h.reply(ctx, msg, esc("❌ Could not update the permissions."))
		return
	}
	if !added {
		h.reply(ctx, msg, esc("User ")+code(strconv.FormatInt(userID, 10))+esc(" is already authorized."))
		return
	}
	logger.Infof("user %d authorized", userID)
	h.reply(ctx, msg, esc("✅ User ")+code(strconv.FormatInt(userID, 10))+esc(" has been authorized."))
}

func (h *Handler) authorizeGroup(ctx context.Context, msg Message, logger *logrus.Entry) {
	if !msg.IsGroup {
		h.reply(ctx, msg, esc("This command can only be used in a group."))
		return
	}

	added, err := h.cfg.Access.AuthorizeGroup(msg.UserID, msg.ChatID)
	if err != nil {
		logger.Errorf("authorize group: %v", err)
		h.reply(ctx, msg, esc("❌ Could not update the permissions."))
		return
	}
	if !added {
		h.reply(ctx, msg, esc("This group is already authorized."))
		return
	}
	logger.Infof("group %d authorized", msg.ChatID)
	h.reply(ctx, msg, esc("✅ Group ")+code(msg.ChatTitle)+esc(" is now authorized."))
}

func (h *Handler) uploadCredentials(ctx context.Context, msg Message, logger *logrus.Entry) {
	doc := msg.Document
	if doc == nil || doc.FileName != credentialsFileName {
		h.reply(ctx, msg, esc("Send ")+code(credentialsFileName)+esc(" as a document with the caption /upload_credentials."))
		return
	}
	if doc.Size > maxCredentialsBytes {
		h.reply(ctx, msg, esc("❌ The credentials file is too large."))
		return
	}

	h.reply(ctx, msg, code(credentialsFileName)+esc(" received. Saving..."))
	data, err := h.messenger.Download(ctx, doc.FileID, maxCredentialsBytes)
	if err != nil {
		logger.Errorf("download credentials: %v", err)
		h.reply(ctx, msg, esc("❌ Could not download the file."))
		return
	}
	if err := h.cfg.Credentials.Save(data); err != nil {
		logger.Warnf("save credentials: %v", err)
		h.reply(ctx, msg, esc("❌ Invalid credentials: ")+code(err.Error()))
		return
	}
	logger.Info("storage credentials replaced")
	h.reply(ctx, msg, esc("✅ ")+code(credentialsFileName)+esc(" has been updated!"))
}

func (h *Handler) sendToken(ctx context.Context, msg Message, logger *logrus.Entry) {
	if !h.cfg.Credentials.HasToken() {
		h.reply(ctx, msg, code(tokenFileName)+esc(" not found."))
		return
	}
	data, err := h.cfg.Credentials.ReadToken()
	if errors.Is(err, storage.ErrNoCachedToken) {
		h.reply(ctx, msg, code(tokenFileName)+esc(" not found."))
		return
	}
	if err != nil {
		logger.Errorf("read token: %v", err)
		h.reply(ctx, msg, esc("❌ Could not read the token file."))
		return
	}
	if err := h.messenger.SendFile(ctx, msg.ChatID, tokenFileName, data); err != nil {
		logger.Errorf("send token: %v", err)
	}
}

func (h *Handler) apiToken(ctx context.Context, msg Message, logger *logrus.Entry) {
	if h.cfg.Tokens == nil {
		h.reply(ctx, msg, esc("The admin API is disabled."))
		return
	}
	token, expires, err := h.cfg.Tokens.Issue(msg.UserID)
	if err != nil {
		logger.Errorf("issue api token: %v", err)
		h.reply(ctx, msg, esc("❌ Could not issue a token."))
		return
	}
	h.reply(ctx, msg, bold("Admin API token")+"\n"+code(token)+"\n"+
		esc(fmt.Sprintf("Valid until %s.", expires.UTC().Format(time.RFC1123))))
}
