package downloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

const (
	taskIDLength    = 6
	taskIDAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxIDAttempts   = 16
	maxDetailLength = 1000
	reportTimeout   = 15 * time.Second
)

var (
	// ErrTaskIDExhausted is returned when no free task id was found.
	ErrTaskIDExhausted = errors.New("could not allocate a unique task id")
	// ErrShuttingDown is returned for submissions after Shutdown started.
	ErrShuttingDown = errors.New("download manager is shutting down")

	errCancelled = errors.New("task cancelled")
)

// Manager drives tasks from submission to a terminal state.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(ctx context.Context, req SubmitRequest) (domain.Task, error)
	Cancel(ctx context.Context, taskID string, actorID int64) (CancelOutcome, error)
	Tasks() []domain.Task
	Wait(ctx context.Context, taskID string) error
}

// StatusSink receives the progress of a single task.
type StatusSink interface {
	Update(ctx context.Context, update domain.StatusUpdate) error
}

// Uploader stores a finished download remotely and returns a shareable link.
type Uploader interface {
	Upload(ctx context.Context, localPath, name, destination string) (string, error)
}

// DestinationResolver returns the per-user upload destination, "" for the default.
type DestinationResolver interface {
	Destination(userID int64) (string, error)
}

// HistoryRecorder persists finished tasks.
type HistoryRecorder interface {
	Record(ctx context.Context, task domain.Task) error
}

type SubmitRequest struct {
	OwnerID int64
	ChatID  int64
	RawArgs string
	Sink    StatusSink
}

type CancelOutcome int

const (
	// CancelRemovedFromQueue: the task never started and is gone.
	CancelRemovedFromQueue CancelOutcome = iota + 1
	// CancelSignalSent: the downloader received a termination signal.
	CancelSignalSent
	// CancelAlreadyFinished: the downloader exited before the signal.
	CancelAlreadyFinished
	// CancelPending: the downloader is about to start; it is stopped right after spawn.
	CancelPending
	// CancelNotInterruptible: the upload is running and will settle on its own.
	CancelNotInterruptible
)

type Config struct {
	DownloadDir   string
	Binary        string
	MaxConcurrent int
	OwnerID       int64
	Logger        *logrus.Logger
	// NewID overrides task id generation.
	NewID func() string
}

type manager struct {
	cfg          Config
	registry     repository.TaskRegistry
	limiter      *Limiter
	runner       Runner
	uploader     Uploader
	destinations DestinationResolver
	history      HistoryRecorder

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	active  map[string]*taskHandle
	pending []*slotWaiter
	notify  chan struct{}
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	waiter *slotWaiter
}

// slotWaiter is a queued task waiting for the dispatcher to hand it a slot.
type slotWaiter struct {
	slot chan *Slot
}

// outcome is the terminal result computed by the state machine.
type outcome struct {
	status domain.TaskStatus
	link   string
	size   int64
	detail string
}

func NewManager(cfg Config, registry repository.TaskRegistry, runner Runner, uploader Uploader, destinations DestinationResolver, history HistoryRecorder) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Binary == "" {
		cfg.Binary = "N_m3u8DL-RE"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.NewID == nil {
		cfg.NewID = newTaskID
	}
	return &manager{
		cfg:          cfg,
		registry:     registry,
		limiter:      NewLimiter(cfg.MaxConcurrent),
		runner:       runner,
		uploader:     uploader,
		destinations: destinations,
		history:      history,
		active:       make(map[string]*taskHandle),
		notify:       make(chan struct{}, 1),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.dispatch(m.ctx)
	m.cfg.Logger.Infof("download manager started, dir: %s, max concurrent: %d", m.cfg.DownloadDir, m.cfg.MaxConcurrent)
	return nil
}

// Shutdown cancels queued tasks, terminates running downloads and waits for
// every task to finish its cleanup.
func (m *manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

func (m *manager) Submit(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	if m.ctx == nil {
		return domain.Task{}, errors.New("download manager not started")
	}
	parsed, err := ParseArgs(req.RawArgs)
	if err != nil {
		return domain.Task{}, err
	}

	task := domain.Task{
		OwnerID:   req.OwnerID,
		ChatID:    req.ChatID,
		Status:    domain.TaskStatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.register(&task, parsed); err != nil {
		return domain.Task{}, err
	}

	sink := req.Sink
	if sink == nil {
		sink = discardSink{}
	}
	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": task.ID, "user_id": task.OwnerID})
	m.report(ctx, logger, sink, task, outcome{status: domain.TaskStatusQueued})

	if err := m.spawnTask(task, sink); err != nil {
		m.registry.Remove(task.ID)
		return domain.Task{}, err
	}
	logger.Infof("task queued: %s (%d tracked)", task.Filename, m.registry.Len())
	return task, nil
}

// register allocates a free id and stores the task. Ids are short and random,
// so collisions with registered tasks are retried.
func (m *manager) register(task *domain.Task, req Request) error {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := m.cfg.NewID()
		task.ID = id
		task.Filename = req.Filename(id)
		task.LocalPath = filepath.Join(m.taskDir(id), task.Filename)
		task.Args = req.Argv(m.cfg.Binary, id, m.taskDir(id))

		err := m.registry.Create(task)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrTaskExists) {
			return fmt.Errorf("register task: %w", err)
		}
	}
	return ErrTaskIDExhausted
}

// taskDir is the per-task save directory, so equal save names never share a path.
func (m *manager) taskDir(id string) string {
	return filepath.Join(m.cfg.DownloadDir, id)
}

func (m *manager) spawnTask(task domain.Task, sink StatusSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.ctx.Err() != nil {
		return ErrShuttingDown
	}

	taskCtx, cancel := context.WithCancel(m.ctx)
	handle := &taskHandle{
		cancel: cancel,
		done:   make(chan struct{}),
		waiter: &slotWaiter{slot: make(chan *Slot, 1)},
	}
	m.active[task.ID] = handle
	m.pending = append(m.pending, handle.waiter)
	select {
	case m.notify <- struct{}{}:
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.unregisterTask(task.ID)
			cancel()
			close(handle.done)
		}()
		m.handleTask(taskCtx, task, handle.waiter, sink)
	}()
	return nil
}

// dispatch hands free slots to queued tasks in submission order.
func (m *manager) dispatch(ctx context.Context) {
	defer m.wg.Done()

	var slot *Slot
	defer func() { slot.Release() }()

	for {
		m.mu.Lock()
		waiting := len(m.pending)
		m.mu.Unlock()

		if waiting == 0 {
			select {
			case <-m.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		if slot == nil {
			acquired, err := m.limiter.Acquire(ctx)
			if err != nil {
				return
			}
			slot = acquired
		}

		m.mu.Lock()
		if len(m.pending) > 0 {
			w := m.pending[0]
			m.pending = m.pending[1:]
			w.slot <- slot
			slot = nil
		}
		m.mu.Unlock()
	}
}

// waitForSlot blocks until the dispatcher hands w a slot or ctx is done.
func (m *manager) waitForSlot(ctx context.Context, w *slotWaiter) (*Slot, error) {
	select {
	case slot := <-w.slot:
		return slot, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	removed := false
	for i, p := range m.pending {
		if p == w {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			removed = true
			break
		}
	}
	m.mu.Unlock()
	if !removed {
		// the dispatcher popped w under the lock, so the slot is already buffered
		(<-w.slot).Release()
	}
	return nil, ctx.Err()
}

func (m *manager) unregisterTask(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) getTaskHandle(id string) (*taskHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

func (m *manager) Tasks() []domain.Task {
	return m.registry.List()
}

// Wait blocks until the task's goroutine has finished, including cleanup.
func (m *manager) Wait(ctx context.Context, taskID string) error {
	handle, ok := m.getTaskHandle(taskID)
	if !ok {
		return nil
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation on behalf of actorID, who must own the task or be
// the service owner.
func (m *manager) Cancel(ctx context.Context, taskID string, actorID int64) (CancelOutcome, error) {
	var (
		status domain.TaskStatus
		proc   domain.ProcessHandle
	)
	err := m.registry.Update(taskID, func(task *domain.Task) error {
		if task.OwnerID != actorID && actorID != m.cfg.OwnerID {
			return domain.ErrUnauthorized
		}
		status = task.Status
		proc = task.Process
		if status != domain.TaskStatusUploading {
			task.CancelRequested = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": taskID, "user_id": actorID})
	switch status {
	case domain.TaskStatusQueued:
		m.registry.Remove(taskID)
		if handle, ok := m.getTaskHandle(taskID); ok {
			handle.cancel()
		}
		logger.Info("queued task removed")
		return CancelRemovedFromQueue, nil
	case domain.TaskStatusDownloading:
		if proc == nil {
			logger.Info("cancel recorded before downloader start")
			return CancelPending, nil
		}
		if err := proc.Terminate(); err != nil {
			if errors.Is(err, ErrProcessFinished) {
				return CancelAlreadyFinished, nil
			}
			return 0, fmt.Errorf("terminate task %s: %w", taskID, err)
		}
		logger.Infof("termination signal sent to pid %d", proc.PID())
		return CancelSignalSent, nil
	default:
		return CancelNotInterruptible, nil
	}
}

func (m *manager) handleTask(ctx context.Context, task domain.Task, waiter *slotWaiter, sink StatusSink) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": task.ID, "user_id": task.OwnerID})

	var slot *Slot
	result := outcome{status: domain.TaskStatusFailed, detail: "task aborted"}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("task panicked: %v\n%s", r, debug.Stack())
			result = outcome{status: domain.TaskStatusFailed, detail: truncate(fmt.Sprint(r), maxDetailLength)}
		}
		m.finishTask(task, slot, result, sink, logger)
	}()

	result = m.runTask(ctx, &task, waiter, &slot, sink, logger)
}

// runTask walks Queued -> Downloading -> Uploading and returns the terminal outcome.
// The slot pointer is filled as soon as a slot is held so the caller can release it.
func (m *manager) runTask(ctx context.Context, task *domain.Task, waiter *slotWaiter, slot **Slot, sink StatusSink, logger *logrus.Entry) outcome {
	acquired, err := m.waitForSlot(ctx, waiter)
	if err != nil {
		logger.Info("task cancelled while queued")
		return outcome{status: domain.TaskStatusCancelled, detail: "removed from queue"}
	}
	*slot = acquired
	if ctx.Err() != nil {
		return outcome{status: domain.TaskStatusCancelled, detail: "removed from queue"}
	}

	started := time.Now()
	err = m.registry.Update(task.ID, func(t *domain.Task) error {
		if t.CancelRequested {
			return errCancelled
		}
		t.Status = domain.TaskStatusDownloading
		t.StartedAt = &started
		return nil
	})
	if err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, domain.ErrTaskNotFound) {
			logger.Info("task cancelled before start")
			return outcome{status: domain.TaskStatusCancelled, detail: "removed from queue"}
		}
		return outcome{status: domain.TaskStatusFailed, detail: truncate(err.Error(), maxDetailLength)}
	}
	task.Status = domain.TaskStatusDownloading
	task.StartedAt = &started
	m.report(ctx, logger, sink, *task, outcome{status: domain.TaskStatusDownloading})

	if res, ok := m.download(ctx, task, logger); !ok {
		return res
	}

	info, err := os.Stat(task.LocalPath)
	if err != nil {
		return outcome{status: domain.TaskStatusFailed, detail: truncate(fmt.Sprintf("downloaded file missing: %v", err), maxDetailLength)}
	}
	size := info.Size()

	if err := m.registry.Update(task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskStatusUploading
		t.Size = size
		return nil
	}); err != nil {
		logger.Warnf("set uploading status: %v", err)
	}
	task.Status = domain.TaskStatusUploading
	task.Size = size
	m.report(ctx, logger, sink, *task, outcome{status: domain.TaskStatusUploading, size: size})

	return m.upload(ctx, task, size, logger)
}

// download runs the external process. ok is false when the task must stop with res.
func (m *manager) download(ctx context.Context, task *domain.Task, logger *logrus.Entry) (res outcome, ok bool) {
	if err := os.MkdirAll(m.taskDir(task.ID), 0o755); err != nil {
		logger.Errorf("create task dir: %v", err)
		return outcome{status: domain.TaskStatusFailed, detail: truncate(err.Error(), maxDetailLength)}, false
	}
	proc, err := m.runner.Start(task.Args)
	if err != nil {
		logger.Errorf("start downloader: %v", err)
		return outcome{status: domain.TaskStatusFailed, detail: truncate(err.Error(), maxDetailLength)}, false
	}
	logger.Infof("downloader started, pid %d", proc.PID())

	// publish the handle; a cancel that arrived while spawning is honoured here
	cancelled := false
	if err := m.registry.Update(task.ID, func(t *domain.Task) error {
		t.Process = proc
		cancelled = t.CancelRequested
		return nil
	}); err != nil {
		cancelled = true
	}
	if cancelled {
		_ = proc.Terminate()
	}
	stop := context.AfterFunc(ctx, func() { _ = proc.Terminate() })

	waitErr := proc.Wait()
	stop()

	cancelRequested := false
	if err := m.registry.Update(task.ID, func(t *domain.Task) error {
		t.Process = nil
		cancelRequested = t.CancelRequested
		return nil
	}); err != nil {
		cancelRequested = true
	}

	if cancelRequested || ctx.Err() != nil {
		logger.Info("download cancelled")
		return outcome{status: domain.TaskStatusCancelled, detail: "cancelled during download"}, false
	}
	if waitErr != nil {
		var perr *ProcessError
		if errors.As(waitErr, &perr) {
			logger.WithField("exit_code", perr.ExitCode).Errorf("download failed: %s", perr.Stderr)
			if out := proc.Output(); out != "" {
				logger.Debugf("downloader output: %s", out)
			}
			return outcome{status: domain.TaskStatusFailed, detail: truncate(perr.Detail(), maxDetailLength)}, false
		}
		logger.Errorf("download failed: %v", waitErr)
		return outcome{status: domain.TaskStatusFailed, detail: truncate(waitErr.Error(), maxDetailLength)}, false
	}
	logger.Info("download finished")
	return outcome{}, true
}

func (m *manager) upload(ctx context.Context, task *domain.Task, size int64, logger *logrus.Entry) outcome {
	destination := ""
	if m.destinations != nil {
		dest, err := m.destinations.Destination(task.OwnerID)
		if err != nil {
			logger.Warnf("resolve destination, using default: %v", err)
		} else {
			destination = dest
		}
	}

	logger.Infof("upload started, %d bytes", size)
	link, err := m.uploader.Upload(ctx, task.LocalPath, task.Filename, destination)
	if err != nil {
		logger.Errorf("upload: %v", err)
		return outcome{status: domain.TaskStatusFailed, detail: domain.ErrUploadFailed.Error()}
	}
	if link == "" {
		logger.Error("upload returned no link")
		return outcome{status: domain.TaskStatusFailed, detail: domain.ErrUploadFailed.Error()}
	}
	logger.Infof("upload finished: %s", link)
	return outcome{status: domain.TaskStatusSucceeded, link: link, size: size}
}

// finishTask performs the terminal transition exactly once: release the slot,
// delete the task directory, drop the registry entry, then report and record.
func (m *manager) finishTask(task domain.Task, slot *Slot, result outcome, sink StatusSink, logger *logrus.Entry) {
	slot.Release()

	if task.ID != "" {
		if err := os.RemoveAll(m.taskDir(task.ID)); err != nil {
			logger.Warnf("remove task dir: %v", err)
		}
	}
	m.registry.Remove(task.ID)

	finished := time.Now()
	task.Status = result.status
	task.Process = nil
	task.Link = result.link
	if result.size > 0 {
		task.Size = result.size
	}
	if result.status != domain.TaskStatusSucceeded {
		task.ErrorMessage = result.detail
	}
	task.FinishedAt = &finished

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	m.report(ctx, logger, sink, task, result)

	if m.history != nil {
		if err := m.history.Record(ctx, task); err != nil {
			logger.Warnf("record history: %v", err)
		}
	}
	logger.Infof("task finished: %s", task.Status)
}

// report pushes a status update. Sink failures, including panics, are logged and dropped.
func (m *manager) report(ctx context.Context, logger *logrus.Entry, sink StatusSink, task domain.Task, result outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("status sink panicked: %v", r)
		}
	}()
	update := domain.StatusUpdate{
		TaskID:   task.ID,
		Filename: task.Filename,
		Status:   result.status,
		Link:     result.link,
		Size:     result.size,
		Detail:   result.detail,
	}
	if err := sink.Update(ctx, update); err != nil {
		logger.Warnf("status update (%s): %v", result.status, err)
	}
}

type discardSink struct{}

func (discardSink) Update(context.Context, domain.StatusUpdate) error { return nil }

func newTaskID() string {
	b := make([]byte, taskIDLength)
	for i := range b {
		b[i] = taskIDAlphabet[rand.Intn(len(taskIDAlphabet))]
	}
	return string(b)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

var _ Manager = (*manager)(nil)
