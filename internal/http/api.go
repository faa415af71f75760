package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/downloader"
	"m3u8-relay/internal/service"
	"m3u8-relay/internal/storage"
)

// Handler wires the admin HTTP routes to the task manager, history and storage.
type Handler struct {
	manager downloader.Manager
	history service.HistoryService
	storage storage.Service
	auth    *TokenAuth
}

func NewHandler(manager downloader.Manager, history service.HistoryService, store storage.Service, auth *TokenAuth) *Handler {
	return &Handler{
		manager: manager,
		history: history,
		storage: store,
		auth:    auth,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	secured := api.Group("")
	secured.Use(h.auth.middleware())
	{
		secured.GET("/tasks", h.listTasks)
		secured.DELETE("/tasks/:id", h.cancelTask)
		secured.GET("/history", h.listHistory)
		secured.GET("/storage/objects", h.listObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.manager.Tasks()
	resp := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, taskToResponse(task))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancelTask(c *gin.Context) {
	subject := c.GetInt64(contextSubject)
	outcome, err := h.manager.Cancel(c.Request.Context(), c.Param("id"), subject)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusAccepted
	if outcome == downloader.CancelNotInterruptible {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"id": c.Param("id"), "outcome": cancelOutcomeName(outcome)})
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	var (
		records []domain.HistoryRecord
		err     error
	)
	if raw := c.Query("owner"); raw != "" {
		owner, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		records, err = h.history.ForOwner(c.Request.Context(), owner, limit)
	} else {
		records, err = h.history.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]HistoryResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, historyToResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.storage.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, 0, len(objects))
	for _, obj := range objects {
		resp = append(resp, objectToResponse(obj))
	}
	c.JSON(http.StatusOK, resp)
}

func cancelOutcomeName(o downloader.CancelOutcome) string {
	switch o {
	case downloader.CancelRemovedFromQueue:
		return "removed_from_queue"
	case downloader.CancelSignalSent:
		return "signal_sent"
	case downloader.CancelAlreadyFinished:
		return "already_finished"
	case downloader.CancelPending:
		return "pending"
	case downloader.CancelNotInterruptible:
		return "upload_in_progress"
	}
	return "unknown"
}

type TaskResponse struct {
	ID              string            `json:"id"`
	OwnerID         int64             `json:"owner_id"`
	ChatID          int64             `json:"chat_id"`
	Filename        string            `json:"filename"`
	Status          domain.TaskStatus `json:"status"`
	PID             int               `json:"pid,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	Size            int64             `json:"size,omitempty"`
	CreatedAt       string            `json:"created_at"`
	StartedAt       *string           `json:"started_at,omitempty"`
}

type HistoryResponse struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	OwnerID      int64             `json:"owner_id"`
	ChatID       int64             `json:"chat_id"`
	Filename     string            `json:"filename"`
	Status       domain.TaskStatus `json:"status"`
	Link         string            `json:"link,omitempty"`
	Size         int64             `json:"size"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    string            `json:"created_at"`
	FinishedAt   string            `json:"finished_at"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID,
		OwnerID:         task.OwnerID,
		ChatID:          task.ChatID,
		Filename:        task.Filename,
		Status:          task.Status,
		CancelRequested: task.CancelRequested,
		Size:            task.Size,
		CreatedAt:       task.CreatedAt.Format(time.RFC3339),
	}
	if task.Process != nil {
		resp.PID = task.Process.PID()
	}
	if task.StartedAt != nil {
		v := task.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	return resp
}

func historyToResponse(r domain.HistoryRecord) HistoryResponse {
	return HistoryResponse{
		ID:           r.ID,
		TaskID:       r.TaskID,
		OwnerID:      r.OwnerID,
		ChatID:       r.ChatID,
		Filename:     r.Filename,
		Status:       r.Status,
		Link:         r.Link,
		Size:         r.Size,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		FinishedAt:   r.FinishedAt.Format(time.RFC3339),
	}
}
