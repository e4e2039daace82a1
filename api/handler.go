package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"

	"longaudio/config"
	"longaudio/logging"
	"longaudio/settings"
	"longaudio/stage"
	"longaudio/task"
)

const defaultListLimit = 20

type Handler struct {
	coordinator *task.Coordinator
	tasks       *task.Store
	settings    *settings.Store
	cfg         *config.Config
}

func NewHandler(c *task.Coordinator, tasks *task.Store, st *settings.Store, cfg *config.Config) *Handler {
	return &Handler{
		coordinator: c,
		tasks:       tasks,
		settings:    st,
		cfg:         cfg,
	}
}

// handleCreateTask stores an uploaded recording and enqueues it.
func (h *Handler) handleCreateTask(c *gin.Context) {
	if h.cfg.MaxInputSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize)
	}

	if _, err := c.MultipartForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid multipart form: %v", err)})
		return
	}

	submitterID, err := strconv.ParseInt(c.PostForm("submitterId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "submitterId must be an integer"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Missing audio file: %v", err)})
		return
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}
	// The client's file name is only kept for display.
	ext := strings.ToLower(filepath.Ext(file.Filename))
	dst := filepath.Join(h.cfg.UploadDir, shortuuid.New()+ext)
	if err := c.SaveUploadedFile(file, dst); err != nil {
		logging.Error(logging.CategoryAPI, "failed to save upload", "path", dst, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}

	t, err := h.coordinator.Submit(c.Request.Context(), submitterID, dst, filepath.Base(file.Filename))
	if err != nil {
		os.Remove(dst)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": stage.Summary(err)})
		return
	}

	logging.Info(logging.CategoryAPI, "task accepted", "taskId", t.ID, "submitterId", submitterID, "size", file.Size)
	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

func (h *Handler) lookupTask(c *gin.Context) (*task.Task, bool) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": stage.Summary(err)})
		return nil, false
	}
	return t, true
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, ok := h.lookupTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleGetTranscript serves the transcript of a completed task.
func (h *Handler) handleGetTranscript(c *gin.Context) {
	t, ok := h.lookupTask(c)
	if !ok {
		return
	}
	if t.Status != task.StatusCompleted || t.Result.TranscriptPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Transcript not available", "status": t.Status})
		return
	}
	c.FileAttachment(t.Result.TranscriptPath, filepath.Base(t.Result.TranscriptPath))
}

// handleListSubmitterTasks lists a submitter's tasks, newest first.
func (h *Handler) handleListSubmitterTasks(c *gin.Context) {
	submitterID, err := strconv.ParseInt(c.Param("submitterId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "submitterId must be an integer"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}

	tasks, err := h.tasks.ForSubmitter(c.Request.Context(), submitterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": stage.Summary(err)})
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

// handleQueueStats reports task counts by status.
func (h *Handler) handleQueueStats(c *gin.Context) {
	st, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": stage.Summary(err)})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.All(c.Request.Context()))
}

type SettingRequest struct {
	Value string `json:"value" binding:"required"`
}

func (h *Handler) handlePutSetting(c *gin.Context) {
	var req SettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	err := h.settings.Set(c.Request.Context(), key, req.Value)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"key": key, "value": h.settings.All(c.Request.Context())[key]})
	case errors.Is(err, settings.ErrUnknownKey):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "keys": settings.Keys()})
	default:
		if st, ok := stage.Of(err); ok && st == stage.Persistence {
			c.JSON(http.StatusInternalServerError, gin.H{"error": stage.Summary(err)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// handleInvalidateSettings drops the settings cache so the next task reads
// fresh values.
func (h *Handler) handleInvalidateSettings(c *gin.Context) {
	h.settings.Invalidate()
	c.JSON(http.StatusOK, gin.H{"message": "Settings cache invalidated"})
}
