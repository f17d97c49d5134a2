package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tripforge/internal/batch"
	"tripforge/internal/pipeline"
	"tripforge/pkg/logger"
)

type DetectionHandler struct {
	pipeline *pipeline.Service
	tracker  *batch.Tracker
	logger   *zap.Logger
}

func NewDetectionHandler(p *pipeline.Service, tracker *batch.Tracker, log *zap.Logger) *DetectionHandler {
	return &DetectionHandler{pipeline: p, tracker: tracker, logger: log}
}

// SubmitBatch handles POST /api/detection/batches
// 空 email_ids 表示处理全部 pending 邮件
func (h *DetectionHandler) SubmitBatch(c *gin.Context) {
	var req struct {
		EmailIDs []string `json:"email_ids"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	run, err := h.pipeline.SubmitBatch(c.Request.Context(), req.EmailIDs)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "a detection run is already in flight"})
		case errors.Is(err, pipeline.ErrNoEligibleEmails):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no eligible pending emails"})
		default:
			logger.WithTrace(c.Request.Context(), h.logger).Error("submit batch failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit batch"})
		}
		return
	}

	skipped := 0
	if len(req.EmailIDs) > 0 {
		skipped = len(req.EmailIDs) - len(run.EmailIDs)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": run.ID,
		"admitted": len(run.EmailIDs),
		"skipped":  skipped,
		"state":    run.State,
	})
}

// Progress handles GET /api/detection/progress
// 在进度快照之外附带邮件状态机各态的计数
func (h *DetectionHandler) Progress(c *gin.Context) {
	progress := h.pipeline.Progress()

	counts, err := h.tracker.Counts(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Warn("failed to count email states", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"is_running":       progress.IsRunning,
		"total_emails":     progress.TotalEmails,
		"processed_emails": progress.ProcessedEmails,
		"failed_emails":    progress.FailedEmails,
		"trips_found":      progress.TripsFound,
		"current_batch":    progress.CurrentBatch,
		"total_batches":    progress.TotalBatches,
		"finished":         progress.Finished,
		"message":          progress.Message,
		"error":            progress.Error,
		"email_states":     counts,
	})
}

// Stop handles POST /api/detection/stop
func (h *DetectionHandler) Stop(c *gin.Context) {
	stopping := h.pipeline.Stop()
	c.JSON(http.StatusOK, gin.H{"stopping": stopping})
}

// LatestRun handles GET /api/detection/batches/latest
func (h *DetectionHandler) LatestRun(c *gin.Context) {
	run, err := h.pipeline.LatestRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no detection run recorded"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// RunByID handles GET /api/detection/batches/:id
func (h *DetectionHandler) RunByID(c *gin.Context) {
	run, err := h.pipeline.RunByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}
