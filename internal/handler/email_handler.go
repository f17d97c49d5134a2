package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/internal/pipeline"
	"tripforge/pkg/logger"
)

type EmailHandler struct {
	pipeline *pipeline.Service
	logger   *zap.Logger
}

func NewEmailHandler(p *pipeline.Service, log *zap.Logger) *EmailHandler {
	return &EmailHandler{pipeline: p, logger: log}
}

// Ingest handles POST /api/emails
// 重复 ID 幂等：已有的行保持不变，仍然返回 202
func (h *EmailHandler) Ingest(c *gin.Context) {
	var req struct {
		ID             string    `json:"id" binding:"required"`
		Subject        string    `json:"subject"`
		Sender         string    `json:"sender"`
		BodyText       string    `json:"body_text"`
		Classification string    `json:"classification" binding:"required"`
		ReceivedAt     time.Time `json:"received_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	email := &model.Email{
		ID:             req.ID,
		Subject:        req.Subject,
		Sender:         req.Sender,
		BodyText:       req.BodyText,
		Classification: model.Classification(req.Classification),
		ReceivedAt:     req.ReceivedAt,
	}
	if err := h.pipeline.IngestEmail(c.Request.Context(), email); err != nil {
		if !email.Classification.IsTravel() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "classification is not travel related"})
			return
		}
		logger.WithTrace(c.Request.Context(), h.logger).Error("email ingest failed",
			zap.String("email_id", req.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest email"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"email_id": req.ID,
		"state":    model.StatePending,
	})
}
