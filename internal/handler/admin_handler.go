package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tripforge/internal/pipeline"
	"tripforge/pkg/logger"
	"tripforge/pkg/outbox"
)

type AdminHandler struct {
	pipeline *pipeline.Service
	replay   *outbox.ReplayService // postgres+MQ 部署外为 nil
	logger   *zap.Logger
}

func NewAdminHandler(p *pipeline.Service, replay *outbox.ReplayService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{pipeline: p, replay: replay, logger: log}
}

// Reset handles POST /api/admin/reset
// scope: processing_state 只回拨邮件状态机；trips 清掉衍生数据；all 两者都清
func (h *AdminHandler) Reset(c *gin.Context) {
	var req struct {
		Scope string `json:"scope" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope is required"})
		return
	}

	if err := h.pipeline.Reset(c.Request.Context(), req.Scope); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "cannot reset while a detection run is in flight"})
			return
		}
		log := logger.WithTrace(c.Request.Context(), h.logger)
		switch req.Scope {
		case pipeline.ScopeProcessing, pipeline.ScopeTrips, pipeline.ScopeAll:
			log.Error("reset failed", zap.String("scope", req.Scope), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown reset scope"})
		}
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("reset applied", zap.String("scope", req.Scope))
	c.JSON(http.StatusOK, gin.H{"scope": req.Scope, "status": "reset"})
}

// ReplayOutbox handles POST /api/admin/outbox/replay
// 重发终态失败的 outbox 事件
func (h *AdminHandler) ReplayOutbox(c *gin.Context) {
	if h.replay == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "outbox replay requires the postgres driver and a message broker"})
		return
	}

	var req struct {
		Limit int `json:"limit"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	replayed, err := h.replay.ReplayFailedEvents(c.Request.Context(), req.Limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("outbox replay failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}
