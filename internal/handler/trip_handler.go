package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tripforge/internal/export"
	"tripforge/internal/model"
	"tripforge/internal/pipeline"
	"tripforge/internal/repository"
	"tripforge/pkg/logger"
)

type TripHandler struct {
	pipeline *pipeline.Service
	logger   *zap.Logger
}

func NewTripHandler(p *pipeline.Service, log *zap.Logger) *TripHandler {
	return &TripHandler{pipeline: p, logger: log}
}

// List handles GET /api/trips
func (h *TripHandler) List(c *gin.Context) {
	trips, err := h.pipeline.ListTrips(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("failed to list trips", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list trips"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trips": trips, "count": len(trips)})
}

// Get handles GET /api/trips/:id
func (h *TripHandler) Get(c *gin.Context) {
	detail, ok := h.tripDetail(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ExportICal handles GET /api/trips/:id/ical
func (h *TripHandler) ExportICal(c *gin.Context) {
	detail, ok := h.tripDetail(c)
	if !ok {
		return
	}
	c.Header("Content-Disposition", `attachment; filename="trip-`+c.Param("id")+`.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(export.TripCalendar(detail)))
}

func (h *TripHandler) tripDetail(c *gin.Context) (*model.TripWithBookings, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return nil, false
	}

	detail, err := h.pipeline.TripDetail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trip not found"})
			return nil, false
		}
		logger.WithTrace(c.Request.Context(), h.logger).Error("failed to load trip",
			zap.Int64("trip_id", id),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trip"})
		return nil, false
	}
	return detail, true
}
