package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/quota"
)

// QuotaHandler serves the caps and quota defaults consumed by admission decisions.
type QuotaHandler struct {
	controller *quota.AdmissionController
	logger     *zap.Logger
}

func NewQuotaHandler(controller *quota.AdmissionController, logger *zap.Logger) *QuotaHandler {
	return &QuotaHandler{controller: controller, logger: logger}
}

type settingsResponse struct {
	Caps                map[string]int `json:"caps"`
	DefaultQuotaMinutes int            `json:"default_quota_minutes"`
	Broadcast           *string        `json:"broadcast"`
}

type capUpdateRequest struct {
	Cap *int `json:"cap" binding:"required"`
}

type quotaUpdateRequest struct {
	Minutes *int `json:"minutes" binding:"required"`
}

func (h *QuotaHandler) GetSettings(c *gin.Context) {
	settings, err := h.controller.Settings(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err, "failed to read settings")
		return
	}

	caps := make(map[string]int, len(settings.Caps))
	for category, limit := range settings.Caps {
		caps[string(category)] = limit
	}
	c.JSON(http.StatusOK, settingsResponse{
		Caps:                caps,
		DefaultQuotaMinutes: settings.DefaultQuotaMinutes,
		Broadcast:           settings.BroadcastMessage,
	})
}

func (h *QuotaHandler) UpdateCap(c *gin.Context) {
	var req capUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	category := model.Category(c.Param("category"))
	if err := h.controller.UpdateCapConfig(c.Request.Context(), category, *req.Cap); err != nil {
		writeError(c, h.logger, err, "failed to update cap")
		return
	}
	c.JSON(http.StatusOK, gin.H{"category": category, "cap": *req.Cap})
}

func (h *QuotaHandler) UpdateDefaultQuota(c *gin.Context) {
	var req quotaUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	if err := h.controller.UpdateDefaultQuota(c.Request.Context(), *req.Minutes); err != nil {
		writeError(c, h.logger, err, "failed to update default quota")
		return
	}
	c.JSON(http.StatusOK, gin.H{"default_quota_minutes": *req.Minutes})
}

func (h *QuotaHandler) SetBroadcast(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	if err := h.controller.SetBroadcast(c.Request.Context(), req.Message); err != nil {
		writeError(c, h.logger, err, "failed to set broadcast")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QuotaHandler) ClearBroadcast(c *gin.Context) {
	if err := h.controller.ClearBroadcast(c.Request.Context()); err != nil {
		writeError(c, h.logger, err, "failed to clear broadcast")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
