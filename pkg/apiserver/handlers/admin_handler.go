package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/apiserver/middleware"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/notify"
	"github.com/breakslot/breakslot/pkg/quota"
)

type AdminHandler struct {
	controller *quota.AdmissionController
	gate       *quota.OverrideGate
	hub        *notify.Hub
	logger     *zap.Logger
}

func NewAdminHandler(controller *quota.AdmissionController, gate *quota.OverrideGate, hub *notify.Hub, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{controller: controller, gate: gate, hub: hub, logger: logger}
}

func (h *AdminHandler) WorkerSummary(c *gin.Context) {
	workerID, ok := pathWorkerID(c)
	if !ok {
		return
	}

	summary, err := h.controller.UsageSummary(c.Request.Context(), workerID)
	if err != nil {
		writeError(c, h.logger, err, "failed to read usage summary")
		return
	}
	c.JSON(http.StatusOK, mapSummary(summary))
}

func (h *AdminHandler) ForceClose(c *gin.Context) {
	workerID, ok := pathWorkerID(c)
	if !ok {
		return
	}

	result, err := h.gate.ForceClose(c.Request.Context(), workerID)
	if err != nil {
		writeError(c, h.logger, err, "failed to force close")
		return
	}
	c.JSON(http.StatusOK, mapStop(result))
}

func (h *AdminHandler) ForceLogout(c *gin.Context) {
	workerID, ok := pathWorkerID(c)
	if !ok {
		return
	}

	if err := h.gate.ForceLogout(c.Request.Context(), workerID); err != nil {
		writeError(c, h.logger, err, "failed to force logout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

func (h *AdminHandler) ResetUsage(c *gin.Context) {
	workerID, ok := pathWorkerID(c)
	if !ok {
		return
	}

	deleted, err := h.controller.ResetDailyUsage(c.Request.Context(), workerID)
	if err != nil {
		writeError(c, h.logger, err, "failed to reset usage")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_intervals": deleted})
}

// Workers lists today's usage of the workers the caller may manage. Admins
// see employees; superadmins see everyone but themselves.
func (h *AdminHandler) Workers(c *gin.Context) {
	claims := middleware.Claims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
		return
	}

	include := func(w *model.Worker) bool { return w.ID.String() != claims.WorkerID }
	if !claims.HasRole(model.RoleSuperAdmin) {
		include = func(w *model.Worker) bool { return w.Role == model.RoleEmployee }
	}

	summaries, err := h.controller.UsageOverview(c.Request.Context(), include)
	if err != nil {
		writeError(c, h.logger, err, "failed to read usage overview")
		return
	}
	c.JSON(http.StatusOK, mapOverview(summaries))
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *AdminHandler) NotifyWorker(c *gin.Context) {
	workerID, ok := pathWorkerID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	if err := h.gate.NotifyWorker(c.Request.Context(), workerID, req.Message); err != nil {
		writeError(c, h.logger, err, "failed to notify worker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notified": true})
}

func (h *AdminHandler) Online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":    h.hub.Online(),
		"observers": h.hub.Count(),
	})
}
