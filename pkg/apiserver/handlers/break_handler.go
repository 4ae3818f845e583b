package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/apiserver/middleware"
	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/notify"
	"github.com/breakslot/breakslot/pkg/quota"
)

const defaultHeartbeat = 25 * time.Second

type BreakHandler struct {
	controller *quota.AdmissionController
	hub        *notify.Hub
	logger     *zap.Logger
	heartbeat  time.Duration
}

func NewBreakHandler(controller *quota.AdmissionController, hub *notify.Hub, logger *zap.Logger, heartbeat time.Duration) *BreakHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &BreakHandler{controller: controller, hub: hub, logger: logger, heartbeat: heartbeat}
}

type startResponse struct {
	Admitted            bool    `json:"admitted"`
	Duplicate           bool    `json:"duplicate,omitempty"`
	Reason              string  `json:"reason,omitempty"`
	Error               string  `json:"error,omitempty"`
	Category            string  `json:"category"`
	Cap                 int     `json:"cap,omitempty"`
	UsedMinutes         float64 `json:"used_minutes,omitempty"`
	QuotaMinutes        int     `json:"quota_minutes,omitempty"`
	StartTime           *string `json:"start_time,omitempty"`
	ServerReferenceTime string  `json:"server_reference_time"`
}

func (h *BreakHandler) Status(c *gin.Context) {
	status, err := h.controller.StatusSnapshot(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err, "failed to read status")
		return
	}
	c.JSON(http.StatusOK, mapStatus(status))
}

func (h *BreakHandler) Start(c *gin.Context) {
	workerID, ok := callerID(c)
	if !ok {
		return
	}

	decision, err := h.controller.RequestStart(c.Request.Context(), workerID)
	if err != nil {
		writeError(c, h.logger, err, "failed to start break")
		return
	}

	response := startResponse{
		Admitted:            decision.Admitted,
		Duplicate:           decision.Duplicate,
		Reason:              string(decision.Reason),
		Error:               decision.Message(),
		Category:            string(decision.Category),
		Cap:                 decision.Cap,
		UsedMinutes:         decision.UsedMinutes,
		QuotaMinutes:        decision.QuotaMinutes,
		ServerReferenceTime: formatNow(time.Now()),
	}
	if decision.Admitted {
		response.StartTime = formatTime(&decision.StartTime)
		c.JSON(http.StatusOK, response)
		return
	}

	switch decision.Reason {
	case quota.ReasonCapacityExceeded:
		c.JSON(http.StatusConflict, response)
	default:
		c.JSON(http.StatusForbidden, response)
	}
}

// Stop answers 200 in both cases; stopped=false with reason not_occupied
// tolerates duplicate and late requests.
func (h *BreakHandler) Stop(c *gin.Context) {
	workerID, ok := callerID(c)
	if !ok {
		return
	}

	result, err := h.controller.RequestStop(c.Request.Context(), workerID)
	if err != nil {
		writeError(c, h.logger, err, "failed to stop break")
		return
	}
	c.JSON(http.StatusOK, mapStop(result))
}

func (h *BreakHandler) Summary(c *gin.Context) {
	workerID, ok := callerID(c)
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

// Stream sends a snapshot, then every event delivered by the hub. The stream
// ends when the client leaves, the hub drops the observer, or the caller is
// forcibly logged out. Clients reconnect and resync from the next snapshot.
func (h *BreakHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	var workerID string
	if claims := middleware.Claims(c); claims != nil {
		workerID = claims.WorkerID
	}

	// Connect before reading the snapshot so a commit in between is queued
	// here; the watermark then skips whatever the snapshot already reflects.
	observer := h.hub.Connect(workerID)
	defer h.hub.Disconnect(observer)

	status, err := h.controller.StatusSnapshot(ctx)
	if err != nil {
		writeError(c, h.logger, err, "failed to read status")
		return
	}
	watermark := notify.NewWatermark(status.EventVersions())

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", mapStatus(status))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.SSEvent(eventbus.TypeHeartbeat, gin.H{"server_reference_time": formatNow(time.Now())})
			return true
		case event, ok := <-observer.Events():
			if !ok {
				return false
			}
			if !addressedTo(event, workerID) || !watermark.Advance(event) {
				return true
			}
			c.SSEvent(event.Type, event)
			return !loggedOut(event, workerID)
		}
	})
}

// Settings returns the configuration every worker sees, currently the
// broadcast banner. The message is null when no broadcast is active.
func (h *BreakHandler) Settings(c *gin.Context) {
	message, err := h.controller.Broadcast(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err, "failed to read settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"broadcast": message})
}

func loggedOut(event eventbus.Event, workerID string) bool {
	if event.Type != eventbus.TypeForceLogout || workerID == "" {
		return false
	}
	var payload eventbus.SessionEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return false
	}
	return payload.WorkerID == workerID
}

// addressedTo keeps personal notifications on the stream of their recipient.
func addressedTo(event eventbus.Event, workerID string) bool {
	if event.Type != eventbus.TypePersonalNotification {
		return true
	}
	var payload eventbus.PersonalEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return false
	}
	return workerID != "" && payload.WorkerID == workerID
}
