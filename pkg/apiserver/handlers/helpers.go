package handlers

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/apiserver/middleware"
	"github.com/breakslot/breakslot/pkg/quota"
)

const timeRFC3339Nano = time.RFC3339Nano

func formatTime(value *time.Time) *string {
	if value == nil || value.IsZero() {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

func formatNow(value time.Time) string {
	return value.UTC().Format(timeRFC3339Nano)
}

// callerID returns the worker id of the authenticated caller.
func callerID(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.Claims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.WorkerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid worker id in session"})
		return uuid.Nil, false
	}
	return id, true
}

func pathWorkerID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps controller errors onto responses. Unknown errors are logged
// and reported as a generic failure.
func writeError(c *gin.Context, logger *zap.Logger, err error, message string) {
	switch {
	case errors.Is(err, quota.ErrWorkerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
	case errors.Is(err, quota.ErrWorkerOccupied):
		c.JSON(http.StatusConflict, gin.H{"error": "worker is on break; force close first"})
	case errors.Is(err, quota.ErrInvalidCap), errors.Is(err, quota.ErrInvalidQuota),
		errors.Is(err, quota.ErrUnknownCategory), errors.Is(err, quota.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

type occupantResponse struct {
	WorkerID  string  `json:"worker_id"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	StartTime *string `json:"start_time"`
}

type categoryResponse struct {
	Category string `json:"category"`
	Cap      int    `json:"cap"`
	Occupied int    `json:"occupied"`
}

type statusResponse struct {
	Occupied            bool               `json:"occupied"`
	OccupantID          *string            `json:"occupant_id"`
	OccupantName        string             `json:"occupant_name,omitempty"`
	OccupantCategory    string             `json:"occupant_category,omitempty"`
	StartTime           *string            `json:"start_time"`
	ServerReferenceTime string             `json:"server_reference_time"`
	Occupants           []occupantResponse `json:"occupants"`
	Categories          []categoryResponse `json:"categories"`
	Versions            map[string]int64   `json:"versions"`
}

func mapStatus(status *quota.Status) statusResponse {
	response := statusResponse{
		Occupied:            status.Occupied,
		ServerReferenceTime: formatNow(status.ServerReferenceTime),
		Occupants:           make([]occupantResponse, 0, len(status.Occupants)),
		Categories:          make([]categoryResponse, 0, len(status.Categories)),
		Versions:            status.EventVersions(),
	}
	if status.Occupant != nil {
		id := status.Occupant.WorkerID.String()
		response.OccupantID = &id
		response.OccupantName = status.Occupant.Name
		response.OccupantCategory = string(status.Occupant.Category)
		response.StartTime = formatTime(&status.Occupant.StartTime)
	}
	for i := range status.Occupants {
		o := &status.Occupants[i]
		response.Occupants = append(response.Occupants, occupantResponse{
			WorkerID:  o.WorkerID.String(),
			Name:      o.Name,
			Category:  string(o.Category),
			StartTime: formatTime(&o.StartTime),
		})
	}
	for _, cs := range status.Categories {
		response.Categories = append(response.Categories, categoryResponse{
			Category: string(cs.Category),
			Cap:      cs.Cap,
			Occupied: cs.Occupied,
		})
	}
	return response
}

type intervalResponse struct {
	ID              string  `json:"id"`
	StartTime       string  `json:"start_time"`
	EndTime         *string `json:"end_time"`
	DurationMinutes float64 `json:"duration_minutes"`
	Open            bool    `json:"open"`
}

type summaryResponse struct {
	WorkerID            string             `json:"worker_id"`
	Occupied            bool               `json:"occupied"`
	UsedMinutesToday    float64            `json:"used_minutes_today"`
	ClosedMinutes       float64            `json:"closed_minutes"`
	QuotaMinutes        int                `json:"quota_minutes"`
	RemainingMinutes    float64            `json:"remaining_minutes"`
	Intervals           []intervalResponse `json:"intervals"`
	ServerReferenceTime string             `json:"server_reference_time"`
}

func mapSummary(summary *quota.Summary) summaryResponse {
	response := summaryResponse{
		WorkerID:            summary.WorkerID.String(),
		Occupied:            summary.Occupied,
		UsedMinutesToday:    summary.UsedMinutesToday,
		ClosedMinutes:       summary.ClosedMinutes,
		QuotaMinutes:        summary.QuotaMinutes,
		RemainingMinutes:    summary.RemainingMinutes,
		Intervals:           make([]intervalResponse, 0, len(summary.Intervals)),
		ServerReferenceTime: formatNow(summary.ServerReferenceTime),
	}
	for i := range summary.Intervals {
		interval := &summary.Intervals[i]
		response.Intervals = append(response.Intervals, intervalResponse{
			ID:              interval.ID.String(),
			StartTime:       formatNow(interval.StartTime),
			EndTime:         formatTime(interval.EndTime),
			DurationMinutes: interval.MinutesAt(summary.ServerReferenceTime),
			Open:            interval.Open(),
		})
	}
	return response
}

type workerUsageResponse struct {
	WorkerID         string  `json:"worker_id"`
	Username         string  `json:"username"`
	Name             string  `json:"name"`
	Category         string  `json:"category"`
	Role             string  `json:"role"`
	Active           bool    `json:"active"`
	Occupied         bool    `json:"occupied"`
	QuotaMinutes     int     `json:"quota_minutes"`
	UsedToday        float64 `json:"used_today"`
	RemainingMinutes float64 `json:"remaining_minutes"`
}

// mapOverview rounds minutes to one decimal, the precision dashboards show.
func mapOverview(summaries []quota.Summary) []workerUsageResponse {
	response := make([]workerUsageResponse, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		response = append(response, workerUsageResponse{
			WorkerID:         s.WorkerID.String(),
			Username:         s.Username,
			Name:             s.Name,
			Category:         string(s.Category),
			Role:             s.Role,
			Active:           s.Active,
			Occupied:         s.Occupied,
			QuotaMinutes:     s.QuotaMinutes,
			UsedToday:        math.Round(s.UsedMinutesToday*10) / 10,
			RemainingMinutes: math.Round(s.RemainingMinutes*10) / 10,
		})
	}
	return response
}

type stopResponse struct {
	Stopped         bool    `json:"stopped"`
	Reason          string  `json:"reason,omitempty"`
	DurationMinutes float64 `json:"duration_minutes"`
	EndTime         *string `json:"end_time,omitempty"`
}

func mapStop(result *quota.StopResult) stopResponse {
	response := stopResponse{
		Stopped:         result.Stopped,
		Reason:          string(result.Reason),
		DurationMinutes: result.DurationMinutes,
	}
	if result.Stopped {
		response.EndTime = formatTime(&result.CommittedAt)
	}
	return response
}
