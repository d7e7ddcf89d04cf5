package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"incident-analyze-pipeline/database"
	"incident-analyze-pipeline/rabbitmq"
)

// Handlers represents the HTTP handlers
type Handlers struct {
	db         *database.Database
	subscriber *rabbitmq.Subscriber
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *database.Database, subscriber *rabbitmq.Subscriber) *Handlers {
	return &Handlers{db: db, subscriber: subscriber}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "incident-analyze-pipeline",
	})
}

// GetStatus reports intake connectivity and last activity.
func (h *Handlers) GetStatus(c *gin.Context) {
	status := gin.H{
		"service": "incident-analyze-pipeline",
	}
	if h.subscriber != nil {
		status["rabbitmq_connected"] = h.subscriber.IsConnected()
		status["queue"] = h.subscriber.GetQueue()
		if t := h.subscriber.LastConnectAt(); !t.IsZero() {
			status["last_connect"] = t
		}
		if t := h.subscriber.LastDeliveryAt(); !t.IsZero() {
			status["last_delivery"] = t
		}
		if e := h.subscriber.LastError(); e != "" {
			status["last_error"] = e
		}
	}
	c.JSON(http.StatusOK, status)
}

// GetReportByIncidentID returns the stored comprehensive report for one
// incident.
func (h *Handlers) GetReportByIncidentID(c *gin.Context) {
	incidentID := c.Param("id")
	if incidentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing incident id"})
		return
	}

	report, err := h.db.GetReport(incidentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// UpdateReviewStatus moves an incident through the human review workflow.
func (h *Handlers) UpdateReviewStatus(c *gin.Context) {
	incidentID := c.Param("id")
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing status"})
		return
	}

	if err := h.db.UpdateReviewStatus(incidentID, body.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": incidentID, "status": body.Status})
}

// GetAnalysisStats returns aggregate statistics about stored analyses.
func (h *Handlers) GetAnalysisStats(c *gin.Context) {
	stats, err := h.db.GetStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get analysis stats",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
