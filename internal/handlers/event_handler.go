package handlers

import (
	"net/http"
	"time"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler is the inbound webhook receiver: it accepts external events
// and feeds them to the evaluate/dispatch pipeline.
type EventHandler struct {
	pipeline *services.Pipeline
}

func NewEventHandler(pipeline *services.Pipeline) *EventHandler {
	return &EventHandler{pipeline: pipeline}
}

type ingestRequest struct {
	Type      string         `json:"type" binding:"required"`
	UserID    string         `json:"user_id"`
	ContactID string         `json:"contact_id"`
	SourceID  string         `json:"source_id" binding:"required"`
	Payload   map[string]any `json:"payload"`
}

// Ingest submits one event. Duplicate deliveries are safe: the idempotency
// ledger deduplicates on (rule, source id, action type).
func (h *EventHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	event := services.TriggerEvent{
		Type:      req.Type,
		UserID:    req.UserID,
		ContactID: req.ContactID,
		SourceID:  req.SourceID,
		Payload:   req.Payload,
		Timestamp: time.Now().UTC(),
	}
	outcomes := h.pipeline.Submit(c.Request.Context(), event)

	results := make([]gin.H, 0, len(outcomes))
	for _, out := range outcomes {
		results = append(results, gin.H{
			"outcome": out.Status,
			"reason":  out.Reason,
			"key":     out.Key,
		})
	}
	c.JSON(http.StatusAccepted, gin.H{"matched": len(outcomes), "results": results})
}

// RegisterEventRoutes wires event ingestion.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	events := r.Group("/events")
	{
		events.POST("", handler.Ingest)
	}
}
