package handlers

import (
	"net/http"

	"flowpilot/internal/metrics"
	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// AdminHandler exposes the kill switch and engine counters.
type AdminHandler struct {
	gate *services.SafetyGate
}

func NewAdminHandler(gate *services.SafetyGate) *AdminHandler {
	return &AdminHandler{gate: gate}
}

type killSwitchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *AdminHandler) GetKillSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.gate.KillSwitchEngaged()})
}

// SetKillSwitch flips the global switch. In-flight actions finish; nothing
// new passes the gate once enabled.
func (h *AdminHandler) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if err := h.gate.SetKillSwitch(c.Request.Context(), *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to set kill switch", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// EngineStats reports denial and outcome counters for dashboards.
func (h *AdminHandler) EngineStats(c *gin.Context) {
	total, byReason := metrics.SafetyDenialSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"safety_denials_total": total,
		"safety_denials":       byReason,
		"dispatch_outcomes":    metrics.DispatchOutcomeSnapshot(),
	})
}

// RegisterAdminRoutes wires the administrative endpoints.
func RegisterAdminRoutes(r *gin.RouterGroup, handler *AdminHandler) {
	admin := r.Group("/admin")
	{
		admin.GET("/killswitch", handler.GetKillSwitch)
		admin.PUT("/killswitch", handler.SetKillSwitch)
		admin.GET("/stats", handler.EngineStats)
	}
}
