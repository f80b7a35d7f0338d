package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhealth/chartminder/services"
)

// SweepHandler exposes the manual sweep trigger and sweep status. The manual
// trigger exists for operational recovery (e.g. re-driving delivery after a
// gateway outage) and returns the same summary the timer-driven sweep logs.
type SweepHandler struct {
	Dispatcher *services.DeliveryDispatcher
}

func NewSweepHandler(dispatcher *services.DeliveryDispatcher) *SweepHandler {
	return &SweepHandler{Dispatcher: dispatcher}
}

// TriggerSweep handles POST /api/sweep
func (h *SweepHandler) TriggerSweep(c *gin.Context) {
	summary, err := h.Dispatcher.Sweep(time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSweepInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "a sweep is already running"})
		case errors.Is(err, services.ErrChannelUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification channel unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, summary)
}

// SweepStatus handles GET /api/sweep/status
func (h *SweepHandler) SweepStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.Dispatcher.SweepInProgress()})
}
