package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhealth/chartminder/services"
)

// ReminderHandler exposes the reminder instance audit trail and bulk cancel.
// The instance list is the engine's only diagnostic surface: retry counts and
// last errors live here.
type ReminderHandler struct {
	Dispatcher *services.DeliveryDispatcher
}

func NewReminderHandler(dispatcher *services.DeliveryDispatcher) *ReminderHandler {
	return &ReminderHandler{Dispatcher: dispatcher}
}

// ListReminders handles GET /api/reminders?item_id=&status=&limit=
func (h *ReminderHandler) ListReminders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	instances, err := h.Dispatcher.ListInstances(c.Query("item_id"), c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, instances)
}

// CancelItemReminders handles POST /api/items/:id/cancel-reminders, the
// void/unlock hook: all non-terminal instances of the item are cancelled
// atomically.
func (h *ReminderHandler) CancelItemReminders(c *gin.Context) {
	itemID := c.Param("id")

	cancelled, err := h.Dispatcher.CancelForItem(itemID, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
