package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/service"
)

// AutomationHandler starts automation runs.
type AutomationHandler struct {
	automation *service.Automation
	notifier   service.Notifier
}

// NewAutomationHandler creates a new automation handler. notifier is woken
// once a batch has been created.
func NewAutomationHandler(automation *service.Automation, notifier service.Notifier) *AutomationHandler {
	return &AutomationHandler{automation: automation, notifier: notifier}
}

// Start handles POST /api/v1/automation.
func (h *AutomationHandler) Start(c *gin.Context) {
	var req service.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	res, err := h.automation.StartAutomation(c.Request.Context(), req)
	if err != nil {
		if res != nil && errors.Is(err, domain.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":        err.Error(),
				"invalid_urls": res.InvalidURLs,
			})
			return
		}
		respondError(c, err)
		return
	}

	if h.notifier != nil {
		h.notifier.Notify()
	}
	c.JSON(http.StatusAccepted, res)
}
