package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/domain"
)

// TaskTrigger enqueues a scheduler task.
type TaskTrigger interface {
	Trigger(ctx context.Context, kind domain.QueueKind, payload string) (bool, error)
}

// TaskHandler exposes the scheduler's on-demand triggers.
type TaskHandler struct {
	trigger TaskTrigger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(trigger TaskTrigger) *TaskHandler {
	return &TaskHandler{trigger: trigger}
}

// Trigger handles POST /api/v1/admin/tasks/:kind. Discovery takes the
// variant from ?variant=.
func (h *TaskHandler) Trigger(c *gin.Context) {
	kind := domain.QueueKind(c.Param("kind"))
	payload := ""
	if kind == domain.QueueKindDiscover {
		payload = c.DefaultQuery("variant", string(domain.VariantSermon))
	}

	created, err := h.trigger.Trigger(c.Request.Context(), kind, payload)
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "Task enqueued"
	if !created {
		msg = "Task already pending"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": msg,
		"kind":    kind,
		"created": created,
	})
}
