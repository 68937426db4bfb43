package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/domain"
)

// JobCounter reports job counts per state.
type JobCounter interface {
	CountByState(ctx context.Context) (map[domain.JobState]int64, error)
}

// QueueCounter reports the queue backlog.
type QueueCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	jobs  JobCounter
	queue QueueCounter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(jobs JobCounter, queue QueueCounter) *HealthHandler {
	return &HealthHandler{jobs: jobs, queue: queue}
}

// Health reports whether the store answers, with job counts for every state
// and the number of unfinished queue entries.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	counts, err := h.jobs.CountByState(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	open, err := h.queue.CountOpen(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	jobs := make(map[domain.JobState]int64, len(domain.AllJobStates))
	for _, state := range domain.AllJobStates {
		jobs[state] = counts[state]
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"jobs":       jobs,
		"queue_open": open,
	})
}
