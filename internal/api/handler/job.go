package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/service"
)

// JobStore is the read side of the job repository.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ListByState(ctx context.Context, state domain.JobState, limit, offset int) ([]domain.Job, error)
}

// JobHandler lists jobs, takes approval decisions and restarts failed jobs.
type JobHandler struct {
	jobs     JobStore
	approval *service.ApprovalGate
	review   *service.Review
	notifier service.Notifier
}

// NewJobHandler creates a job handler. notifier is woken whenever a request
// queued work.
func NewJobHandler(jobs JobStore, approval *service.ApprovalGate, review *service.Review, notifier service.Notifier) *JobHandler {
	return &JobHandler{jobs: jobs, approval: approval, review: review, notifier: notifier}
}

// DecisionRequest is the body of approve and reject.
type DecisionRequest struct {
	DeciderID string `json:"decider_id" binding:"required"`
}

// RetryRequest is the body of retry.
type RetryRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
}

// BulkRequest is the body of POST /api/v1/jobs/bulk. Action is approve,
// reject or retry; ActorID is the decider or operator.
type BulkRequest struct {
	Action  string   `json:"action" binding:"required"`
	JobIDs  []string `json:"job_ids" binding:"required"`
	ActorID string   `json:"actor_id" binding:"required"`
}

// List handles GET /api/v1/jobs?state=.
func (h *JobHandler) List(c *gin.Context) {
	var state domain.JobState
	if raw := c.Query("state"); raw != "" {
		s, err := domain.ParseJobState(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		state = s
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.jobs.ListByState(c.Request.Context(), state, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Approve handles POST /api/v1/jobs/:id/approve.
func (h *JobHandler) Approve(c *gin.Context) {
	h.decide(c, domain.DecisionApprove)
}

// Reject handles POST /api/v1/jobs/:id/reject.
func (h *JobHandler) Reject(c *gin.Context) {
	h.decide(c, domain.DecisionReject)
}

// decide answers a repeated decision on an already decided job with the
// job as it stands, so a double-clicked button is not an error.
func (h *JobHandler) decide(c *gin.Context, decision domain.Decision) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := h.approval.Decide(ctx, id, decision, req.DeciderID)
	if err == nil {
		if decision == domain.DecisionApprove {
			h.notify()
		}
		c.JSON(http.StatusOK, job)
		return
	}
	if !errors.Is(err, domain.ErrInvalidState) {
		respondError(c, err)
		return
	}

	current, getErr := h.jobs.GetByID(ctx, id)
	if getErr != nil {
		respondError(c, getErr)
		return
	}
	if current.Decision != domain.DecisionNone {
		logger.CtxInfo(ctx, "Job %s already %s by %s", id, current.Decision, current.DecidedBy)
		c.JSON(http.StatusOK, current)
		return
	}
	respondError(c, err)
}

// Retry handles POST /api/v1/jobs/:id/retry for a job whose retries are
// exhausted.
func (h *JobHandler) Retry(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	job, err := h.review.Retry(c.Request.Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.notify()
	c.JSON(http.StatusOK, job)
}

// Bulk handles POST /api/v1/jobs/bulk. Each job is handled on its own and
// reported in results.
func (h *JobHandler) Bulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	ctx := c.Request.Context()

	var (
		results []service.BulkOutcome
		err     error
	)
	if req.Action == "retry" {
		results, err = h.review.BulkRetry(ctx, req.JobIDs, req.ActorID)
	} else {
		decision, parseErr := domain.ParseDecision(req.Action)
		if parseErr != nil {
			respondError(c, parseErr)
			return
		}
		results, err = h.review.BulkDecide(ctx, req.JobIDs, decision, req.ActorID)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	succeeded := 0
	for _, r := range results {
		if r.OK {
			succeeded++
		}
	}
	if succeeded > 0 && req.Action != "reject" && req.Action != "rejected" {
		h.notify()
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (h *JobHandler) notify() {
	if h.notifier != nil {
		h.notifier.Notify()
	}
}
