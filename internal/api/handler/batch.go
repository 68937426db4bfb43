package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/service"
)

// BatchHandler serves batch progress. A handler bound to a variant only
// answers for batches of that variant.
type BatchHandler struct {
	batches *service.BatchManager
	variant domain.BatchVariant
}

// NewBatchHandler creates a batch handler. An empty variant serves all.
func NewBatchHandler(batches *service.BatchManager, variant domain.BatchVariant) *BatchHandler {
	return &BatchHandler{batches: batches, variant: variant}
}

// List handles GET /batches.
func (h *BatchHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	variant := h.variant
	if variant == "" {
		variant = domain.BatchVariant(c.Query("variant"))
	}
	batches, err := h.batches.ListRecent(c.Request.Context(), variant, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"count":   len(batches),
	})
}

// Progress handles GET /batches/:id/progress.
func (h *BatchHandler) Progress(c *gin.Context) {
	progress, ok := h.progress(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, progress)
}

// Status handles GET /batches/:id/status.
func (h *BatchHandler) Status(c *gin.Context) {
	if h.variant != "" {
		progress, ok := h.progress(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": progress.ID, "status": progress.Status})
		return
	}

	id := c.Param("id")
	status, err := h.batches.GetStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

func (h *BatchHandler) progress(c *gin.Context) (*domain.BatchProgress, bool) {
	id := c.Param("id")
	progress, err := h.batches.GetProgress(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if h.variant != "" && progress.Variant != h.variant {
		respondError(c, fmt.Errorf("%s batch %s: %w", h.variant, id, domain.ErrNotFound))
		return nil, false
	}
	return progress, true
}
