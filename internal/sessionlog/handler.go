package sessionlog

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-emotion/sessiond/pkg/response"
)

// Lister reads archived sessions.
type Lister interface {
	ListRecent(ctx context.Context, workerID string, limit int) ([]Record, error)
}

// Handler handles GET /archive/sessions.
type Handler struct {
	repo Lister
}

// NewHandler creates an archive handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /archive/sessions?limit=&worker_id=.
func (h *Handler) List(c *gin.Context) {
	limit := DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := h.repo.ListRecent(c.Request.Context(), c.Query("worker_id"), limit)
	if err != nil {
		response.Internal(c, "failed to list archived sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}
