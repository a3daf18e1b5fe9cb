package metrics

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/pkg/response"
)

// Handler serves connection metrics.
type Handler struct {
	agg    *Aggregator
	logger *zap.Logger
}

// NewHandler creates a metrics handler.
func NewHandler(agg *Aggregator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{agg: agg, logger: logger}
}

// Connections handles GET /metrics/connections.
func (h *Handler) Connections(c *gin.Context) {
	m, err := h.agg.ConnectionMetrics(c.Request.Context())
	if err != nil {
		h.logger.Warn("connection metrics unavailable", zap.Error(err))
		response.ServiceUnavailable(c, response.CodeStoreUnavailable, "metrics unavailable")
		return
	}
	response.OK(c, m)
}
