package sessions

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/admission"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/quality"
	"github.com/aura-emotion/sessiond/pkg/response"
)

// Admitter guards session creation with a capacity check.
type Admitter interface {
	Admit(ctx context.Context, create func(ctx context.Context) error) error
}

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	SessionID string         `json:"session_id"`
	ClientID  string         `json:"client_id"`
	Metadata  map[string]any `json:"metadata"`
}

// UpdateRequest is the body for PATCH /sessions/:id.
type UpdateRequest struct {
	ClientID *string               `json:"client_id"`
	Status   *models.SessionStatus `json:"status"`
	Metadata map[string]any        `json:"metadata"`
}

// JoinRequest is the body for POST /sessions/:id/participants.
type JoinRequest struct {
	ParticipantID string         `json:"participant_id"`
	Metadata      map[string]any `json:"metadata"`
}

// HealthRequest is the body for POST /participants/:pid/health. Explicit values
// override anything derived from Stats.
type HealthRequest struct {
	Latency    *float64              `json:"latency"`
	PacketLoss *float64              `json:"packet_loss"`
	Bandwidth  *float64              `json:"bandwidth"`
	Stats      *quality.StatsPayload `json:"stats"`
}

// Sample merges the stats-derived values with the explicit ones.
func (r HealthRequest) Sample() quality.Sample {
	var s quality.Sample
	if r.Stats != nil {
		s = quality.SampleFromStats(r.Stats.Report())
	}
	if r.Latency != nil {
		s.Latency = r.Latency
	}
	if r.PacketLoss != nil {
		s.PacketLoss = r.PacketLoss
	}
	if r.Bandwidth != nil {
		s.Bandwidth = r.Bandwidth
	}
	return s
}

// StatusRequest is the body for PATCH /participants/:pid/status.
type StatusRequest struct {
	Status models.ParticipantStatus `json:"status" binding:"required"`
}

// Handler handles session and participant HTTP endpoints.
type Handler struct {
	reg    *Registry
	admit  Admitter
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(reg *Registry, admit Admitter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reg: reg, admit: admit, logger: logger}
}

// Register mounts the routes on an (authenticated) group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/sessions", h.Create)
	g.GET("/sessions/:id", h.Get)
	g.PATCH("/sessions/:id", h.Update)
	g.DELETE("/sessions/:id", h.Close)
	g.POST("/sessions/:id/participants", h.Join)
	g.DELETE("/sessions/:id/participants/:pid", h.Leave)
	g.GET("/participants/:pid", h.GetParticipant)
	g.POST("/participants/:pid/health", h.ReportHealth)
	g.PATCH("/participants/:pid/status", h.SetStatus)
	g.GET("/workers/:workerId/sessions", h.ByWorker)
	g.DELETE("/clients/:clientId/sessions", h.CleanupClient)
}

// Create handles POST /sessions. Admission runs before anything is written.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	var sess *models.Session
	err := h.admit.Admit(c.Request.Context(), func(ctx context.Context) error {
		var err error
		sess, err = h.reg.CreateSession(ctx, CreateParams{
			SessionID: req.SessionID,
			ClientID:  req.ClientID,
			Metadata:  req.Metadata,
		})
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, sess)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	sess, err := h.reg.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sess)
}

// Update handles PATCH /sessions/:id.
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id := c.Param("id")
	ok, err := h.reg.UpdateSession(c.Request.Context(), id, SessionUpdate{
		ClientID: req.ClientID,
		Status:   req.Status,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, gin.H{"session_id": id, "updated": true})
}

// Close handles DELETE /sessions/:id. Closing is idempotent; existed reports
// whether there was anything to close.
func (h *Handler) Close(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.reg.CloseSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"session_id": id, "existed": ok})
}

// Join handles POST /sessions/:id/participants.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.reg.JoinSession(c.Request.Context(), c.Param("id"), req.ParticipantID, req.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, p)
}

// Leave handles DELETE /sessions/:id/participants/:pid.
func (h *Handler) Leave(c *gin.Context) {
	if err := h.reg.LeaveSession(c.Request.Context(), c.Param("id"), c.Param("pid")); err != nil {
		h.writeError(c, err)
		return
	}
	response.NoContent(c)
}

// GetParticipant handles GET /participants/:pid.
func (h *Handler) GetParticipant(c *gin.Context) {
	p, err := h.reg.GetParticipant(c.Request.Context(), c.Param("pid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if p == nil {
		response.NotFound(c, "participant not found")
		return
	}
	response.OK(c, p)
}

// ReportHealth handles POST /participants/:pid/health. Reports for unknown
// participants are accepted and ignored.
func (h *Handler) ReportHealth(c *gin.Context) {
	var req HealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.reg.ReportHealth(c.Request.Context(), c.Param("pid"), req.Sample())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if p == nil {
		response.NoContent(c)
		return
	}
	response.OK(c, p)
}

// SetStatus handles PATCH /participants/:pid/status.
func (h *Handler) SetStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.reg.SetParticipantStatus(c.Request.Context(), c.Param("pid"), req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if p == nil {
		response.NotFound(c, "participant not found")
		return
	}
	response.OK(c, p)
}

// ByWorker handles GET /workers/:workerId/sessions.
func (h *Handler) ByWorker(c *gin.Context) {
	list, err := h.reg.SessionsByWorker(c.Request.Context(), c.Param("workerId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// CleanupClient handles DELETE /clients/:clientId/sessions.
func (h *Handler) CleanupClient(c *gin.Context) {
	clientID := c.Param("clientId")
	n, err := h.reg.CleanupClientSessions(c.Request.Context(), clientID)
	if err != nil && n == 0 {
		h.writeError(c, err)
		return
	}
	if err != nil {
		h.logger.Warn("partial client cleanup", zap.String("client_id", clientID), zap.Error(err))
	}
	response.OK(c, gin.H{"client_id": clientID, "closed": n})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var capErr *admission.CapacityError
	switch {
	case errors.As(err, &capErr) && capErr.Reason == admission.ReasonDraining:
		response.RetryLater(c, response.CodeWorkerDraining, "worker shutting down, try again", capErr.RetryAfterSeconds())
	case errors.As(err, &capErr):
		response.CapacityExceeded(c, "server at capacity, try again later", capErr.RetryAfterSeconds())
	case errors.Is(err, ErrInvalidInput):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "session not found, please reconnect")
	case errors.Is(err, ErrDuplicateSession):
		response.Conflict(c, response.CodeDuplicateSession, "session already exists")
	case errors.Is(err, ErrDuplicateParticipant):
		response.Conflict(c, response.CodeDuplicateParticipant, err.Error())
	case errors.Is(err, ErrSessionFull):
		response.Conflict(c, response.CodeSessionFull, "session is full")
	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Warn("session store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServiceUnavailable(c, response.CodeStoreUnavailable, "session store unavailable, try again")
	default:
		h.logger.Error("session request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
