package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/service"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/response"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/storage"
)

const headerSessionID = "X-Session-ID"

// SignalingRequest is the client's offer.
type SignalingRequest struct {
	Type string `json:"type" binding:"required"`
	SDP  string `json:"sdp" binding:"required"`
}

// AddClipRequest asks for a clip to be appended to the timeline.
type AddClipRequest struct {
	URI string `json:"uri" binding:"required"`
}

// Handler handles HTTP requests for the broadcast service.
type Handler struct {
	broadcastService service.BroadcastService
	ids              idgen.Generator
}

// NewHandler creates a new HTTP handler. ids validates session ids in paths;
// it may be nil.
func NewHandler(broadcastService service.BroadcastService, ids idgen.Generator) *Handler {
	return &Handler{
		broadcastService: broadcastService,
		ids:              ids,
	}
}

// RegisterRoutes registers all routes. apiMiddleware guards /api/v1 only;
// signaling stays open to viewers.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiMiddleware ...gin.HandlerFunc) {
	r.POST("/signaling", h.Signaling)

	api := r.Group("/api/v1", apiMiddleware...)
	{
		tl := api.Group("/timeline")
		{
			tl.GET("", h.GetTimeline)
			tl.POST("/clips", h.AddClip)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id", h.sessionID, h.GetSession)
			sessions.POST("/:id/play", h.sessionID, h.Play)
			sessions.POST("/:id/pause", h.sessionID, h.Pause)
			sessions.DELETE("/:id", h.sessionID, h.CloseSession)
		}
	}
}

// sessionID rejects malformed ids before they reach the service and records
// the id for the request log.
func (h *Handler) sessionID(c *gin.Context) {
	id := c.Param("id")
	if h.ids != nil {
		if ok, reason := h.ids.Validate(id); !ok {
			l := log.Ctx(c.Request.Context())
			l.Debug().Str(log.FieldSessionID, id).Str("reason", reason).Msg("malformed session id")
			response.NotFound(c, "session not found")
			return
		}
	}
	c.Set(log.FieldSessionID, id)
	c.Next()
}

// Signaling answers a WebRTC offer and starts a session.
func (h *Handler) Signaling(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req SignalingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind signaling request")
		response.BadRequest(c, err.Error())
		return
	}
	if webrtc.NewSDPType(req.Type) != webrtc.SDPTypeOffer {
		response.BadRequest(c, "expected an offer")
		return
	}

	result, err := h.broadcastService.Connect(ctx, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	})
	if err != nil {
		l.Error().Err(err).Msg("failed to connect session")
		response.InternalError(c, "failed to establish session")
		return
	}

	c.Set(log.FieldSessionID, result.SessionID)
	c.Header(headerSessionID, result.SessionID)
	c.Header("Location", "/api/v1/sessions/"+result.SessionID)
	response.Created(c, result.Answer)
}

// GetTimeline returns the shared timeline.
func (h *Handler) GetTimeline(c *gin.Context) {
	clips := h.broadcastService.Timeline()
	response.Success(c, gin.H{"clips": clips, "count": len(clips)})
}

// AddClip enqueues a clip for the shared timeline.
func (h *Handler) AddClip(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req AddClipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.broadcastService.AddClip(ctx, req.URI); err != nil {
		switch {
		case errors.Is(err, service.ErrStorageDisabled):
			response.BadRequest(c, err.Error())
			return
		case errors.Is(err, storage.ErrNotFound):
			response.NotFound(c, "clip not found")
			return
		}
		l.Error().Err(err).Str(log.FieldClipURI, req.URI).Msg("failed to enqueue clip")
		response.ServiceUnavailable(c, "failed to enqueue clip")
		return
	}

	h.audit(c, "add_clip")
	response.Accepted(c, gin.H{"uri": req.URI})
}

// ListSessions lists live sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.broadcastService.ListSessions(c.Request.Context())
	response.Success(c, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession returns one session and its render slot.
func (h *Handler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	id := c.Param("id")

	info, err := h.broadcastService.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		l.Error().Err(err).Str(log.FieldSessionID, id).Msg("failed to get session")
		response.InternalError(c, "failed to get session")
		return
	}

	response.Success(c, info)
}

// Play resumes a session's slot.
func (h *Handler) Play(c *gin.Context) {
	h.control(c, "play", h.broadcastService.Play)
}

// Pause pauses a session's slot.
func (h *Handler) Pause(c *gin.Context) {
	h.control(c, "pause", h.broadcastService.Pause)
}

func (h *Handler) control(c *gin.Context, command string, submit func(ctx context.Context, sessionID string) error) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	id := c.Param("id")

	if err := submit(ctx, id); err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, id).Str(log.FieldCommand, command).Msg("failed to enqueue command")
		response.ServiceUnavailable(c, "failed to enqueue command")
		return
	}

	h.audit(c, command)
	response.Accepted(c, nil)
}

// CloseSession tears a session down.
func (h *Handler) CloseSession(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	id := c.Param("id")

	if err := h.broadcastService.CloseSession(ctx, id); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		// The session is closed even when releasing the transport failed.
		l.Warn().Err(err).Str(log.FieldSessionID, id).Msg("session closed with error")
	}

	h.audit(c, "close")
	response.NoContent(c)
}

// audit records an accepted control action and, with auth enabled, who
// asked for it.
func (h *Handler) audit(c *gin.Context, command string) {
	l := log.Ctx(c.Request.Context())
	ev := l.Info().Str(log.FieldLogType, log.LogTypeAudit).Str(log.FieldCommand, command)
	if id := c.GetString(log.FieldSessionID); id != "" {
		ev = ev.Str(log.FieldSessionID, id)
	}
	if subject := middleware.GetSubject(c); subject != "" {
		ev = ev.Str("subject", subject)
	}
	ev.Msg("control action accepted")
}
