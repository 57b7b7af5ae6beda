package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"voicelink/internal/auth"
	"voicelink/internal/call"
	"voicelink/internal/history"
	"voicelink/internal/rbac"

	"github.com/gin-gonic/gin"
)

var ErrHubClosed = errors.New("httpapi: hub is shut down")

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Hub     *Hub
	History *history.Service
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type initiateRequest struct {
	ConversationID string `json:"conversation_id"`
	CallerName     string `json:"caller_name,omitempty"`
}

// Initiate starts an outbound call from the caller's endpoint.
// Returns 409 while the endpoint is busy, 429 at the workspace call cap.
func (h Handlers) Initiate(c *gin.Context) {
	ep, ok := h.endpoint(c)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ConversationID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversation_id required"})
		return
	}

	release, admitted, err := h.Hub.AcquireCallSlot(c.Request.Context(), ep.WorkspaceID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call admission failed"})
		return
	}
	if !admitted {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "workspace call limit reached"})
		return
	}

	if err := ep.Coordinator().Initiate(c.Request.Context(), req.ConversationID, req.CallerName); err != nil {
		release()
		if errors.Is(err, call.ErrNotIdle) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already in progress"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep.SetReleaseCap(release)
	c.JSON(http.StatusAccepted, ep.Snapshot())
}

// Answer accepts the ringing session.
func (h Handlers) Answer(c *gin.Context) {
	ep, ok := h.endpoint(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	sess, ok := ep.PendingOffer(sid)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no ringing call with that session id"})
		return
	}
	if err := ep.Coordinator().Answer(c.Request.Context(), sess); err != nil {
		if errors.Is(err, call.ErrNotIdle) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "endpoint busy"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ep.Snapshot())
}

// Reject declines a ringing session without standing up any transport.
func (h Handlers) Reject(c *gin.Context) {
	ep, ok := h.endpoint(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	if err := ep.Coordinator().Reject(c.Request.Context(), sid); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ep.Snapshot())
}

// End hangs up the active call. A no-op on an idle endpoint.
func (h Handlers) End(c *gin.Context) {
	ep, ok := h.endpoint(c)
	if !ok {
		return
	}
	if err := ep.Coordinator().End(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ep.Snapshot())
}

// State returns the endpoint snapshot for polling clients.
func (h Handlers) State(c *gin.Context) {
	ep, ok := h.endpoint(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ep.Snapshot())
}

// ListHistory returns the workspace's recent terminal calls.
func (h Handlers) ListHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recs, err := h.History.ListByWorkspace(c.Request.Context(), workspaceID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

// endpoint resolves the caller's endpoint from the authenticated identity.
func (h Handlers) endpoint(c *gin.Context) (*Endpoint, bool) {
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "hub not configured"})
		return nil, false
	}
	ctx := c.Request.Context()
	workspaceID, err := auth.WorkspaceID(ctx)
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return nil, false
	}
	userID, err := auth.UserID(ctx)
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return nil, false
	}
	role, _ := auth.Role(ctx)

	ep, err := h.Hub.Endpoint(workspaceID, userID, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "endpoint unavailable"})
		return nil, false
	}
	return ep, true
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
