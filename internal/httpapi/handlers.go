package httpapi

import (
	"net/http"
	"time"

	"chatcall/internal/auth"
	"chatcall/internal/calls"
	"chatcall/internal/controller"
	"chatcall/internal/session"
	"chatcall/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the user's controller, return JSON.
type Handlers struct {
	Auth   *auth.Manager
	Calls  *controller.Registry
	Groups signaling.GroupStore
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a JWT token pair.
//
// NOTE: demo-only endpoint. Identity comes from the chat app's own sign-in in real deployments.
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
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

// stateView is the wire form of a Snapshot.
type stateView struct {
	session.Snapshot
	Error string `json:"error,omitempty"`
}

func viewOf(s session.Snapshot) stateView {
	v := stateView{Snapshot: s}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// controllerFor resolves the authenticated user's controller, aborting the request on failure.
func (h Handlers) controllerFor(c *gin.Context) (*controller.Controller, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return nil, false
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortWithError(c, calls.ErrUnauthenticated)
		return nil, false
	}
	ctrl, err := h.Calls.Get(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return ctrl, true
}

func (h Handlers) GetCallState(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(ctrl.State()))
}

type startCallRequest struct {
	PartnerID string `json:"partner_id"`
	CallType  string `json:"call_type"`
}

func (h Handlers) StartCall(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CallType == "" {
		req.CallType = string(calls.CallTypeAudio)
	}
	callType, err := calls.ParseCallType(req.CallType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	snap, err := ctrl.StartOutgoingCall(c.Request.Context(), req.PartnerID, callType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(snap))
}

func (h Handlers) AcceptCall(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	if err := ctrl.AcceptIncoming(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(ctrl.State()))
}

func (h Handlers) RejectCall(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	ctrl.RejectIncoming(c.Request.Context())
	c.JSON(http.StatusOK, viewOf(ctrl.State()))
}

func (h Handlers) Hangup(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	ctrl.Hangup(c.Request.Context())
	c.JSON(http.StatusOK, viewOf(ctrl.State()))
}

func (h Handlers) ToggleMic(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	muted := ctrl.ToggleMic()
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

type speakerRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h Handlers) SetSpeaker(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	var req speakerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "enabled required"})
		return
	}
	ctrl.SetSpeaker(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"speaker": *req.Enabled})
}

// --- Presence ---

// EnterChat marks the partner's chat as the one on screen.
func (h Handlers) EnterChat(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	partnerID := c.Param("partner_id")
	if partnerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "partner_id required"})
		return
	}
	ctrl.Presence().Enter(partnerID)
	c.Status(http.StatusNoContent)
}

func (h Handlers) LeaveChat(c *gin.Context) {
	ctrl, ok := h.controllerFor(c)
	if !ok {
		return
	}
	ctrl.Presence().Clear()
	c.Status(http.StatusNoContent)
}

// --- Group calls ---

type groupCallRequest struct {
	CallType string `json:"call_type"`
}

// StartGroupCall raises a room's call flag. Group media is not negotiated here.
func (h Handlers) StartGroupCall(c *gin.Context) {
	if h.Groups == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "group calls not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortWithError(c, calls.ErrUnauthenticated)
		return
	}
	var req groupCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	callType, err := calls.ParseCallType(req.CallType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.Groups.StartGroupCall(c.Request.Context(), c.Param("room_id"), callType, userID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) EndGroupCall(c *gin.Context) {
	if h.Groups == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "group calls not configured"})
		return
	}
	if err := h.Groups.EndGroupCall(c.Request.Context(), c.Param("room_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
