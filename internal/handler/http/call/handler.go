package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callrelay-backend/internal/repository/cassandra"
	"callrelay-backend/internal/service/call"
	"callrelay-backend/pkg/response"
)

// Handler serves the read-only call history surface. Call lifecycle
// changes go over the signaling WebSocket, not REST.
type Handler struct {
	callService *call.Service
	signalLog   *cassandra.SignalLogRepository
}

// NewHandler creates a new call handler. signalLog may be nil when the
// audit trail is not deployed.
func NewHandler(callService *call.Service, signalLog *cassandra.SignalLogRepository) *Handler {
	return &Handler{
		callService: callService,
		signalLog:   signalLog,
	}
}

// GetCall returns one call session
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	session, err := h.callService.GetSession(c.Request.Context(), callID, userID, isAdmin(c))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// ListCalls returns the authenticated user's call history, newest first
// GET /v1/calls?limit=20&offset=0
func (h *Handler) ListCalls(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	calls, err := h.callService.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// GetCallEvents returns the signaling audit trail of a call, admin only
// GET /v1/calls/:id/events
func (h *Handler) GetCallEvents(c *gin.Context) {
	if !isAdmin(c) {
		response.Forbidden(c, "Admin access required")
		return
	}
	if h.signalLog == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Audit trail is not available")
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := h.signalLog.ListForCall(callID, limit)
	if err != nil {
		response.InternalError(c, "Failed to load call events")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"events": entries})
}

// currentUser pulls the authenticated user out of the gin context, writing
// the error response itself when identity is missing.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func isAdmin(c *gin.Context) bool {
	role, exists := c.Get("role")
	return exists && role == "admin"
}
