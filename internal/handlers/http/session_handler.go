package http

import (
	"net/http"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/errors"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes the session store read-only.
type SessionHandler struct {
	sessions ports.SessionRepository
}

func NewSessionHandler(sessions ports.SessionRepository) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/sessions", h.ListLive)
	api.GET("/sessions/:id", h.GetSession)
}

func (h *SessionHandler) ListLive(c *gin.Context) {
	sessions, err := h.sessions.ListLive(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if sessions == nil {
		sessions = []*domain.BroadcastSession{}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	session, err := h.sessions.GetByID(c.Request.Context(), domain.SessionID(id))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}
