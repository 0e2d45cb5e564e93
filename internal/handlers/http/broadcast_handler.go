package http

import (
	"context"
	"net/http"

	"meshcast/internal/core/domain"
	"meshcast/pkg/errors"
	"meshcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BroadcastController is the part of the broadcaster the control API drives.
type BroadcastController interface {
	Start(ctx context.Context, opts domain.SessionOptions) (*domain.BroadcastSession, error)
	End(ctx context.Context) (*domain.BroadcastSession, error)
	ChangeQuality(ctx context.Context, tier domain.QualityTier) (*domain.BroadcastSession, error)
	Session() *domain.BroadcastSession
	Viewers() []domain.ViewerConnection
	Stats() domain.SessionStats
}

type BroadcastHandler struct {
	controller BroadcastController
	logger     *zap.SugaredLogger
}

func NewBroadcastHandler(controller BroadcastController, logger *zap.SugaredLogger) *BroadcastHandler {
	return &BroadcastHandler{
		controller: controller,
		logger:     logger,
	}
}

func (h *BroadcastHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/broadcast", h.StartBroadcast)
	api.DELETE("/broadcast", h.EndBroadcast)
	api.PUT("/broadcast/quality", h.ChangeQuality)
	api.GET("/broadcast", h.GetBroadcast)
	api.GET("/broadcast/viewers", h.ListViewers)
}

type StartBroadcastRequest struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Quality     string   `json:"quality"`
	Record      bool     `json:"record"`
}

func (h *BroadcastHandler) StartBroadcast(c *gin.Context) {
	var req StartBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validateStart(req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	wasActive := isActive(h.controller.Stats().State)

	session, err := h.controller.Start(c.Request.Context(), domain.SessionOptions{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		QualityTier: domain.QualityTier(req.Quality),
		Record:      req.Record,
	})
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if wasActive {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"session": session,
	})
}

func (h *BroadcastHandler) EndBroadcast(c *gin.Context) {
	session, err := h.controller.End(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if session == nil {
		c.Error(errors.NewNotFoundError("session"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

type ChangeQualityRequest struct {
	Quality string `json:"quality" binding:"required"`
}

func (h *BroadcastHandler) ChangeQuality(c *gin.Context) {
	var req ChangeQualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateQuality(req.Quality); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	session, err := h.controller.ChangeQuality(c.Request.Context(), domain.QualityTier(req.Quality))
	if err != nil {
		c.Error(err)
		return
	}

	h.logger.Infow("quality changed via API",
		"session_id", session.ID,
		"quality", session.QualityTier,
	)
	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

func (h *BroadcastHandler) GetBroadcast(c *gin.Context) {
	stats := h.controller.Stats()
	c.JSON(http.StatusOK, gin.H{
		"state":   stats.State,
		"session": h.controller.Session(),
		"stats":   stats,
	})
}

func (h *BroadcastHandler) ListViewers(c *gin.Context) {
	viewers := h.controller.Viewers()
	if viewers == nil {
		viewers = []domain.ViewerConnection{}
	}
	c.JSON(http.StatusOK, gin.H{
		"viewers": viewers,
		"count":   len(viewers),
	})
}

func validateStart(req StartBroadcastRequest) error {
	if err := validation.ValidateTitle(req.Title); err != nil {
		return err
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return err
	}
	if req.Quality != "" {
		return validation.ValidateQuality(req.Quality)
	}
	return nil
}

func isActive(state string) bool {
	return state == domain.StateLive.String() || state == domain.StateInitializing.String()
}
