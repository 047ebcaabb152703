package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meetloop/meetloop/internal/bot"
	"github.com/meetloop/meetloop/internal/driver"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/middleware"
	"github.com/meetloop/meetloop/internal/orchestrator"
)

// handleJoin creates a bot and launches it into a meeting
func (s *APIServer) handleJoin(c *gin.Context) {
	var req orchestrator.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	b, err := s.orchestrator.Join(c.Request.Context(), middleware.GetProjectID(c), req)
	if err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// handleGetBot retrieves a bot by its object id
func (s *APIServer) handleGetBot(c *gin.Context) {
	b, err := s.orchestrator.GetBot(c.Request.Context(), middleware.GetProjectID(c), c.Param("id"))
	if err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// handleLeave asks the driver to pull the bot out of its meeting
func (s *APIServer) handleLeave(c *gin.Context) {
	b, err := s.orchestrator.Leave(c.Request.Context(), middleware.GetProjectID(c), c.Param("id"))
	if err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// handleStartRecording asks the driver to begin recording
func (s *APIServer) handleStartRecording(c *gin.Context) {
	b, err := s.orchestrator.StartRecording(c.Request.Context(), middleware.GetProjectID(c), c.Param("id"))
	if err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// handleHeartbeat records driver liveness for a bot
func (s *APIServer) handleHeartbeat(c *gin.Context) {
	err := s.orchestrator.Heartbeat(c.Request.Context(), middleware.GetProjectID(c), c.Param("id"))
	if err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondBotError maps lifecycle errors onto the API error taxonomy
func respondBotError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBotNotFound):
		respondError(c, apierrors.ErrBotNotFoundError)
	case errors.Is(err, orchestrator.ErrProjectNotFound):
		respondError(c, apierrors.ErrBotNotFoundError)
	case errors.Is(err, orchestrator.ErrInvalidPlatform),
		errors.Is(err, orchestrator.ErrInvalidMeetingURL):
		respondError(c, apierrors.NewInvalidRequestError(err.Error()))
	case errors.Is(err, ledger.ErrInsufficientCredits):
		respondError(c, apierrors.ErrInsufficientCreditsError)
	case errors.Is(err, ledger.ErrOrganizationSuspended):
		respondError(c, apierrors.ErrOrgSuspendedError)
	case errors.Is(err, bot.ErrTerminalState):
		respondError(c, apierrors.ErrTerminalStateError)
	case errors.Is(err, bot.ErrInvalidTransition):
		respondError(c, apierrors.ErrInvalidTransitionError)
	case errors.Is(err, driver.ErrUnavailable):
		respondError(c, apierrors.ErrDriverUnavailableError)
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}
