package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/middleware"
)

// Driver callback handlers. The bot id comes from the verified callback
// token, never from the path alone; DriverAuth already checked the two
// agree.

func (s *APIServer) handleDriverLaunched(c *gin.Context) {
	if err := s.orchestrator.ReportLaunched(c.Request.Context(), middleware.GetDriverBotID(c)); err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *APIServer) handleDriverJoined(c *gin.Context) {
	if err := s.orchestrator.ReportJoined(c.Request.Context(), middleware.GetDriverBotID(c)); err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type driverLeftRequest struct {
	ElapsedSeconds int64 `json:"elapsed_seconds" binding:"min=0"`
}

func (s *APIServer) handleDriverLeft(c *gin.Context) {
	var req driverLeftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	elapsed := time.Duration(req.ElapsedSeconds) * time.Second
	if err := s.orchestrator.ReportLeft(c.Request.Context(), middleware.GetDriverBotID(c), elapsed); err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type driverErrorRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *APIServer) handleDriverError(c *gin.Context) {
	var req driverErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.orchestrator.ReportError(c.Request.Context(), middleware.GetDriverBotID(c), req.Reason); err != nil {
		respondBotError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
