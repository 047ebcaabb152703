package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/middleware"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/webhook"
)

func (s *APIServer) handleListSubscriptions(c *gin.Context) {
	subs, err := s.dispatcher.ListSubscriptions(c.Request.Context(), middleware.GetProjectID(c))
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "total": len(subs)})
}

// handleCreateSubscription registers an endpoint. The signing secret
// appears in this response only.
func (s *APIServer) handleCreateSubscription(c *gin.Context) {
	var req webhook.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	sub, err := s.dispatcher.CreateSubscription(c.Request.Context(), middleware.GetProjectID(c), req)
	if err != nil {
		respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *APIServer) handleUpdateSubscription(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrSubscriptionNotFoundError)
		return
	}

	var req webhook.UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	sub, err := s.dispatcher.UpdateSubscription(c.Request.Context(), middleware.GetProjectID(c), subID, req)
	if err != nil {
		respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *APIServer) handleDeactivateSubscription(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrSubscriptionNotFoundError)
		return
	}

	if err := s.dispatcher.DeactivateSubscription(c.Request.Context(), middleware.GetProjectID(c), subID); err != nil {
		respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// handleListDeliveries lists deliveries, filterable by status. Dead
// deliveries surface here for operator inspection.
func (s *APIServer) handleListDeliveries(c *gin.Context) {
	status := models.DeliveryStatus(c.Query("status"))
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	deliveries, err := s.dispatcher.ListDeliveries(c.Request.Context(), middleware.GetProjectID(c), status, limit)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "total": len(deliveries)})
}

func (s *APIServer) handleGetDelivery(c *gin.Context) {
	deliveryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrDeliveryNotFoundError)
		return
	}

	delivery, err := s.dispatcher.GetDelivery(c.Request.Context(), middleware.GetProjectID(c), deliveryID)
	if err != nil {
		respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, delivery)
}

// handleRetryDelivery is the manual operator retry for dead deliveries
func (s *APIServer) handleRetryDelivery(c *gin.Context) {
	deliveryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrDeliveryNotFoundError)
		return
	}

	// Scope check before the retry touches anything
	if _, err := s.dispatcher.GetDelivery(c.Request.Context(), middleware.GetProjectID(c), deliveryID); err != nil {
		respondWebhookError(c, err)
		return
	}

	if err := s.dispatcher.Retry(c.Request.Context(), deliveryID); err != nil {
		respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending"})
}

func respondWebhookError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		respondError(c, apierrors.ErrSubscriptionNotFoundError)
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		respondError(c, apierrors.ErrDeliveryNotFoundError)
	case errors.Is(err, webhook.ErrDeliveryNotRetryable):
		respondError(c, apierrors.ErrNotRetryableError)
	case errors.Is(err, webhook.ErrInvalidURL), errors.Is(err, webhook.ErrInvalidEventTypes):
		respondError(c, apierrors.NewInvalidRequestError(err.Error()))
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}
