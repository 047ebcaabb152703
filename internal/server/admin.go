package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/meetloop/meetloop/internal/apikey"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/models"
)

type createOrganizationRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleCreateOrganization is the signup path: a new organization with a
// default project and the configured signup grant
func (s *APIServer) handleCreateOrganization(c *gin.Context) {
	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	org, project, err := s.ledger.CreateOrganization(c.Request.Context(), req.Name, s.config.Billing.SignupGrant)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization": org, "project": project})
}

func (s *APIServer) handleGetOrganization(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	org, err := s.ledger.GetOrganization(c.Request.Context(), orgID)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	summary, err := s.ledger.Balance(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": org, "credits": summary})
}

type adjustCreditsRequest struct {
	Amount    int64  `json:"amount_centicredits" binding:"required"`
	Operation string `json:"operation" binding:"required,oneof=add deduct"`
	Reason    string `json:"reason"`
}

// handleAdjustCredits is the admin top-up / deduction path
func (s *APIServer) handleAdjustCredits(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	op := ledger.AdjustOperation(req.Operation)
	reason := req.Reason
	if reason == "" {
		if op == ledger.AdjustOperationAdd {
			reason = models.CreditReasonTopUp
		} else {
			reason = models.CreditReasonDeduct
		}
	}

	balance, err := s.ledger.AdjustBalance(c.Request.Context(), orgID, req.Amount, op, reason)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_centicredits": balance})
}

func (s *APIServer) handleSuspendOrganization(c *gin.Context) {
	s.setOrganizationStatus(c, models.OrganizationStatusSuspended)
}

func (s *APIServer) handleActivateOrganization(c *gin.Context) {
	s.setOrganizationStatus(c, models.OrganizationStatusActive)
}

func (s *APIServer) setOrganizationStatus(c *gin.Context, status models.OrganizationStatus) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	if err := s.ledger.SetStatus(c.Request.Context(), orgID, status); err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

type setWebhooksEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *APIServer) handleSetWebhooksEnabled(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	var req setWebhooksEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.ledger.SetWebhooksEnabled(c.Request.Context(), orgID, *req.Enabled); err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks_enabled": *req.Enabled})
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *APIServer) handleCreateProject(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	project, err := s.ledger.CreateProject(c.Request.Context(), orgID, req.Name)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (s *APIServer) handleCreateAPIKey(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("invalid project id"))
		return
	}

	// Body is optional; an absent name is fine
	var req createAPIKeyRequest
	_ = c.ShouldBindJSON(&req)

	resp, err := s.apiKeys.Create(c.Request.Context(), projectID, req.Name)
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handleListAPIKeys(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("invalid project id"))
		return
	}

	keys, err := s.apiKeys.List(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "total": len(keys)})
}

func (s *APIServer) handleRevokeAPIKey(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("invalid project id"))
		return
	}
	keyID, err := uuid.Parse(c.Param("key_id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("invalid key id"))
		return
	}

	if err := s.apiKeys.Revoke(c.Request.Context(), projectID, keyID); err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func respondAdminError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrganizationNotFound):
		respondError(c, apierrors.ErrOrganizationNotFoundError)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		respondError(c, apierrors.ErrInsufficientCreditsError)
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(c, apierrors.NewInvalidRequestError(err.Error()))
	case errors.Is(err, apikey.ErrAPIKeyNotFound):
		respondError(c, apierrors.NewInvalidRequestError("API key not found"))
	case errors.Is(err, apikey.ErrMaxKeysReached):
		respondError(c, apierrors.NewInvalidRequestError(err.Error()))
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}
