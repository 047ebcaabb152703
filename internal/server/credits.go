package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	apierrors "github.com/meetloop/meetloop/internal/errors"
	"github.com/meetloop/meetloop/internal/middleware"
)

// handleGetBalance reports the organization's balance, open holds and
// available headroom
func (s *APIServer) handleGetBalance(c *gin.Context) {
	orgID, err := s.orgForProject(c.Request.Context(), middleware.GetProjectID(c))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	summary, err := s.ledger.Balance(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleCreditHistory returns the append-only audit trail, newest first
func (s *APIServer) handleCreditHistory(c *gin.Context) {
	orgID, err := s.orgForProject(c.Request.Context(), middleware.GetProjectID(c))
	if err != nil {
		respondError(c, apierrors.ErrOrganizationNotFoundError)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	entries, err := s.ledger.History(c.Request.Context(), orgID, limit)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

func (s *APIServer) orgForProject(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT organization_id FROM projects WHERE id = $1`, projectID).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("project %s has no organization", projectID)
		}
		return uuid.Nil, err
	}
	return orgID, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("value must be positive")
	}
	return n, nil
}
