package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meetloop/meetloop/internal/models"
)

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// The ledger owns organization rows: signup, soft status transitions and
// balance mutations all go through here. Organizations are never hard
// deleted.

// CreateOrganization registers a new tenant with the signup credit grant.
// Also creates a default project so API keys and bots have a scope.
func (s *Service) CreateOrganization(ctx context.Context, name string, signupGrant int64) (*models.Organization, *models.Project, error) {
	org := &models.Organization{
		ID:              uuid.New(),
		Name:            name,
		Status:          models.OrganizationStatusActive,
		Centicredits:    signupGrant,
		WebhooksEnabled: true,
	}
	project := &models.Project{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Name:           "Default",
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO organizations (id, name, status, centicredits, webhooks_enabled)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, org.ID, org.Name, org.Status, org.Centicredits, org.WebhooksEnabled).
			Scan(&org.CreatedAt, &org.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO projects (id, organization_id, name)
			VALUES ($1, $2, $3)
			RETURNING created_at
		`, project.ID, project.OrganizationID, project.Name).Scan(&project.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create default project: %w", err)
		}

		if signupGrant > 0 {
			return appendEntry(ctx, tx, org.ID, nil, signupGrant, signupGrant, models.CreditReasonSignup)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return org, project, nil
}

// CreateProject adds a project to an existing organization
func (s *Service) CreateProject(ctx context.Context, orgID uuid.UUID, name string) (*models.Project, error) {
	project := &models.Project{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           name,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO projects (id, organization_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, project.ID, project.OrganizationID, project.Name).Scan(&project.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// GetOrganization retrieves an organization by id
func (s *Service) GetOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRow(ctx, `
		SELECT id, name, status, centicredits, webhooks_enabled, created_at, updated_at
		FROM organizations WHERE id = $1
	`, orgID).Scan(
		&org.ID, &org.Name, &org.Status, &org.Centicredits,
		&org.WebhooksEnabled, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// SetStatus applies an administrative status transition (suspend, activate,
// deactivate). Bots already running are unaffected; new reservations are
// refused while the organization is not active.
func (s *Service) SetStatus(ctx context.Context, orgID uuid.UUID, status models.OrganizationStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE organizations SET status = $1, updated_at = now() WHERE id = $2
	`, status, orgID)
	if err != nil {
		return fmt.Errorf("failed to update organization status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// SetWebhooksEnabled toggles webhook delivery for an organization
func (s *Service) SetWebhooksEnabled(ctx context.Context, orgID uuid.UUID, enabled bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE organizations SET webhooks_enabled = $1, updated_at = now() WHERE id = $2
	`, enabled, orgID)
	if err != nil {
		return fmt.Errorf("failed to update webhooks flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}
