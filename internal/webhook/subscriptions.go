package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/meetloop/meetloop/internal/models"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrInvalidURL           = errors.New("subscription URL must be http or https")
	ErrInvalidEventTypes    = errors.New("subscription must name at least one known event type")
)

// CreateSubscriptionRequest is the input for registering a subscriber endpoint
type CreateSubscriptionRequest struct {
	URL        string             `json:"url"`
	EventTypes []models.EventType `json:"event_types"`
}

// CreateSubscription registers a subscriber endpoint for a project. The
// signing secret is generated here and returned once inside the model.
func (d *Dispatcher) CreateSubscription(ctx context.Context, projectID uuid.UUID, req CreateSubscriptionRequest) (*models.WebhookSubscription, error) {
	if err := validateSubscription(req.URL, req.EventTypes); err != nil {
		return nil, err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	sub := &models.WebhookSubscription{
		ID:         uuid.New(),
		ProjectID:  projectID,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Secret:     secret,
		IsActive:   true,
	}

	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event types: %w", err)
	}

	err = d.db.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, project_id, url, event_types, secret, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, sub.ID, sub.ProjectID, sub.URL, eventTypes, sub.Secret, sub.IsActive).Scan(&sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionRequest is the input for editing a subscription.
// Nil fields are left unchanged.
type UpdateSubscriptionRequest struct {
	URL        *string             `json:"url,omitempty"`
	EventTypes *[]models.EventType `json:"event_types,omitempty"`
	IsActive   *bool               `json:"is_active,omitempty"`
}

// UpdateSubscription edits URL, event set or active flag of a subscription
func (d *Dispatcher) UpdateSubscription(ctx context.Context, projectID, subID uuid.UUID, req UpdateSubscriptionRequest) (*models.WebhookSubscription, error) {
	sub, err := d.GetSubscription(ctx, projectID, subID)
	if err != nil {
		return nil, err
	}

	if req.URL != nil {
		sub.URL = *req.URL
	}
	if req.EventTypes != nil {
		sub.EventTypes = *req.EventTypes
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if err := validateSubscription(sub.URL, sub.EventTypes); err != nil {
		return nil, err
	}

	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event types: %w", err)
	}

	tag, err := d.db.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET url = $1, event_types = $2, is_active = $3
		WHERE id = $4 AND project_id = $5
	`, sub.URL, eventTypes, sub.IsActive, subID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// DeactivateSubscription turns a subscription off. Existing deliveries keep
// retrying; no new deliveries are created for it.
func (d *Dispatcher) DeactivateSubscription(ctx context.Context, projectID, subID uuid.UUID) error {
	tag, err := d.db.Exec(ctx, `
		UPDATE webhook_subscriptions SET is_active = false WHERE id = $1 AND project_id = $2
	`, subID, projectID)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GetSubscription retrieves one subscription scoped to a project
func (d *Dispatcher) GetSubscription(ctx context.Context, projectID, subID uuid.UUID) (*models.WebhookSubscription, error) {
	row := d.db.QueryRow(ctx, `
		SELECT id, project_id, url, event_types, secret, is_active, created_at
		FROM webhook_subscriptions
		WHERE id = $1 AND project_id = $2
	`, subID, projectID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListSubscriptions lists all subscriptions of a project
func (d *Dispatcher) ListSubscriptions(ctx context.Context, projectID uuid.UUID) ([]models.WebhookSubscription, error) {
	rows, err := d.db.Query(ctx, `
		SELECT id, project_id, url, event_types, secret, is_active, created_at
		FROM webhook_subscriptions
		WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var eventTypes []byte
	err := row.Scan(&sub.ID, &sub.ProjectID, &sub.URL, &eventTypes,
		&sub.Secret, &sub.IsActive, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if err := json.Unmarshal(eventTypes, &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to decode event types: %w", err)
	}
	return &sub, nil
}

func validateSubscription(rawURL string, eventTypes []models.EventType) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	if len(eventTypes) == 0 {
		return ErrInvalidEventTypes
	}
	for _, t := range eventTypes {
		if !models.ValidEventType(t) {
			return ErrInvalidEventTypes
		}
	}
	return nil
}
