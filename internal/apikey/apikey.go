// Package apikey manages project-scoped API keys. Raw keys are shown once
// at creation; only the sha256 digest is stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meetloop/meetloop/internal/models"
)

var (
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrAPIKeyRevoked  = errors.New("API key has been revoked")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrMaxKeysReached = errors.New("maximum number of API keys reached")
)

// MaxKeysPerProject bounds active keys per project
const MaxKeysPerProject = 10

const keyPrefix = "ml_"

// Service handles API key operations
type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// CreateResponse carries the raw key, returned only at creation time
type CreateResponse struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Create issues a new key for a project
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, name string) (*CreateResponse, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_keys
		WHERE project_id = $1 AND revoked_at IS NULL
	`, projectID).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count API keys: %w", err)
	}
	if count >= MaxKeysPerProject {
		return nil, ErrMaxKeysReached
	}

	rawKey, keyHash, prefix, err := generateKey()
	if err != nil {
		return nil, err
	}

	var namePtr *string
	if name != "" {
		namePtr = &name
	}

	resp := &CreateResponse{
		ID:        uuid.New(),
		Key:       rawKey,
		KeyPrefix: prefix,
		Name:      namePtr,
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO api_keys (id, project_id, key_hash, key_prefix, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, resp.ID, projectID, keyHash, prefix, namePtr).Scan(&resp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}
	return resp, nil
}

// Validate resolves a raw key to its record. Revoked and unknown keys are
// indistinguishable to the caller of the HTTP layer; the distinct errors
// exist for logging.
func (s *Service) Validate(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if len(rawKey) < 10 || rawKey[:len(keyPrefix)] != keyPrefix {
		return nil, ErrInvalidAPIKey
	}

	var key models.APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, project_id, key_hash, key_prefix, name, revoked_at, created_at
		FROM api_keys WHERE key_hash = $1
	`, hashKey(rawKey)).Scan(
		&key.ID, &key.ProjectID, &key.KeyHash, &key.KeyPrefix,
		&key.Name, &key.RevokedAt, &key.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to validate API key: %w", err)
	}
	if key.Revoked() {
		return nil, ErrAPIKeyRevoked
	}
	return &key, nil
}

// Revoke soft-deletes a key
func (s *Service) Revoke(ctx context.Context, projectID, keyID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL
	`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// List returns a project's keys, raw keys excluded
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]models.APIKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, key_hash, key_prefix, name, revoked_at, created_at
		FROM api_keys
		WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var key models.APIKey
		err := rows.Scan(
			&key.ID, &key.ProjectID, &key.KeyHash, &key.KeyPrefix,
			&key.Name, &key.RevokedAt, &key.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func generateKey() (raw, hash, prefix string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	raw = keyPrefix + hex.EncodeToString(randomBytes)
	return raw, hashKey(raw), raw[:10], nil
}

func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
