// Package driver is the boundary to the external meeting driver: the
// process that actually joins, records and leaves meetings. The core only
// asks for actions; completion and failure arrive asynchronously on the
// driver callback endpoints.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/monitoring"
)

// ErrUnavailable is returned when the driver cannot be reached or refuses
// the request. Callers must not mutate bot state on this error so the
// request stays safely retryable.
var ErrUnavailable = errors.New("meeting driver unavailable")

// JoinRequest is sent to the driver to launch a bot into a meeting
type JoinRequest struct {
	BotID         uuid.UUID              `json:"bot_id"`
	Platform      models.MeetingPlatform `json:"platform"`
	MeetingURL    string                 `json:"meeting_url"`
	CallbackToken string                 `json:"callback_token"`
}

// Client requests meeting actions from the driver
type Client interface {
	RequestJoin(ctx context.Context, req JoinRequest) error
	RequestLeave(ctx context.Context, botID uuid.UUID) error
	RequestRecordingStart(ctx context.Context, botID uuid.UUID) error
}

// HTTPClient talks to the driver over HTTP
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a driver client from configuration
func NewHTTPClient(cfg *config.DriverConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// RequestJoin asks the driver to launch a bot into a meeting
func (c *HTTPClient) RequestJoin(ctx context.Context, req JoinRequest) error {
	return c.post(ctx, "join", fmt.Sprintf("/v1/bots/%s/join", req.BotID), req)
}

// RequestLeave asks the driver to leave a meeting
func (c *HTTPClient) RequestLeave(ctx context.Context, botID uuid.UUID) error {
	return c.post(ctx, "leave", fmt.Sprintf("/v1/bots/%s/leave", botID), nil)
}

// RequestRecordingStart asks the driver to start recording
func (c *HTTPClient) RequestRecordingStart(ctx context.Context, botID uuid.UUID) error {
	return c.post(ctx, "recording_start", fmt.Sprintf("/v1/bots/%s/recording/start", botID), nil)
}

func (c *HTTPClient) post(ctx context.Context, action, path string, body any) error {
	m := monitoring.Get()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode driver request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build driver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		m.DriverRequestsTotal.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.DriverRequestsTotal.WithLabelValues(action, "rejected").Inc()
		return fmt.Errorf("%w: driver returned %d", ErrUnavailable, resp.StatusCode)
	}

	m.DriverRequestsTotal.WithLabelValues(action, "success").Inc()
	return nil
}
