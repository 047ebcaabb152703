package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents a domain event delivered over webhooks
type EventType string

const (
	EventBotStarting  EventType = "bot.starting"
	EventBotJoining   EventType = "bot.joining"
	EventBotInMeeting EventType = "bot.in_meeting"
	EventBotRecording EventType = "bot.recording"
	EventBotLeaving   EventType = "bot.leaving"
	EventBotEnded     EventType = "bot.ended"
	EventBotError     EventType = "bot.error"
)

// AllEventTypes lists every event a subscription may subscribe to
var AllEventTypes = []EventType{
	EventBotStarting,
	EventBotJoining,
	EventBotInMeeting,
	EventBotRecording,
	EventBotLeaving,
	EventBotEnded,
	EventBotError,
}

// ValidEventType reports whether t is a known event type
func ValidEventType(t EventType) bool {
	for _, e := range AllEventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookSubscription represents a subscriber endpoint for domain events
type WebhookSubscription struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	ProjectID  uuid.UUID   `json:"project_id" db:"project_id"`
	URL        string      `json:"url" db:"url"`
	EventTypes []EventType `json:"event_types" db:"event_types"`
	Secret     string      `json:"-" db:"secret"`
	IsActive   bool        `json:"is_active" db:"is_active"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// SubscribedTo reports whether the subscription is active for the event type
func (s *WebhookSubscription) SubscribedTo(t EventType) bool {
	if !s.IsActive {
		return false
	}
	for _, e := range s.EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// DeliveryStatus represents the delivery state of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusInFlight DeliveryStatus = "in_flight"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusDead     DeliveryStatus = "dead"
)

// Terminal reports whether the delivery will see no further attempts
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusDead
}

// WebhookDelivery represents one event delivery to one subscription. The
// payload is immutable once enqueued; only the dispatcher mutates the rest.
type WebhookDelivery struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	ObjectID         string          `json:"object_id" db:"object_id"`
	SubscriptionID   uuid.UUID       `json:"subscription_id" db:"subscription_id"`
	EventType        EventType       `json:"event_type" db:"event_type"`
	Payload          json.RawMessage `json:"payload" db:"payload"`
	Status           DeliveryStatus  `json:"status" db:"status"`
	AttemptCount     int             `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt    time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	LastStatusCode   *int            `json:"last_status_code,omitempty" db:"last_status_code"`
	LastResponseBody *string         `json:"last_response_body,omitempty" db:"last_response_body"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
