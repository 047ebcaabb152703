package models

import (
	"time"

	"github.com/google/uuid"
)

// MeetingPlatform represents the meeting platform a bot joins
type MeetingPlatform string

const (
	PlatformZoom       MeetingPlatform = "zoom"
	PlatformGoogleMeet MeetingPlatform = "google_meet"
	PlatformTeams      MeetingPlatform = "teams"
	PlatformWeb        MeetingPlatform = "web"
)

// ValidPlatform reports whether p is a known meeting platform
func ValidPlatform(p MeetingPlatform) bool {
	switch p {
	case PlatformZoom, PlatformGoogleMeet, PlatformTeams, PlatformWeb:
		return true
	}
	return false
}

// BotState represents the lifecycle state of a bot
type BotState string

const (
	BotStateCreated   BotState = "created"
	BotStateStarting  BotState = "starting"
	BotStateJoining   BotState = "joining"
	BotStateInMeeting BotState = "in_meeting"
	BotStateRecording BotState = "recording"
	BotStateLeaving   BotState = "leaving"
	BotStateEnded     BotState = "ended"
	BotStateError     BotState = "error"
)

// Terminal reports whether s accepts no further transitions
func (s BotState) Terminal() bool {
	return s == BotStateEnded || s == BotStateError
}

// Bot represents a single meeting-attendance bot. State is mutated only
// through the lifecycle state machine, one writer per bot id.
type Bot struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	ObjectID    string          `json:"object_id" db:"object_id"`
	ProjectID   uuid.UUID       `json:"project_id" db:"project_id"`
	Platform    MeetingPlatform `json:"platform" db:"platform"`
	MeetingURL  string          `json:"meeting_url" db:"meeting_url"`
	State       BotState        `json:"state" db:"state"`
	ErrorReason *string         `json:"error_reason,omitempty" db:"error_reason"`
	HeartbeatAt time.Time       `json:"heartbeat_at" db:"heartbeat_at"`
	Metadata    map[string]any  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
