// Package bot implements the bot lifecycle state machine as a pure
// transition table. Persistence and credit side effects live in the
// orchestrator; this package only answers "is this move legal" and
// "which event does entering this state emit".
package bot

import (
	"errors"

	"github.com/meetloop/meetloop/internal/models"
)

var (
	// ErrInvalidTransition is returned when the requested move is not an
	// edge of the lifecycle graph. State is left unchanged by callers.
	ErrInvalidTransition = errors.New("invalid bot state transition")
	// ErrTerminalState is returned for any transition request against a
	// bot already in ended or error.
	ErrTerminalState = errors.New("bot is in a terminal state")
)

// transitions is the full lifecycle graph. Anything absent here is illegal.
var transitions = map[models.BotState][]models.BotState{
	models.BotStateCreated:   {models.BotStateStarting},
	models.BotStateStarting:  {models.BotStateJoining},
	models.BotStateJoining:   {models.BotStateInMeeting, models.BotStateError},
	models.BotStateInMeeting: {models.BotStateRecording, models.BotStateLeaving, models.BotStateError},
	models.BotStateRecording: {models.BotStateLeaving, models.BotStateError},
	models.BotStateLeaving:   {models.BotStateEnded, models.BotStateError},
}

// Next validates a transition from one state to another. A nil return means
// the move is an edge of the lifecycle graph.
func Next(from, to models.BotState) error {
	if from.Terminal() {
		return ErrTerminalState
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// CanTransition reports whether the move from -> to is legal
func CanTransition(from, to models.BotState) bool {
	return Next(from, to) == nil
}

// EventFor maps each entered state to the single domain event it emits.
// Created emits nothing: a bot only becomes observable once it starts.
func EventFor(entered models.BotState) (models.EventType, bool) {
	switch entered {
	case models.BotStateStarting:
		return models.EventBotStarting, true
	case models.BotStateJoining:
		return models.EventBotJoining, true
	case models.BotStateInMeeting:
		return models.EventBotInMeeting, true
	case models.BotStateRecording:
		return models.EventBotRecording, true
	case models.BotStateLeaving:
		return models.EventBotLeaving, true
	case models.BotStateEnded:
		return models.EventBotEnded, true
	case models.BotStateError:
		return models.EventBotError, true
	}
	return "", false
}

// States lists every lifecycle state, for validation and tests
func States() []models.BotState {
	return []models.BotState{
		models.BotStateCreated,
		models.BotStateStarting,
		models.BotStateJoining,
		models.BotStateInMeeting,
		models.BotStateRecording,
		models.BotStateLeaving,
		models.BotStateEnded,
		models.BotStateError,
	}
}
