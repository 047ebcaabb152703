package bot

import (
	"testing"

	"github.com/meetloop/meetloop/internal/models"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// legalEdges mirrors the lifecycle graph in the orchestrator design docs.
// Kept as an independent list so a typo in the table under test cannot
// silently validate itself.
var legalEdges = [][2]models.BotState{
	{models.BotStateCreated, models.BotStateStarting},
	{models.BotStateStarting, models.BotStateJoining},
	{models.BotStateJoining, models.BotStateInMeeting},
	{models.BotStateJoining, models.BotStateError},
	{models.BotStateInMeeting, models.BotStateRecording},
	{models.BotStateInMeeting, models.BotStateLeaving},
	{models.BotStateInMeeting, models.BotStateError},
	{models.BotStateRecording, models.BotStateLeaving},
	{models.BotStateRecording, models.BotStateError},
	{models.BotStateLeaving, models.BotStateEnded},
	{models.BotStateLeaving, models.BotStateError},
}

func isLegal(from, to models.BotState) bool {
	for _, e := range legalEdges {
		if e[0] == from && e[1] == to {
			return true
		}
	}
	return false
}

func TestNext_LegalEdges(t *testing.T) {
	for _, e := range legalEdges {
		assert.NoError(t, Next(e[0], e[1]), "expected %s -> %s to be legal", e[0], e[1])
	}
}

func TestNext_ExhaustiveGraph(t *testing.T) {
	for _, from := range States() {
		for _, to := range States() {
			err := Next(from, to)
			switch {
			case from.Terminal():
				assert.ErrorIs(t, err, ErrTerminalState, "%s -> %s", from, to)
			case isLegal(from, to):
				assert.NoError(t, err, "%s -> %s", from, to)
			default:
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestNext_LeaveFromCreated(t *testing.T) {
	// A direct leave request against a freshly created bot must be rejected
	err := Next(models.BotStateCreated, models.BotStateLeaving)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNext_TerminalStatesAcceptNothing(t *testing.T) {
	for _, terminal := range []models.BotState{models.BotStateEnded, models.BotStateError} {
		for _, to := range States() {
			assert.ErrorIs(t, Next(terminal, to), ErrTerminalState, "%s -> %s", terminal, to)
		}
	}
}

func TestEventFor_EveryNonCreatedStateEmits(t *testing.T) {
	for _, s := range States() {
		ev, ok := EventFor(s)
		if s == models.BotStateCreated {
			assert.False(t, ok, "created must not emit an event")
			continue
		}
		assert.True(t, ok, "state %s must emit an event", s)
		assert.True(t, models.ValidEventType(ev), "event %s for state %s must be registered", ev, s)
	}
}

// TestProperty_TransitionPathsEndInTerminal walks random legal paths and
// checks every path either continues through the graph or stops at a
// terminal state, never re-enters one.
func TestProperty_TransitionPathsEndInTerminal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		state := models.BotStateCreated
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			next := transitions[state]
			if len(next) == 0 {
				if !state.Terminal() {
					rt.Fatalf("non-terminal state %s has no outgoing edges", state)
				}
				// Terminal: any further request must fail
				for _, to := range States() {
					if err := Next(state, to); err != ErrTerminalState {
						rt.Fatalf("terminal %s accepted transition to %s", state, to)
					}
				}
				return
			}
			pick := rapid.IntRange(0, len(next)-1).Draw(rt, "edge")
			if err := Next(state, next[pick]); err != nil {
				rt.Fatalf("legal edge %s -> %s rejected: %v", state, next[pick], err)
			}
			state = next[pick]
		}
	})
}
