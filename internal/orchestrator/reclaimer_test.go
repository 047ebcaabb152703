package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReclaimer(h *harness) *Reclaimer {
	return NewReclaimer(h.svc, config.ReclaimerConfig{
		StaleAfter:    time.Minute,
		SweepInterval: time.Hour, // sweeps are driven manually in tests
	})
}

func makeStale(t *testing.T, h *harness, b *models.Bot, age time.Duration) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `
		UPDATE bots SET heartbeat_at = now() - $1::interval WHERE id = $2
	`, fmt.Sprintf("%d seconds", int(age.Seconds())), b.ID)
	require.NoError(t, err)
}

func TestReclaimer_SweepMarksStaleBotError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := newReclaimer(h)

	b := h.join(t)
	require.NoError(t, h.svc.ReportLaunched(ctx, b.ID))
	require.NoError(t, h.svc.ReportJoined(ctx, b.ID))
	makeStale(t, h, b, 5*time.Minute)

	require.NoError(t, r.Sweep(ctx))

	got, err := h.svc.GetBot(ctx, h.proj.ID, b.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStateError, got.State)
	require.NotNil(t, got.ErrorReason)
	assert.Contains(t, *got.ErrorReason, "stale heartbeat")
}

func TestReclaimer_FreshBotUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := newReclaimer(h)

	b := h.join(t)
	require.NoError(t, r.Sweep(ctx))

	got, err := h.svc.GetBot(ctx, h.proj.ID, b.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStateStarting, got.State)
	assert.Equal(t, int64(800), h.available(t), "hold stays open for a live bot")
}

// A stale bot that never reached its meeting gets its hold released in
// full with the forced error transition.
func TestReclaimer_ReleasesHoldBeforeMeeting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := newReclaimer(h)

	b := h.join(t)
	makeStale(t, h, b, 5*time.Minute)

	require.NoError(t, r.Sweep(ctx))

	got, err := h.svc.GetBot(ctx, h.proj.ID, b.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStateError, got.State)
	assert.Equal(t, int64(1000), h.available(t))
}

// Reclamation resolves the reservation exactly once: a second sweep over
// the same bot must not touch the ledger again.
func TestReclaimer_ResolvesCreditsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := newReclaimer(h)

	b := h.join(t)
	require.NoError(t, h.svc.ReportLaunched(ctx, b.ID))
	require.NoError(t, h.svc.ReportJoined(ctx, b.ID))

	// Backdate the session so a real charge accrues: reservation opened
	// half an hour before the last heartbeat
	_, err := testDB.Exec(ctx, `
		UPDATE credit_reservations SET created_at = now() - interval '35 minutes' WHERE bot_id = $1
	`, b.ID)
	require.NoError(t, err)
	makeStale(t, h, b, 5*time.Minute)

	require.NoError(t, r.Sweep(ctx))

	// 30 minutes at 100/hour
	assert.Equal(t, int64(950), h.available(t))

	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, int64(950), h.available(t), "repeated sweeps must not charge again")

	var entries int
	require.NoError(t, testDB.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_entries WHERE bot_id = $1 AND reason = $2
	`, b.ID, models.CreditReasonReclamation).Scan(&entries))
	assert.Equal(t, 1, entries)
}

// When the ledger cannot settle the hold the bot still goes to error:
// leaking a zombie bot is worse than an unsettled reservation.
func TestReclaimer_LedgerFailureStillMarksError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := newReclaimer(h)

	b := h.join(t)
	require.NoError(t, h.svc.ReportLaunched(ctx, b.ID))
	require.NoError(t, h.svc.ReportJoined(ctx, b.ID))

	// Force the charge to violate the non-negative balance constraint:
	// a real accrued cost against a drained balance
	_, err := testDB.Exec(ctx, `
		UPDATE credit_reservations SET created_at = now() - interval '65 minutes' WHERE bot_id = $1
	`, b.ID)
	require.NoError(t, err)
	_, err = testDB.Exec(ctx, `
		UPDATE organizations SET centicredits = 0 WHERE id = $1
	`, h.org.ID)
	require.NoError(t, err)
	makeStale(t, h, b, 5*time.Minute)

	require.NoError(t, r.Sweep(ctx))

	got, err := h.svc.GetBot(ctx, h.proj.ID, b.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStateError, got.State)

	// The hold stays open for manual settlement
	var status models.ReservationStatus
	require.NoError(t, testDB.QueryRow(ctx, `
		SELECT status FROM credit_reservations WHERE bot_id = $1
	`, b.ID).Scan(&status))
	assert.Equal(t, models.ReservationStatusOpen, status)
}
