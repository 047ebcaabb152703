// Package orchestrator coordinates the bot lifecycle: it ties the state
// machine, the credit ledger and the meeting driver together. It holds no
// state of its own; every mutation opens one transaction, locks the bot
// row, applies the transition, any ledger resolution and the emitted
// event's delivery rows, and commits them as one. The dispatcher is only
// nudged once the transaction is down.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meetloop/meetloop/internal/bot"
	"github.com/meetloop/meetloop/internal/driver"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/logging"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/monitoring"
	"github.com/meetloop/meetloop/internal/webhook"
	"github.com/rs/zerolog"
)

var (
	ErrBotNotFound       = errors.New("bot not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrInvalidPlatform   = errors.New("unknown meeting platform")
	ErrInvalidMeetingURL = errors.New("meeting url must be http or https")
)

// Service coordinates bot lifecycle operations
type Service struct {
	db         *pgxpool.Pool
	ledger     *ledger.Service
	driver     driver.Client
	tokens     *driver.TokenIssuer
	dispatcher *webhook.Dispatcher
	log        zerolog.Logger
}

func NewService(db *pgxpool.Pool, ledgerSvc *ledger.Service, driverClient driver.Client, tokens *driver.TokenIssuer, dispatcher *webhook.Dispatcher) *Service {
	return &Service{
		db:         db,
		ledger:     ledgerSvc,
		driver:     driverClient,
		tokens:     tokens,
		dispatcher: dispatcher,
		log:        logging.NewLogger("orchestrator"),
	}
}

// JoinRequest is the client input for launching a bot into a meeting
type JoinRequest struct {
	Platform   models.MeetingPlatform `json:"platform"`
	MeetingURL string                 `json:"meeting_url"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
}

// Join creates a bot, reserves credits for a maximum-length session and
// asks the driver to launch it. The bot row, the reservation and the
// created->starting transition commit atomically: if the driver refuses,
// everything rolls back and the caller sees ErrUnavailable with no bot
// created and no credits held.
func (s *Service) Join(ctx context.Context, projectID uuid.UUID, req JoinRequest) (*models.Bot, error) {
	if !models.ValidPlatform(req.Platform) {
		return nil, ErrInvalidPlatform
	}
	if err := validateMeetingURL(req.MeetingURL); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin join transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT organization_id FROM projects WHERE id = $1`, projectID).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to resolve project: %w", err)
	}

	b := &models.Bot{
		ID:         uuid.New(),
		ObjectID:   models.NewObjectID("bot"),
		ProjectID:  projectID,
		Platform:   req.Platform,
		MeetingURL: req.MeetingURL,
		State:      models.BotStateCreated,
		Metadata:   req.Metadata,
	}

	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO bots (id, object_id, project_id, platform, meeting_url, state, heartbeat_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		RETURNING heartbeat_at, created_at, updated_at
	`, b.ID, b.ObjectID, b.ProjectID, b.Platform, b.MeetingURL, b.State, metadata).
		Scan(&b.HeartbeatAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	amount := s.ledger.Pricing().ReservationAmount(req.Platform)
	if _, err := s.ledger.ReserveTx(ctx, tx, orgID, b.ID, amount); err != nil {
		return nil, err
	}

	if err := s.transitionTx(ctx, tx, b, models.BotStateStarting); err != nil {
		return nil, err
	}

	token, err := s.tokens.Mint(b.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint callback token: %w", err)
	}

	// Driver refusal rolls back the bot and the hold together
	err = s.driver.RequestJoin(ctx, driver.JoinRequest{
		BotID:         b.ID,
		Platform:      b.Platform,
		MeetingURL:    b.MeetingURL,
		CallbackToken: token,
	})
	if err != nil {
		return nil, err
	}

	if err := s.emitTx(ctx, tx, b, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit join: %w", err)
	}

	monitoring.Get().CreditsReservedTotal.WithLabelValues(string(req.Platform)).Inc()
	s.dispatcher.Nudge(context.Background())
	return b, nil
}

// Leave asks the driver to pull the bot out of its meeting. The bot moves
// to leaving now; ended arrives with the driver's left callback.
func (s *Service) Leave(ctx context.Context, projectID uuid.UUID, botRef string) (*models.Bot, error) {
	return s.requestDriverAction(ctx, projectID, botRef, models.BotStateLeaving, s.driver.RequestLeave)
}

// StartRecording asks the driver to begin recording. Only legal while the
// bot is in_meeting.
func (s *Service) StartRecording(ctx context.Context, projectID uuid.UUID, botRef string) (*models.Bot, error) {
	return s.requestDriverAction(ctx, projectID, botRef, models.BotStateRecording, s.driver.RequestRecordingStart)
}

// requestDriverAction is the shared leave/start-recording path: lock the
// bot, apply the transition, ask the driver, commit only if the driver
// accepted. Driver refusal leaves the bot untouched so the request can be
// retried.
func (s *Service) requestDriverAction(ctx context.Context, projectID uuid.UUID, botRef string, to models.BotState, action func(context.Context, uuid.UUID) error) (*models.Bot, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBotByRef(ctx, tx, projectID, botRef)
	if err != nil {
		return nil, err
	}
	if err := s.transitionTx(ctx, tx, b, to); err != nil {
		return nil, err
	}
	if err := action(ctx, b.ID); err != nil {
		return nil, err
	}
	if err := s.emitTx(ctx, tx, b, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.dispatcher.Nudge(context.Background())
	return b, nil
}

// Heartbeat records driver liveness. It touches heartbeat_at only; state
// never changes here.
func (s *Service) Heartbeat(ctx context.Context, projectID uuid.UUID, botRef string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bots SET heartbeat_at = now(), updated_at = now()
		WHERE object_id = $1 AND project_id = $2
		  AND state NOT IN ('ended', 'error')
	`, botRef, projectID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBot(ctx, projectID, botRef); err != nil {
			return err
		}
		return bot.ErrTerminalState
	}
	return nil
}

// GetBot retrieves a bot scoped to a project
func (s *Service) GetBot(ctx context.Context, projectID uuid.UUID, botRef string) (*models.Bot, error) {
	row := s.db.QueryRow(ctx, botSelect+` WHERE object_id = $1 AND project_id = $2`, botRef, projectID)
	return scanBot(row)
}

// ReportLaunched handles the driver's launch acknowledgement
func (s *Service) ReportLaunched(ctx context.Context, botID uuid.UUID) error {
	return s.applyCallback(ctx, botID, models.BotStateJoining, nil)
}

// ReportJoined handles the driver confirming the bot is in the meeting
func (s *Service) ReportJoined(ctx context.Context, botID uuid.UUID) error {
	return s.applyCallback(ctx, botID, models.BotStateInMeeting, nil)
}

// ReportLeft handles the driver confirming a clean exit. The session
// charge lands in the same transaction as the leaving->ended transition.
func (s *Service) ReportLeft(ctx context.Context, botID uuid.UUID, elapsed time.Duration) error {
	return s.applyCallback(ctx, botID, models.BotStateEnded, func(tx pgx.Tx, b *models.Bot, _ models.BotState) error {
		return s.chargeElapsed(ctx, tx, b, elapsed, models.CreditReasonMeeting)
	})
}

// ReportError handles a driver-reported fatal failure. A bot that never
// reached its meeting releases its hold; one that did is charged for the
// time consumed. Either way the resolution commits with the transition.
func (s *Service) ReportError(ctx context.Context, botID uuid.UUID, reason string) error {
	return s.applyCallback(ctx, botID, models.BotStateError, func(tx pgx.Tx, b *models.Bot, from models.BotState) error {
		b.ErrorReason = &reason
		if _, err := tx.Exec(ctx, `UPDATE bots SET error_reason = $1 WHERE id = $2`, reason, b.ID); err != nil {
			return fmt.Errorf("failed to record error reason: %w", err)
		}
		return s.resolveOnFailure(ctx, tx, b, from)
	})
}

// applyCallback is the shared driver-callback path: lock the bot row,
// validate and apply the transition, run the ledger resolution in the same
// transaction, commit, then emit.
func (s *Service) applyCallback(ctx context.Context, botID uuid.UUID, to models.BotState, resolve func(pgx.Tx, *models.Bot, models.BotState) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin callback transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBot(ctx, tx, botID)
	if err != nil {
		return err
	}
	from := b.State
	if err := s.transitionTx(ctx, tx, b, to); err != nil {
		return err
	}
	if resolve != nil {
		if err := resolve(tx, b, from); err != nil {
			return err
		}
	}
	if err := s.emitTx(ctx, tx, b, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit callback: %w", err)
	}

	s.dispatcher.Nudge(context.Background())
	return nil
}

// chargeElapsed converts the bot's open hold into a permanent charge for
// the elapsed meeting time. A missing open reservation means an earlier
// call already resolved it; retried callbacks are a no-op.
func (s *Service) chargeElapsed(ctx context.Context, tx pgx.Tx, b *models.Bot, elapsed time.Duration, reason string) error {
	res, err := s.ledger.OpenReservationForBot(ctx, tx, b.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			return nil
		}
		return err
	}
	cost := s.ledger.Pricing().CostFor(b.Platform, elapsed)
	charged, err := s.ledger.ChargeTx(ctx, tx, res.ID, cost, reason)
	if err != nil {
		return err
	}
	monitoring.Get().CreditsChargedTotal.Add(float64(charged))
	return nil
}

// resolveOnFailure settles the hold for a bot going to error: released if
// the meeting was never reached, otherwise charged for the time between
// the reservation and now.
func (s *Service) resolveOnFailure(ctx context.Context, tx pgx.Tx, b *models.Bot, from models.BotState) error {
	res, err := s.ledger.OpenReservationForBot(ctx, tx, b.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			return nil
		}
		return err
	}

	if neverReachedMeeting(from) {
		if err := s.ledger.ReleaseTx(ctx, tx, res.ID); err != nil {
			return err
		}
		monitoring.Get().CreditsReleasedTotal.Add(float64(res.Amount))
		return nil
	}

	elapsed := time.Since(res.CreatedAt)
	cost := s.ledger.Pricing().CostFor(b.Platform, elapsed)
	charged, err := s.ledger.ChargeTx(ctx, tx, res.ID, cost, models.CreditReasonMeeting)
	if err != nil {
		return err
	}
	monitoring.Get().CreditsChargedTotal.Add(float64(charged))
	return nil
}

func neverReachedMeeting(state models.BotState) bool {
	switch state {
	case models.BotStateCreated, models.BotStateStarting, models.BotStateJoining:
		return true
	}
	return false
}

// transitionTx validates the move against the lifecycle graph and persists
// it. The caller holds the row lock.
func (s *Service) transitionTx(ctx context.Context, tx pgx.Tx, b *models.Bot, to models.BotState) error {
	if err := bot.Next(b.State, to); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bots SET state = $1, updated_at = now() WHERE id = $2
	`, to, b.ID); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}
	monitoring.Get().BotTransitionsTotal.WithLabelValues(string(b.State), string(to)).Inc()

	b.State = to
	return nil
}

// emitTx writes the event for the bot's current state into the caller's
// transaction, so the transition and its delivery rows commit as one: a
// crash or cancelled request between the two cannot drop the event. A
// failed outbox write rolls the transition back with it.
func (s *Service) emitTx(ctx context.Context, tx pgx.Tx, b *models.Bot, extra map[string]any) error {
	event, ok := bot.EventFor(b.State)
	if !ok {
		return nil
	}

	data := map[string]any{
		"bot_id":      b.ObjectID,
		"state":       string(b.State),
		"platform":    string(b.Platform),
		"meeting_url": b.MeetingURL,
	}
	if b.ErrorReason != nil {
		data["error_reason"] = *b.ErrorReason
	}
	for k, v := range extra {
		data[k] = v
	}

	if err := s.dispatcher.EnqueueTx(ctx, tx, b.ProjectID, event, data); err != nil {
		return fmt.Errorf("failed to enqueue lifecycle event: %w", err)
	}
	return nil
}

const botSelect = `
	SELECT id, object_id, project_id, platform, meeting_url, state,
	       error_reason, heartbeat_at, metadata, created_at, updated_at
	FROM bots`

func lockBot(ctx context.Context, tx pgx.Tx, botID uuid.UUID) (*models.Bot, error) {
	row := tx.QueryRow(ctx, botSelect+` WHERE id = $1 FOR UPDATE`, botID)
	return scanBot(row)
}

func lockBotByRef(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, botRef string) (*models.Bot, error) {
	row := tx.QueryRow(ctx, botSelect+` WHERE object_id = $1 AND project_id = $2 FOR UPDATE`, botRef, projectID)
	return scanBot(row)
}

func scanBot(row pgx.Row) (*models.Bot, error) {
	var b models.Bot
	var metadata []byte
	err := row.Scan(
		&b.ID, &b.ObjectID, &b.ProjectID, &b.Platform, &b.MeetingURL, &b.State,
		&b.ErrorReason, &b.HeartbeatAt, &metadata, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, fmt.Errorf("failed to scan bot: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode bot metadata: %w", err)
		}
	}
	return &b, nil
}

func validateMeetingURL(raw string) error {
	if raw == "" {
		return ErrInvalidMeetingURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidMeetingURL
	}
	return nil
}
