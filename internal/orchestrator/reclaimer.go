package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/ledger"
	"github.com/meetloop/meetloop/internal/logging"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/monitoring"
	"github.com/rs/zerolog"
)

const reclaimReason = "stale heartbeat: driver presumed dead"

// Reclaimer sweeps for non-terminal bots whose driver stopped
// heartbeating and force-transitions them to error. This is the only
// transition not driven by a caller or the driver; without it a crashed
// driver would leak bots and their credit holds forever.
type Reclaimer struct {
	svc *Service
	cfg config.ReclaimerConfig
	log zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewReclaimer(svc *Service, cfg config.ReclaimerConfig) *Reclaimer {
	return &Reclaimer{
		svc:    svc,
		cfg:    cfg,
		log:    logging.NewLogger("reclaimer"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sweep
func (r *Reclaimer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
	r.log.Info().
		Dur("stale_after", r.cfg.StaleAfter).
		Dur("sweep_interval", r.cfg.SweepInterval).
		Msg("Stale bot reclaimer started")
}

// Stop halts the sweep loop
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.log.Info().Msg("Stale bot reclaimer stopped")
}

func (r *Reclaimer) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("Reclamation sweep failed")
			}
		}
	}
}

// Sweep finds every stale non-terminal bot and reclaims each one
// independently, so a failure on one bot never blocks the rest.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	rows, err := r.svc.db.Query(ctx, `
		SELECT id FROM bots
		WHERE state NOT IN ('ended', 'error')
		  AND heartbeat_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(r.cfg.StaleAfter.Seconds())))
	if err != nil {
		return fmt.Errorf("failed to query stale bots: %w", err)
	}
	defer rows.Close()

	var stale []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan stale bot id: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		r.reclaim(ctx, id)
	}

	var active int64
	if err := r.svc.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM bots WHERE state NOT IN ('ended', 'error')
	`).Scan(&active); err == nil {
		monitoring.Get().BotsActive.Set(float64(active))
	}
	return nil
}

// reclaim force-transitions one stale bot to error. The credit resolution
// rides in the same transaction when it succeeds; when the ledger fails
// the bot is still marked error in a second transaction, because leaking a
// zombie bot is worse than an unsettled hold. The open reservation remains
// visible for manual settlement.
func (r *Reclaimer) reclaim(ctx context.Context, botID uuid.UUID) {
	err := r.reclaimWithLedger(ctx, botID)
	if err == nil {
		monitoring.Get().BotsReclaimedTotal.Inc()
		return
	}
	if errors.Is(err, errBotNoLongerStale) {
		return
	}

	r.log.Error().Err(err).
		Str("bot_id", botID.String()).
		Msg("Ledger resolution failed during reclamation, marking bot error anyway")

	if _, err := r.svc.db.Exec(ctx, `
		UPDATE bots SET state = 'error', error_reason = $1, updated_at = now()
		WHERE id = $2 AND state NOT IN ('ended', 'error')
	`, reclaimReason, botID); err != nil {
		r.log.Error().Err(err).Str("bot_id", botID.String()).Msg("Failed to force bot to error")
		return
	}
	monitoring.Get().BotsReclaimedTotal.Inc()
}

var errBotNoLongerStale = errors.New("bot no longer stale")

func (r *Reclaimer) reclaimWithLedger(ctx context.Context, botID uuid.UUID) error {
	tx, err := r.svc.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reclamation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBot(ctx, tx, botID)
	if err != nil {
		if errors.Is(err, ErrBotNotFound) {
			return errBotNoLongerStale
		}
		return err
	}
	// Re-check under the lock: a heartbeat or terminal transition may have
	// landed between the sweep query and here
	if b.State.Terminal() || time.Since(b.HeartbeatAt) < r.cfg.StaleAfter {
		return errBotNoLongerStale
	}

	from := b.State
	if _, err := tx.Exec(ctx, `
		UPDATE bots SET state = 'error', error_reason = $1, updated_at = now()
		WHERE id = $2
	`, reclaimReason, b.ID); err != nil {
		return fmt.Errorf("failed to mark bot error: %w", err)
	}
	reason := reclaimReason
	b.State = models.BotStateError
	b.ErrorReason = &reason

	if err := r.resolveCredits(ctx, tx, b, from); err != nil {
		return err
	}
	if err := r.svc.emitTx(ctx, tx, b, map[string]any{"reclaimed": true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reclamation: %w", err)
	}

	monitoring.Get().BotTransitionsTotal.WithLabelValues(string(from), string(models.BotStateError)).Inc()
	r.svc.dispatcher.Nudge(context.Background())
	return nil
}

func (r *Reclaimer) resolveCredits(ctx context.Context, tx pgx.Tx, b *models.Bot, from models.BotState) error {
	res, err := r.svc.ledger.OpenReservationForBot(ctx, tx, b.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			return nil
		}
		return err
	}

	if neverReachedMeeting(from) {
		if err := r.svc.ledger.ReleaseTx(ctx, tx, res.ID); err != nil {
			return err
		}
		monitoring.Get().CreditsReleasedTotal.Add(float64(res.Amount))
		return nil
	}

	// The driver is gone, so elapsed time is bounded by the hold taken at
	// join; charge from reservation open to the last heartbeat seen
	elapsed := b.HeartbeatAt.Sub(res.CreatedAt)
	cost := r.svc.ledger.Pricing().CostFor(b.Platform, elapsed)
	charged, err := r.svc.ledger.ChargeTx(ctx, tx, res.ID, cost, models.CreditReasonReclamation)
	if err != nil {
		return err
	}
	monitoring.Get().CreditsChargedTotal.Add(float64(charged))
	return nil
}
