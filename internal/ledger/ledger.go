// Package ledger owns organization credit state: balances, reservations
// against in-progress bot sessions, administrative adjustments, and the
// append-only audit trail behind all of them.
//
// All balance mutations for one organization are serialized by locking the
// organization row (SELECT ... FOR UPDATE). Two concurrent reserves against a
// borderline balance therefore cannot both succeed; operations on different
// organizations proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/monitoring"
)

// Service errors
var (
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrOrganizationNotFound  = errors.New("organization not found")
	ErrOrganizationSuspended = errors.New("organization is not active")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// AdjustOperation is the direction of an administrative balance adjustment
type AdjustOperation string

const (
	AdjustOperationAdd    AdjustOperation = "add"
	AdjustOperationDeduct AdjustOperation = "deduct"
)

// Service handles credit ledger operations
type Service struct {
	db      *pgxpool.Pool
	pricing *Pricing
}

// NewService creates a new ledger service
func NewService(db *pgxpool.Pool, pricing *Pricing) *Service {
	return &Service{db: db, pricing: pricing}
}

// Pricing returns the pricing rules the ledger was built with
func (s *Service) Pricing() *Pricing {
	return s.pricing
}

// lockOrganization loads and row-locks an organization inside tx. Every
// balance mutation goes through this, which is what serializes writers
// per organization.
func lockOrganization(ctx context.Context, tx pgx.Tx, orgID uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := tx.QueryRow(ctx, `
		SELECT id, name, status, centicredits, webhooks_enabled, created_at, updated_at
		FROM organizations WHERE id = $1 FOR UPDATE
	`, orgID).Scan(
		&org.ID, &org.Name, &org.Status, &org.Centicredits,
		&org.WebhooksEnabled, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to lock organization: %w", err)
	}
	return &org, nil
}

// openReservationTotal sums open holds for an organization. Callers must
// hold the organization row lock so the sum cannot move underneath them.
func openReservationTotal(ctx context.Context, tx pgx.Tx, orgID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_centicredits), 0)
		FROM credit_reservations
		WHERE organization_id = $1 AND status = 'open'
	`, orgID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum open reservations: %w", err)
	}
	return total, nil
}

// appendEntry writes one row of the append-only audit trail
func appendEntry(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, botID *uuid.UUID, delta, balanceAfter int64, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_entries (id, object_id, organization_id, bot_id, delta_centicredits, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), models.NewObjectID("ctr"), orgID, botID, delta, balanceAfter, reason)
	if err != nil {
		return fmt.Errorf("failed to append credit entry: %w", err)
	}
	return nil
}

// ReserveTx creates a credit reservation inside the caller's transaction.
// Fails with ErrInsufficientCredits when balance minus open holds cannot
// cover the amount, and ErrOrganizationSuspended for non-active tenants.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, orgID, botID uuid.UUID, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	org, err := lockOrganization(ctx, tx, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if !org.IsActive() {
		return uuid.Nil, ErrOrganizationSuspended
	}

	open, err := openReservationTotal(ctx, tx, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if org.Centicredits-open < amount {
		monitoring.Get().ReservationFailures.Inc()
		return uuid.Nil, ErrInsufficientCredits
	}

	reservationID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_reservations (id, organization_id, bot_id, amount_centicredits, status)
		VALUES ($1, $2, $3, $4, 'open')
	`, reservationID, orgID, botID, amount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	// Holds do not move the balance; the zero-delta entry keeps the hold
	// visible in the audit trail for dispute resolution.
	if err := appendEntry(ctx, tx, orgID, &botID, 0, org.Centicredits, "reservation_opened"); err != nil {
		return uuid.Nil, err
	}

	return reservationID, nil
}

// ChargeTx converts a reservation into a permanent deduction inside the
// caller's transaction. actual may be less than the reserved amount; the
// unused portion is released implicitly. Charging an already-resolved
// reservation is a no-op so retried orchestrator calls stay safe.
// Returns the centicredits actually deducted.
func (s *Service) ChargeTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, actual int64, reason string) (int64, error) {
	res, resolved, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return 0, err
	}
	if resolved {
		return 0, nil
	}

	if actual < 0 {
		actual = 0
	}
	if actual > res.Amount {
		actual = res.Amount
	}

	org, err := lockOrganization(ctx, tx, res.OrganizationID)
	if err != nil {
		return 0, err
	}

	newBalance := org.Centicredits - actual
	_, err = tx.Exec(ctx, `
		UPDATE organizations SET centicredits = $1, updated_at = now() WHERE id = $2
	`, newBalance, org.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to deduct balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_reservations SET status = 'charged', resolved_at = now() WHERE id = $1
	`, reservationID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve reservation: %w", err)
	}

	if reason == "" {
		reason = models.CreditReasonMeeting
	}
	if err := appendEntry(ctx, tx, org.ID, &res.BotID, -actual, newBalance, reason); err != nil {
		return 0, err
	}

	return actual, nil
}

// ReleaseTx cancels a reservation without charging, inside the caller's
// transaction. Releasing an already-resolved reservation is a no-op.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error {
	res, resolved, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}

	// Lock ordering: organization row before the audit append, same as
	// every other mutation
	org, err := lockOrganization(ctx, tx, res.OrganizationID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_reservations SET status = 'released', resolved_at = now() WHERE id = $1
	`, reservationID)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	return appendEntry(ctx, tx, org.ID, &res.BotID, 0, org.Centicredits, "reservation_released")
}

// lockReservation loads and row-locks a reservation. The second return is
// true when the reservation exists but was already charged or released.
func lockReservation(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*models.CreditReservation, bool, error) {
	var res models.CreditReservation
	err := tx.QueryRow(ctx, `
		SELECT id, organization_id, bot_id, amount_centicredits, status, created_at, resolved_at
		FROM credit_reservations WHERE id = $1 FOR UPDATE
	`, reservationID).Scan(
		&res.ID, &res.OrganizationID, &res.BotID, &res.Amount,
		&res.Status, &res.CreatedAt, &res.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrReservationNotFound
		}
		return nil, false, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return &res, res.Status != models.ReservationStatusOpen, nil
}

// Reserve opens its own transaction around ReserveTx, for callers that do
// not need to compose with a bot transition.
func (s *Service) Reserve(ctx context.Context, orgID, botID uuid.UUID, amount int64) (uuid.UUID, error) {
	var reservationID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		reservationID, err = s.ReserveTx(ctx, tx, orgID, botID, amount)
		return err
	})
	return reservationID, err
}

// Charge opens its own transaction around ChargeTx
func (s *Service) Charge(ctx context.Context, reservationID uuid.UUID, actual int64) (int64, error) {
	var charged int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		charged, err = s.ChargeTx(ctx, tx, reservationID, actual, models.CreditReasonMeeting)
		return err
	})
	return charged, err
}

// Release opens its own transaction around ReleaseTx
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return s.ReleaseTx(ctx, tx, reservationID)
	})
}

// AdjustBalance applies an administrative top-up or deduction. Deductions
// are checked against the available balance (balance minus open holds) so
// an adjustment can never strand an open reservation without cover.
func (s *Service) AdjustBalance(ctx context.Context, orgID uuid.UUID, amount int64, op AdjustOperation, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var newBalance int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		org, err := lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}

		delta := amount
		if op == AdjustOperationDeduct {
			open, err := openReservationTotal(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Centicredits-open < amount {
				return ErrInsufficientCredits
			}
			delta = -amount
		}

		newBalance = org.Centicredits + delta
		_, err = tx.Exec(ctx, `
			UPDATE organizations SET centicredits = $1, updated_at = now() WHERE id = $2
		`, newBalance, orgID)
		if err != nil {
			return fmt.Errorf("failed to adjust balance: %w", err)
		}

		if reason == "" {
			if op == AdjustOperationAdd {
				reason = models.CreditReasonTopUp
			} else {
				reason = models.CreditReasonDeduct
			}
		}
		return appendEntry(ctx, tx, orgID, nil, delta, newBalance, reason)
	})
	return newBalance, err
}

func (s *Service) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BalanceSummary reports an organization's balance alongside its open holds
type BalanceSummary struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Balance        int64     `json:"balance_centicredits"`
	Reserved       int64     `json:"reserved_centicredits"`
	Available      int64     `json:"available_centicredits"`
}

// Balance returns the balance summary for an organization
func (s *Service) Balance(ctx context.Context, orgID uuid.UUID) (*BalanceSummary, error) {
	var summary BalanceSummary
	err := s.db.QueryRow(ctx, `
		SELECT o.id, o.centicredits,
		       COALESCE((SELECT SUM(r.amount_centicredits) FROM credit_reservations r
		                 WHERE r.organization_id = o.id AND r.status = 'open'), 0)
		FROM organizations o WHERE o.id = $1
	`, orgID).Scan(&summary.OrganizationID, &summary.Balance, &summary.Reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	summary.Available = summary.Balance - summary.Reserved
	return &summary, nil
}

// History returns the most recent audit entries for an organization
func (s *Service) History(ctx context.Context, orgID uuid.UUID, limit int) ([]models.CreditEntry, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, object_id, organization_id, bot_id, delta_centicredits, balance_after, reason, created_at
		FROM credit_entries
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CreditEntry
	for rows.Next() {
		var e models.CreditEntry
		if err := rows.Scan(&e.ID, &e.ObjectID, &e.OrganizationID, &e.BotID,
			&e.Delta, &e.BalanceAfter, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit entries: %w", err)
	}
	return entries, nil
}

// GetReservation retrieves a reservation by id
func (s *Service) GetReservation(ctx context.Context, reservationID uuid.UUID) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := s.db.QueryRow(ctx, `
		SELECT id, organization_id, bot_id, amount_centicredits, status, created_at, resolved_at
		FROM credit_reservations WHERE id = $1
	`, reservationID).Scan(
		&res.ID, &res.OrganizationID, &res.BotID, &res.Amount,
		&res.Status, &res.CreatedAt, &res.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &res, nil
}

// OpenReservationForBot finds the open reservation backing a bot session,
// if any. At most one reservation is open per bot.
func (s *Service) OpenReservationForBot(ctx context.Context, tx pgx.Tx, botID uuid.UUID) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := tx.QueryRow(ctx, `
		SELECT id, organization_id, bot_id, amount_centicredits, status, created_at, resolved_at
		FROM credit_reservations
		WHERE bot_id = $1 AND status = 'open'
	`, botID).Scan(
		&res.ID, &res.OrganizationID, &res.BotID, &res.Amount,
		&res.Status, &res.CreatedAt, &res.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to find open reservation: %w", err)
	}
	return &res, nil
}
