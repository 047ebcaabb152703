// Package webhook implements the durable webhook delivery subsystem:
// subscriptions, a persisted delivery queue, and a worker pool that drives
// at-least-once delivery with exponential backoff.
//
// Enqueue only writes rows (plus a best-effort Redis nudge) and never
// blocks on network I/O. Workers claim due deliveries with SKIP LOCKED, so
// a delivery is never attempted concurrently against itself and the retry
// schedule survives restarts.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/meetloop/meetloop/internal/logging"
	"github.com/meetloop/meetloop/internal/models"
	"github.com/meetloop/meetloop/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	ErrDeliveryNotFound     = errors.New("webhook delivery not found")
	ErrDeliveryNotRetryable = errors.New("delivery is not in a retryable state")
)

// nudgeKey is the Redis list used to wake workers when new deliveries are
// enqueued. The database remains the source of truth; losing a nudge only
// delays an attempt until the next poll.
const nudgeKey = "webhook:deliveries:due"

// DeliveryPayload is the JSON body POSTed to subscriber endpoints. The
// delivery id lets receivers de-duplicate: at-least-once delivery means a
// timeout-ambiguous attempt may be observed twice.
type DeliveryPayload struct {
	EventType  models.EventType `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       map[string]any   `json:"data"`
	DeliveryID uuid.UUID        `json:"delivery_id"`
}

// Dispatcher owns webhook deliveries end to end
type Dispatcher struct {
	db    *pgxpool.Pool
	redis *redis.Client
	cfg   config.DispatcherConfig
	http  *http.Client
	log   zerolog.Logger

	backoff BackoffSchedule

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. redisClient may be nil; workers then
// rely purely on polling.
func NewDispatcher(db *pgxpool.Pool, redisClient *redis.Client, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.DeliveryTimeout},
		log:   logging.NewLogger("webhook-dispatcher"),
		backoff: BackoffSchedule{
			Base: cfg.BackoffBase,
			Max:  cfg.BackoffMax,
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// querier is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// enqueue path can write through either.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue creates one pending delivery per active subscription of the
// project that listens for the event type, provided the owning organization
// has webhooks enabled. Transmission happens in the background workers.
func (d *Dispatcher) Enqueue(ctx context.Context, projectID uuid.UUID, eventType models.EventType, data map[string]any) error {
	n, err := d.enqueue(ctx, d.db, projectID, eventType, data)
	if err != nil {
		return err
	}
	if n > 0 {
		d.Nudge(ctx)
	}
	return nil
}

// EnqueueTx writes the pending delivery rows inside the caller's open
// transaction: the state change and its fan-out commit together or not at
// all, so an event cannot be lost between the two. Call Nudge after the
// transaction commits; until then the rows are invisible to workers.
func (d *Dispatcher) EnqueueTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, eventType models.EventType, data map[string]any) error {
	_, err := d.enqueue(ctx, tx, projectID, eventType, data)
	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, q querier, projectID uuid.UUID, eventType models.EventType, data map[string]any) (int, error) {
	subs, err := d.matchingSubscriptions(ctx, q, projectID, eventType)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	m := monitoring.Get()
	now := time.Now().UTC()
	for _, sub := range subs {
		deliveryID := uuid.New()
		payload := DeliveryPayload{
			EventType:  eventType,
			OccurredAt: now,
			Data:       data,
			DeliveryID: deliveryID,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode delivery payload: %w", err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO webhook_deliveries
				(id, object_id, subscription_id, event_type, payload, status, attempt_count, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
		`, deliveryID, models.NewObjectID("whd"), sub.ID, eventType, body)
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue delivery: %w", err)
		}

		m.DeliveriesEnqueued.WithLabelValues(string(eventType)).Inc()
	}
	return len(subs), nil
}

func (d *Dispatcher) matchingSubscriptions(ctx context.Context, q querier, projectID uuid.UUID, eventType models.EventType) ([]models.WebhookSubscription, error) {
	rows, err := q.Query(ctx, `
		SELECT s.id, s.project_id, s.url, s.event_types, s.secret, s.is_active, s.created_at
		FROM webhook_subscriptions s
		JOIN projects p ON p.id = s.project_id
		JOIN organizations o ON o.id = p.organization_id
		WHERE s.project_id = $1
		  AND s.is_active = true
		  AND o.webhooks_enabled = true
		  AND o.status = 'active'
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var matched []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.SubscribedTo(eventType) {
			matched = append(matched, *sub)
		}
	}
	return matched, rows.Err()
}

// Nudge wakes a waiting worker. Best effort: the poll loop covers losses.
func (d *Dispatcher) Nudge(ctx context.Context) {
	if d.redis == nil {
		return
	}
	if err := d.redis.LPush(ctx, nudgeKey, "1").Err(); err != nil {
		d.log.Debug().Err(err).Msg("Redis nudge failed, relying on poll")
	}
}

// Start launches the delivery worker pool
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.janitor(ctx)
	d.log.Info().Int("workers", d.cfg.Workers).Msg("Webhook dispatcher started")
}

// Stop drains the worker pool
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.log.Info().Msg("Webhook dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		delivery, sub, err := d.claimDue(ctx)
		if err != nil {
			d.log.Error().Err(err).Int("worker", id).Msg("Failed to claim delivery")
			d.wait(ctx)
			continue
		}
		if delivery == nil {
			d.wait(ctx)
			continue
		}

		d.attempt(ctx, delivery, sub)
	}
}

// wait blocks until work may be available: a Redis nudge, the poll
// interval elapsing, or shutdown.
func (d *Dispatcher) wait(ctx context.Context) {
	if d.redis != nil {
		// BRPOP returns on nudge or after the poll interval
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PollInterval+time.Second)
		_, err := d.redis.BRPop(waitCtx, d.cfg.PollInterval, nudgeKey).Result()
		cancel()
		if err == nil || errors.Is(err, redis.Nil) {
			return
		}
	}
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-time.After(d.cfg.PollInterval):
	}
}

// claimDue atomically claims the next due pending delivery. SKIP LOCKED
// keeps workers from fighting over the same row and guarantees a delivery
// is never attempted concurrently against itself.
func (d *Dispatcher) claimDue(ctx context.Context) (*models.WebhookDelivery, *models.WebhookSubscription, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var delivery models.WebhookDelivery
	err = tx.QueryRow(ctx, `
		UPDATE webhook_deliveries SET status = 'in_flight', updated_at = now()
		WHERE id = (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, object_id, subscription_id, event_type, payload, status,
		          attempt_count, next_attempt_at, last_status_code, last_response_body,
		          created_at, updated_at
	`).Scan(
		&delivery.ID, &delivery.ObjectID, &delivery.SubscriptionID, &delivery.EventType,
		&delivery.Payload, &delivery.Status, &delivery.AttemptCount, &delivery.NextAttemptAt,
		&delivery.LastStatusCode, &delivery.LastResponseBody, &delivery.CreatedAt, &delivery.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to claim delivery: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT id, project_id, url, event_types, secret, is_active, created_at
		FROM webhook_subscriptions WHERE id = $1
	`, delivery.SubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subscription for delivery: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &delivery, sub, nil
}

// attempt performs one delivery attempt and records the outcome
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery, sub *models.WebhookSubscription) {
	m := monitoring.Get()
	start := time.Now()

	statusCode, respBody, err := d.send(ctx, delivery, sub)
	m.DeliveryLatency.Observe(time.Since(start).Seconds())

	attempts := delivery.AttemptCount + 1
	snippet := logging.SanitizeForLog(respBody, d.cfg.MaxResponseSize)

	if err == nil && statusCode >= 200 && statusCode <= 299 {
		m.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
		d.recordOutcome(ctx, delivery.ID, models.DeliveryStatusSuccess, attempts, time.Time{}, statusCode, snippet)
		return
	}

	if err != nil {
		snippet = err.Error()
	}
	m.DeliveryAttemptsTotal.WithLabelValues("failure").Inc()

	if attempts >= d.cfg.MaxAttempts {
		m.DeliveriesDeadTotal.Inc()
		d.log.Warn().
			Str("delivery_id", delivery.ID.String()).
			Str("url", sub.URL).
			Int("attempts", attempts).
			Msg("Delivery exhausted retry budget, marking dead")
		d.recordOutcome(ctx, delivery.ID, models.DeliveryStatusDead, attempts, time.Time{}, statusCode, snippet)
		return
	}

	next := time.Now().UTC().Add(d.backoff.Next(attempts, rand.Float64()))
	d.recordOutcome(ctx, delivery.ID, models.DeliveryStatusPending, attempts, next, statusCode, snippet)
}

// send performs the HTTP POST through the endpoint's circuit breaker
func (d *Dispatcher) send(ctx context.Context, delivery *models.WebhookDelivery, sub *models.WebhookSubscription) (int, string, error) {
	breaker := d.breakerFor(sub.URL)

	result, err := breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "meetloop-webhooks/1.0")
		if sub.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(sub.Secret, delivery.Payload))
		}

		resp, err := d.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.MaxResponseSize)))
		outcome := sendResult{statusCode: resp.StatusCode, body: string(body)}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			// Non-2xx trips the breaker like a transport error
			return outcome, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return outcome, nil
	})

	if out, ok := result.(sendResult); ok {
		return out.statusCode, out.body, err
	}
	return 0, "", err
}

type sendResult struct {
	statusCode int
	body       string
}

func (d *Dispatcher) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[host] = cb
	return cb
}

// recordOutcome persists the result of one attempt. A zero nextAttempt
// leaves next_attempt_at unchanged (terminal outcomes).
func (d *Dispatcher) recordOutcome(ctx context.Context, deliveryID uuid.UUID, status models.DeliveryStatus, attempts int, nextAttempt time.Time, statusCode int, body string) {
	var codePtr *int
	if statusCode != 0 {
		codePtr = &statusCode
	}
	var bodyPtr *string
	if body != "" {
		bodyPtr = &body
	}

	var err error
	if nextAttempt.IsZero() {
		_, err = d.db.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = $1, attempt_count = $2, last_status_code = $3,
			    last_response_body = $4, updated_at = now()
			WHERE id = $5
		`, status, attempts, codePtr, bodyPtr, deliveryID)
	} else {
		_, err = d.db.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = $1, attempt_count = $2, next_attempt_at = $3,
			    last_status_code = $4, last_response_body = $5, updated_at = now()
			WHERE id = $6
		`, status, attempts, nextAttempt, codePtr, bodyPtr, deliveryID)
	}
	if err != nil {
		d.log.Error().Err(err).
			Str("delivery_id", deliveryID.String()).
			Msg("Failed to record delivery outcome")
	}
}

// janitor periodically requeues deliveries stuck in_flight after a worker
// crash and refreshes the queue depth gauge.
func (d *Dispatcher) janitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval * 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		stuckAfter := 10 * d.cfg.DeliveryTimeout
		tag, err := d.db.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = 'pending', updated_at = now()
			WHERE status = 'in_flight' AND updated_at < now() - $1::interval
		`, fmt.Sprintf("%d seconds", int(stuckAfter.Seconds())))
		if err != nil {
			d.log.Error().Err(err).Msg("Failed to requeue stuck deliveries")
		} else if tag.RowsAffected() > 0 {
			d.log.Warn().Int64("count", tag.RowsAffected()).Msg("Requeued stuck in-flight deliveries")
		}

		var depth int64
		if err := d.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= now()
		`).Scan(&depth); err == nil {
			monitoring.Get().DispatcherQueueDepth.Set(float64(depth))
		}
	}
}

// Retry is the manual operator action: it puts a dead or failed delivery
// back in the queue with its attempt count preserved, so the backoff
// schedule continues rather than restarting.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID uuid.UUID) error {
	tag, err := d.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', next_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('dead', 'failed')
	`, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to retry delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from non-retryable for the operator
		var exists bool
		if err := d.db.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE id = $1)
		`, deliveryID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check delivery: %w", err)
		}
		if !exists {
			return ErrDeliveryNotFound
		}
		return ErrDeliveryNotRetryable
	}
	d.Nudge(ctx)
	return nil
}

// GetDelivery retrieves one delivery scoped to a project
func (d *Dispatcher) GetDelivery(ctx context.Context, projectID, deliveryID uuid.UUID) (*models.WebhookDelivery, error) {
	row := d.db.QueryRow(ctx, `
		SELECT d.id, d.object_id, d.subscription_id, d.event_type, d.payload, d.status,
		       d.attempt_count, d.next_attempt_at, d.last_status_code, d.last_response_body,
		       d.created_at, d.updated_at
		FROM webhook_deliveries d
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE d.id = $1 AND s.project_id = $2
	`, deliveryID, projectID)

	var delivery models.WebhookDelivery
	err := row.Scan(
		&delivery.ID, &delivery.ObjectID, &delivery.SubscriptionID, &delivery.EventType,
		&delivery.Payload, &delivery.Status, &delivery.AttemptCount, &delivery.NextAttemptAt,
		&delivery.LastStatusCode, &delivery.LastResponseBody, &delivery.CreatedAt, &delivery.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &delivery, nil
}

// ListDeliveries lists a project's deliveries, optionally filtered by
// status. Dead deliveries surface here for operator inspection; they are
// never silently dropped.
func (d *Dispatcher) ListDeliveries(ctx context.Context, projectID uuid.UUID, status models.DeliveryStatus, limit int) ([]models.WebhookDelivery, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT d.id, d.object_id, d.subscription_id, d.event_type, d.payload, d.status,
		       d.attempt_count, d.next_attempt_at, d.last_status_code, d.last_response_body,
		       d.created_at, d.updated_at
		FROM webhook_deliveries d
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE s.project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += ` AND d.status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY d.created_at DESC LIMIT %d`, limit)

	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		var delivery models.WebhookDelivery
		err := rows.Scan(
			&delivery.ID, &delivery.ObjectID, &delivery.SubscriptionID, &delivery.EventType,
			&delivery.Payload, &delivery.Status, &delivery.AttemptCount, &delivery.NextAttemptAt,
			&delivery.LastStatusCode, &delivery.LastResponseBody, &delivery.CreatedAt, &delivery.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}
