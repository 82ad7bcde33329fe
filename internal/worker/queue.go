package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/mailing"
)

// Queue item statuses.
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusDone       = "done"
	QueueStatusFailed     = "failed"
)

// retryBackoff maps the attempt count that just failed to the delay
// before the next try.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// backoffFor returns the delay applied after the given failed attempt
// number (1-based).
func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempt-1]
}

// QueueItem is one claimed row from the send queue.
type QueueItem struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID
	Email      string
	Attempts   int
}

// Queue is the PostgreSQL-backed per-recipient send queue. Rows are
// claimed with SKIP LOCKED so concurrent workers never double-claim.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue on an existing connection pool.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts one queue row per recipient. The email address is
// snapshotted so the row stays actionable if the contact is deleted.
// Rows left over from an earlier run in a terminal status are re-armed
// for the new run; still-pending duplicates are left alone, which makes
// dispatch safe to re-run mid-flight.
func (q *Queue) Enqueue(ctx context.Context, campaignID uuid.UUID, recipients []mailing.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(recipients))
	contactIDs := make([]uuid.UUID, len(recipients))
	emails := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = uuid.New()
		contactIDs[i] = r.ContactID
		emails[i] = r.Email
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO campaign_send_queue (id, campaign_id, contact_id, email, status, next_attempt_at)
		SELECT unnest($2::uuid[]), $1, unnest($3::uuid[]), unnest($4::text[]), 'queued', NOW()
		ON CONFLICT (campaign_id, contact_id) DO UPDATE SET
			status = 'queued', attempts = 0, next_attempt_at = NOW(),
			email = EXCLUDED.email, worker_id = NULL, locked_at = NULL
		WHERE campaign_send_queue.status IN ('done', 'failed')
	`, campaignID, pq.Array(ids), pq.Array(contactIDs), pq.Array(emails))
	if err != nil {
		return 0, fmt.Errorf("enqueue recipients: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimBatch atomically claims up to limit due queue rows for a worker.
// Claimed rows move to processing with the worker id and lock time
// stamped; SKIP LOCKED keeps concurrent claimers from blocking.
func (q *Queue) ClaimBatch(ctx context.Context, workerID string, limit int) ([]QueueItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE campaign_send_queue
		SET status = 'processing', worker_id = $1, locked_at = NOW()
		WHERE id IN (
			SELECT id FROM campaign_send_queue
			WHERE status = 'queued' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, contact_id, email, attempts
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.CampaignID, &item.ContactID, &item.Email, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkDone finishes a queue item with a terminal status (done or failed).
func (q *Queue) MarkDone(ctx context.Context, itemID uuid.UUID, status string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET status = $2, worker_id = NULL, locked_at = NULL
		WHERE id = $1
	`, itemID, status)
	if err != nil {
		return fmt.Errorf("mark queue item %s: %w", status, err)
	}
	return nil
}

// Reschedule returns a transport-failed item to the queue with the
// attempt counter bumped and the next try pushed out by the backoff
// schedule.
func (q *Queue) Reschedule(ctx context.Context, itemID uuid.UUID, failedAttempt int) error {
	delay := backoffFor(failedAttempt)
	_, err := q.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET status = 'queued', attempts = $2, worker_id = NULL, locked_at = NULL,
		    next_attempt_at = NOW() + $3 * INTERVAL '1 second'
		WHERE id = $1
	`, itemID, failedAttempt, int(delay.Seconds()))
	if err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	return nil
}
