package worker

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// CompletionTracker decides, after each per-recipient outcome, whether a
// campaign's run is over and assigns its final status. The whole check
// runs in one transaction holding the campaign row lock, so concurrent
// calls from racing workers serialize and at most one of them finalizes.
type CompletionTracker struct {
	db *sql.DB
}

// NewCompletionTracker creates a tracker on an existing pool.
func NewCompletionTracker(db *sql.DB) *CompletionTracker {
	return &CompletionTracker{db: db}
}

// CheckAndFinalize finalizes the campaign when every recipient has
// reached a terminal outcome. Safe to call redundantly: anything not in
// the sending status is a no-op, so a second caller arriving after
// finalization changes nothing.
//
// Completion holds when the two outcome counters account for the
// recipient snapshot, or when no queue rows for the campaign remain
// pending (skipped recipients retire their queue row without bumping
// either counter). A campaign still sending with a zero recipient
// snapshot is finalized as failed.
func (t *CompletionTracker) CheckAndFinalize(ctx context.Context, campaignID uuid.UUID) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion check: %w", err)
	}
	defer tx.Rollback()

	var status string
	var total, sent, failed int
	err = tx.QueryRowContext(ctx, `
		SELECT status, total_recipients, successfully_sent, failed_to_send
		FROM campaigns WHERE id = $1
		FOR UPDATE
	`, campaignID).Scan(&status, &total, &sent, &failed)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock campaign for completion check: %w", err)
	}
	if status != "sending" {
		return nil
	}

	complete := total == 0 || sent+failed >= total
	if !complete {
		var pending int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM campaign_send_queue
			WHERE campaign_id = $1 AND status IN ('queued', 'processing')
		`, campaignID).Scan(&pending)
		if err != nil {
			return fmt.Errorf("count pending sends: %w", err)
		}
		complete = pending == 0
	}
	if !complete {
		return nil
	}

	final := "sent"
	if failed > 0 || total == 0 {
		final = "failed"
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, campaignID, final)
	if err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion check: %w", err)
	}

	logger.Info("campaign finalized",
		"campaign_id", campaignID.String(),
		"status", final,
		"total", total,
		"sent", sent,
		"failed", failed)
	return nil
}
