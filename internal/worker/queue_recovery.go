package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// QueueRecovery returns send tasks abandoned by crashed workers to the
// queue. A processing row whose lock is older than the stale threshold
// is assumed orphaned; requeueing it preserves at-least-once delivery.
type QueueRecovery struct {
	db             *sql.DB
	staleThreshold time.Duration
	interval       time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewQueueRecovery creates a recovery loop with the given stale
// threshold and sweep interval.
func NewQueueRecovery(db *sql.DB, staleThreshold, interval time.Duration) *QueueRecovery {
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &QueueRecovery{
		db:             db,
		staleThreshold: staleThreshold,
		interval:       interval,
	}
}

// Start begins the periodic sweep.
func (r *QueueRecovery) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop()
}

// Stop halts the sweep loop.
func (r *QueueRecovery) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *QueueRecovery) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RecoverStale(r.ctx)
			if err != nil {
				logger.Error("queue recovery sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Warn("requeued stale send tasks", "count", n)
			}
		}
	}
}

// RecoverStale requeues processing rows with an expired lock and
// returns how many were recovered.
func (r *QueueRecovery) RecoverStale(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_send_queue
		SET status = 'queued', worker_id = NULL, locked_at = NULL, next_attempt_at = NOW()
		WHERE status = 'processing'
		  AND locked_at < NOW() - $1 * INTERVAL '1 second'
	`, int(r.staleThreshold.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
