package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// schedulerLockTTL bounds how long a crashed poller holds the tick lock.
const schedulerLockTTL = 90 * time.Second

// CampaignScheduler promotes due scheduled campaigns into the dispatch
// pipeline on a fixed period. A cross-host lock keeps the tick
// single-flight when multiple instances run.
type CampaignScheduler struct {
	db           *sql.DB
	redisClient  *redis.Client
	dispatcher   *Dispatcher
	workerID     string
	pollInterval time.Duration

	campaignsPromoted int64
	tickErrors        int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewCampaignScheduler creates a scheduler polling at the given period.
func NewCampaignScheduler(db *sql.DB, dispatcher *Dispatcher, pollInterval time.Duration) *CampaignScheduler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	hostname, _ := os.Hostname()
	return &CampaignScheduler{
		db:           db,
		dispatcher:   dispatcher,
		workerID:     fmt.Sprintf("scheduler-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval: pollInterval,
	}
}

// SetRedisClient enables Redis-based tick locking; without it the
// scheduler falls back to a Postgres advisory lock.
func (cs *CampaignScheduler) SetRedisClient(client *redis.Client) {
	cs.redisClient = client
}

// Start begins the polling loop.
func (cs *CampaignScheduler) Start() {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = true
	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.mu.Unlock()

	logger.Info("campaign scheduler starting",
		"worker_id", cs.workerID,
		"poll_interval", cs.pollInterval.String())

	cs.wg.Add(1)
	go cs.loop()
}

// Stop halts the polling loop and waits for the current tick.
func (cs *CampaignScheduler) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	cs.cancel()
	cs.mu.Unlock()

	cs.wg.Wait()
	logger.Info("campaign scheduler stopped",
		"promoted", atomic.LoadInt64(&cs.campaignsPromoted))
}

func (cs *CampaignScheduler) loop() {
	defer cs.wg.Done()

	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.Tick(cs.ctx); err != nil {
				atomic.AddInt64(&cs.tickErrors, 1)
				logger.Error("scheduler tick failed", "error", err.Error())
			}
		}
	}
}

// Tick promotes every due scheduled campaign to queued and dispatches
// it. Returns the number of campaigns promoted. Promotion is a guarded
// UPDATE, so a campaign claimed by this tick cannot be re-promoted by a
// concurrent or subsequent tick.
func (cs *CampaignScheduler) Tick(ctx context.Context) (int, error) {
	lock := distlock.NewLock(cs.redisClient, cs.db, "scheduler:tick", schedulerLockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer lock.Release(context.Background())

	due, err := cs.promoteDue(ctx)
	if err != nil {
		return 0, err
	}

	for _, campaignID := range due {
		if _, err := cs.dispatcher.Dispatch(ctx, campaignID); err != nil {
			if errors.Is(err, ErrDispatchInProgress) || errors.Is(err, ErrNotDispatchable) {
				continue
			}
			logger.Error("dispatch of scheduled campaign failed",
				"campaign_id", campaignID.String(), "error", err.Error())
		}
	}

	if len(due) > 0 {
		atomic.AddInt64(&cs.campaignsPromoted, int64(len(due)))
		logger.Info("promoted scheduled campaigns", "count", len(due))
	}
	return len(due), nil
}

// promoteDue flips due scheduled campaigns to queued and returns their ids.
func (cs *CampaignScheduler) promoteDue(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := cs.db.QueryContext(ctx, `
		UPDATE campaigns
		SET status = 'queued', updated_at = NOW()
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW()
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("promote scheduled campaigns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan promoted campaign: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
