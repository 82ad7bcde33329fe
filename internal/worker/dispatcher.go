package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Dispatch outcomes.
var (
	// ErrNotDispatchable means the campaign is missing or in a status
	// that cannot start a send run (sent, archived, or mid-run sending).
	ErrNotDispatchable = errors.New("campaign is not in a dispatchable status")

	// ErrDispatchInProgress means another host holds the dispatch lock.
	ErrDispatchInProgress = errors.New("dispatch already in progress")
)

// dispatchLockTTL bounds how long a crashed dispatcher can hold a
// campaign's lock.
const dispatchLockTTL = 2 * time.Minute

// Dispatcher starts a campaign send run: it flips the campaign to
// sending, resolves the audience, snapshots the recipient total, and
// enqueues one send task per recipient.
type Dispatcher struct {
	store    *mailing.Store
	resolver *mailing.Resolver
	queue    *Queue
	redis    *redis.Client
	db       *sql.DB
}

// NewDispatcher wires a dispatcher. The redis client may be nil; the
// dispatch lock then falls back to a Postgres advisory lock.
func NewDispatcher(store *mailing.Store, resolver *mailing.Resolver, queue *Queue, redisClient *redis.Client) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		queue:    queue,
		redis:    redisClient,
		db:       store.DB(),
	}
}

// Dispatch begins a send run for one campaign and returns the number of
// recipients enqueued. A campaign that resolves to zero recipients is
// finalized as failed immediately, with sent_at stamped, and Dispatch
// returns 0 with no error.
//
// The status transition is a single guarded UPDATE, so two concurrent
// dispatches of the same campaign cannot both win; the distributed lock
// on top keeps the resolve-and-enqueue phase single-flight across hosts.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID uuid.UUID) (int, error) {
	lock := distlock.NewLock(d.redis, d.db, "dispatch:campaign:"+campaignID.String(), dispatchLockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return 0, ErrDispatchInProgress
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("release dispatch lock", "campaign_id", campaignID.String(), "error", err.Error())
		}
	}()

	// Flip to sending and wipe the previous run's counters in one
	// guarded statement.
	ok, err = d.store.ResetForDispatch(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Distinguish a genuinely closed status from a campaign that
		// vanished between lock and reset; both refuse the dispatch.
		if c, gerr := d.store.GetCampaign(ctx, campaignID); gerr == nil && mailing.IsDispatchable(c.Status) {
			return 0, fmt.Errorf("reset campaign %s: status changed mid-dispatch: %w", campaignID, ErrNotDispatchable)
		}
		return 0, ErrNotDispatchable
	}

	recipients, err := d.resolver.Resolve(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("resolve audience: %w", err)
	}

	if err := d.store.SetTotalRecipients(ctx, campaignID, len(recipients)); err != nil {
		return 0, err
	}

	if len(recipients) == 0 {
		logger.Warn("campaign resolved to empty audience", "campaign_id", campaignID.String())
		if err := d.store.MarkCampaignFailed(ctx, campaignID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	enqueued, err := d.queue.Enqueue(ctx, campaignID, recipients)
	if err != nil {
		return 0, err
	}

	logger.Info("campaign dispatched",
		"campaign_id", campaignID.String(),
		"recipients", len(recipients),
		"enqueued", enqueued)
	return len(recipients), nil
}
