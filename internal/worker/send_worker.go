package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// PoolConfig carries the tunables and sender identity for a worker pool.
type PoolConfig struct {
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int

	FromName  string
	FromEmail string
	ReplyTo   string

	CompanyName    string
	CompanyAddress string
}

func (c *PoolConfig) applyDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// senderConfigured reports whether the platform from-address is set.
func (c *PoolConfig) senderConfigured() bool {
	return c.FromEmail != ""
}

// SendWorkerPool drains the send queue: each worker claims batches of
// due items, renders the personalized message, and delivers it through
// the transport.
type SendWorkerPool struct {
	cfg       PoolConfig
	workerID  string
	queue     *Queue
	store     *mailing.Store
	templates *mailing.TemplateService
	urls      *mailing.URLBuilder
	transport MailTransport
	tracker   *CompletionTracker

	totalSent    int64
	totalFailed  int64
	totalSkipped int64
	totalRetried int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewSendWorkerPool wires a worker pool over the queue and store.
func NewSendWorkerPool(cfg PoolConfig, queue *Queue, store *mailing.Store, templates *mailing.TemplateService, urls *mailing.URLBuilder, transport MailTransport, tracker *CompletionTracker) *SendWorkerPool {
	cfg.applyDefaults()
	return &SendWorkerPool{
		cfg:       cfg,
		workerID:  fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		queue:     queue,
		store:     store,
		templates: templates,
		urls:      urls,
		transport: transport,
		tracker:   tracker,
	}
}

// Start launches the worker goroutines. Idempotent.
func (p *SendWorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("send worker pool starting",
		"worker_id", p.workerID,
		"workers", p.cfg.NumWorkers,
		"batch_size", p.cfg.BatchSize)

	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the pool and waits for in-flight items to finish.
func (p *SendWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("send worker pool stopped",
		"sent", atomic.LoadInt64(&p.totalSent),
		"failed", atomic.LoadInt64(&p.totalFailed),
		"skipped", atomic.LoadInt64(&p.totalSkipped),
		"retried", atomic.LoadInt64(&p.totalRetried))
}

// Stats returns cumulative outcome counts for this pool.
func (p *SendWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    atomic.LoadInt64(&p.totalSent),
		"failed":  atomic.LoadInt64(&p.totalFailed),
		"skipped": atomic.LoadInt64(&p.totalSkipped),
		"retried": atomic.LoadInt64(&p.totalRetried),
	}
}

func (p *SendWorkerPool) worker(n int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		items, err := p.queue.ClaimBatch(p.ctx, p.workerID, p.cfg.BatchSize)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Error("claim batch failed", "worker", n, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if len(items) == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		for _, item := range items {
			if err := p.ProcessItem(p.ctx, item); err != nil {
				logger.Error("process queue item failed",
					"worker", n, "item_id", item.ID.String(), "error", err.Error())
			}
		}
	}
}

// ProcessItem runs the full per-recipient state machine for one claimed
// queue item: load, guard, render, deliver, record. Every path leaves
// the item in a terminal queue status except a retryable transport
// failure below the attempt cap, which goes back to the queue with a
// backoff. Exactly one counter increment happens per terminal outcome.
func (p *SendWorkerPool) ProcessItem(ctx context.Context, item QueueItem) error {
	msg, contact, err := p.buildMessage(ctx, item)
	if err != nil {
		return p.recordFailure(ctx, item, contact, err)
	}

	result, sendErr := p.transport.Send(ctx, msg)
	if sendErr != nil {
		return p.recordFailure(ctx, item, contact, &TransportError{Err: sendErr})
	}

	atomic.AddInt64(&p.totalSent, 1)
	contactID := item.ContactID
	if err := p.store.UpsertSendLog(ctx, &mailing.SendLog{
		CampaignID:   item.CampaignID,
		ContactID:    &contactID,
		EmailAddress: item.Email,
		Status:       mailing.LogStatusSuccess,
		MessageID:    result.MessageID,
	}); err != nil {
		return err
	}
	if err := p.store.IncrementCounter(ctx, item.CampaignID, mailing.CounterSent); err != nil {
		return err
	}
	if err := p.queue.MarkDone(ctx, item.ID, QueueStatusDone); err != nil {
		return err
	}
	return p.tracker.CheckAndFinalize(ctx, item.CampaignID)
}

// buildMessage loads everything the item needs and renders the email.
// Returned errors classify the failure; contact may be nil when the
// failure happened before or during the contact load.
func (p *SendWorkerPool) buildMessage(ctx context.Context, item QueueItem) (*EmailMessage, *mailing.Contact, error) {
	if !p.cfg.senderConfigured() {
		return nil, nil, ErrMissingSenderConfig
	}

	campaign, err := p.store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		if errors.Is(err, mailing.ErrNotFound) {
			return nil, nil, ErrCampaignNotFound
		}
		return nil, nil, err
	}
	if campaign.EmailTemplateID == nil {
		return nil, nil, ErrMissingTemplate
	}
	template, err := p.store.GetTemplate(ctx, *campaign.EmailTemplateID)
	if err != nil {
		if errors.Is(err, mailing.ErrNotFound) {
			return nil, nil, ErrMissingTemplate
		}
		return nil, nil, err
	}

	contact, err := p.store.GetContact(ctx, item.ContactID)
	if err != nil {
		if errors.Is(err, mailing.ErrNotFound) {
			return nil, nil, ErrRecipientNotFound
		}
		return nil, nil, err
	}
	if !contact.Subscribed {
		return nil, contact, ErrRecipientUnsubscribed
	}
	if contact.Email == "" {
		return nil, contact, ErrRecipientNotFound
	}

	bindings := p.mergeContext(campaign, contact)

	// A broken subject template degrades to the raw subject line; the
	// message is still worth sending.
	subject, err := p.templates.Render("subject:"+template.ID.String(), template.Subject, bindings)
	if err != nil {
		logger.Warn("subject render failed, using raw subject",
			"campaign_id", item.CampaignID.String(), "error", err.Error())
		subject = template.Subject
	}

	// A broken body or footer is fatal for the recipient.
	body, err := p.templates.Render("body:"+template.ID.String(), template.HTMLContent, bindings)
	if err != nil {
		return nil, contact, &TemplateSyntaxError{Field: "body", Err: err}
	}
	if template.FooterHTML != "" {
		footer, err := p.templates.Render("footer:"+template.ID.String(), template.FooterHTML, bindings)
		if err != nil {
			return nil, contact, &TemplateSyntaxError{Field: "footer", Err: err}
		}
		body = mailing.InjectFooter(body, footer)
	}
	body = mailing.InjectFooter(body, p.urls.PixelTag(item.CampaignID, contact.ID))

	return &EmailMessage{
		CampaignID:  item.CampaignID.String(),
		ContactID:   contact.ID.String(),
		Email:       contact.Email,
		FromName:    p.cfg.FromName,
		FromEmail:   p.cfg.FromEmail,
		ReplyTo:     p.cfg.ReplyTo,
		Subject:     subject,
		HTMLContent: body,
		TextContent: mailing.StripHTML(body),
	}, contact, nil
}

// mergeContext assembles the Liquid bindings for one recipient. Custom
// fields merge in first so the reserved keys always win.
func (p *SendWorkerPool) mergeContext(campaign *mailing.Campaign, contact *mailing.Contact) map[string]interface{} {
	bindings := make(map[string]interface{}, len(contact.CustomFields)+12)
	for k, v := range contact.CustomFields {
		bindings[k] = v
	}
	bindings["first_name"] = contact.FirstName
	bindings["last_name"] = contact.LastName
	bindings["email"] = contact.Email
	bindings["company"] = contact.Company
	bindings["job_title"] = contact.JobTitle
	bindings["campaign_name"] = campaign.Name
	bindings["unsubscribe_url"] = p.urls.UnsubscribeURL(contact.UnsubscribeToken)
	bindings["your_company_name"] = p.cfg.CompanyName
	bindings["company_address"] = p.cfg.CompanyAddress
	bindings["site_url"] = p.urls.BaseURL
	bindings["tracking_pixel"] = p.urls.PixelTag(campaign.ID, contact.ID)
	return bindings
}

// recordFailure maps a processing error to its outcome: retryable
// transport errors go back to the queue until the attempt cap, every
// other error is terminal. A skip (contact gone or unsubscribed after
// dispatch) is processed-but-not-failed: it gets a log row and the
// completion check, but never touches failed_to_send. A vanished
// campaign just retires the queue item; there is nothing to update.
func (p *SendWorkerPool) recordFailure(ctx context.Context, item QueueItem, contact *mailing.Contact, procErr error) error {
	if errors.Is(procErr, ErrCampaignNotFound) {
		return p.queue.MarkDone(ctx, item.ID, QueueStatusFailed)
	}

	attempt := item.Attempts + 1
	if IsRetryable(procErr) && attempt < p.cfg.MaxAttempts {
		atomic.AddInt64(&p.totalRetried, 1)
		logger.Warn("send attempt failed, rescheduling",
			"campaign_id", item.CampaignID.String(),
			"recipient", item.Email,
			"attempt", attempt,
			"error", procErr.Error())
		if err := p.upsertFailureLog(ctx, item, contact, mailing.LogStatusFailed, procErr); err != nil {
			return err
		}
		return p.queue.Reschedule(ctx, item.ID, attempt)
	}

	skip := errors.Is(procErr, ErrRecipientNotFound) || errors.Is(procErr, ErrRecipientUnsubscribed)
	logStatus := mailing.LogStatusFailed
	queueStatus := QueueStatusFailed
	if skip {
		logStatus = mailing.LogStatusSkipped
		queueStatus = QueueStatusDone
		atomic.AddInt64(&p.totalSkipped, 1)
	} else {
		atomic.AddInt64(&p.totalFailed, 1)
	}

	logger.Warn("recipient send terminal failure",
		"campaign_id", item.CampaignID.String(),
		"recipient", item.Email,
		"status", logStatus,
		"error", procErr.Error())

	if err := p.upsertFailureLog(ctx, item, contact, logStatus, procErr); err != nil {
		return err
	}
	if !skip {
		if err := p.store.IncrementCounter(ctx, item.CampaignID, mailing.CounterFailed); err != nil {
			return err
		}
	}
	if err := p.queue.MarkDone(ctx, item.ID, queueStatus); err != nil {
		return err
	}
	return p.tracker.CheckAndFinalize(ctx, item.CampaignID)
}

// upsertFailureLog writes the send log for a failed or skipped attempt.
// When the contact row is gone the log keeps the snapshotted address
// with a null contact reference.
func (p *SendWorkerPool) upsertFailureLog(ctx context.Context, item QueueItem, contact *mailing.Contact, status string, procErr error) error {
	var contactID *uuid.UUID
	fromQueue := false
	if contact != nil {
		id := contact.ID
		contactID = &id
	} else if !errors.Is(procErr, ErrRecipientNotFound) {
		// Attribution from the queue row; the contact was never loaded
		// and may have been deleted since enqueue.
		id := item.ContactID
		contactID = &id
		fromQueue = true
	}
	entry := &mailing.SendLog{
		CampaignID:   item.CampaignID,
		ContactID:    contactID,
		EmailAddress: item.Email,
		Status:       status,
		ErrorMessage: procErr.Error(),
	}
	err := p.store.UpsertSendLog(ctx, entry)
	if err != nil && fromQueue {
		// Likely a dangling contact reference; keep the snapshotted
		// address under a null contact so the log still lands.
		entry.ContactID = nil
		err = p.store.UpsertSendLog(ctx, entry)
	}
	return err
}
