package mailing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// maxErrorLen bounds the error text stored on a send log row.
const maxErrorLen = 500

// Store is the PostgreSQL persistence layer for the send pipeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on top of an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components that manage their own
// transactions (completion tracker, queue claim).
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// Contact lists and contacts
// =============================================================================

// CreateContactList inserts a new list.
func (s *Store) CreateContactList(ctx context.Context, list *ContactList) error {
	if list.ID == uuid.Nil {
		list.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_lists (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
	`, list.ID, list.Name)
	if err != nil {
		return fmt.Errorf("create contact list: %w", err)
	}
	return nil
}

// CreateContact inserts a contact, generating the unsubscribe token when
// absent (every contact persisted through the store has one).
func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.UnsubscribeToken == uuid.Nil {
		c.UnsubscribeToken = uuid.New()
	}

	var customJSON []byte
	if len(c.CustomFields) > 0 {
		var err error
		customJSON, err = json.Marshal(c.CustomFields)
		if err != nil {
			return fmt.Errorf("marshal custom fields: %w", err)
		}
	}

	var listID interface{}
	if c.ContactListID != nil {
		listID = *c.ContactListID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts
			(id, contact_list_id, email, first_name, last_name, company, job_title,
			 custom_fields, subscribed, unsubscribe_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, c.ID, listID, c.Email, c.FirstName, c.LastName, c.Company, c.JobTitle,
		nullableJSON(customJSON), c.Subscribed, c.UnsubscribeToken)
	if err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	c := &Contact{}
	var listID sql.NullString
	var email, firstName, lastName, company, jobTitle sql.NullString
	var customJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_list_id, email, first_name, last_name, company, job_title,
		       custom_fields, subscribed, unsubscribe_token, created_at, updated_at
		FROM contacts WHERE id = $1
	`, id).Scan(
		&c.ID, &listID, &email, &firstName, &lastName, &company, &jobTitle,
		&customJSON, &c.Subscribed, &c.UnsubscribeToken, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	c.Email = email.String
	c.FirstName = firstName.String
	c.LastName = lastName.String
	c.Company = company.String
	c.JobTitle = jobTitle.String
	if listID.Valid {
		if parsed, err := uuid.Parse(listID.String); err == nil {
			c.ContactListID = &parsed
		}
	}
	if len(customJSON) > 0 {
		if err := json.Unmarshal(customJSON, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("parse custom fields: %w", err)
		}
	}
	return c, nil
}

// UnsubscribeByToken flips the subscribed flag off for the contact owning
// the token. Idempotent; returns false when no contact carries the token.
func (s *Store) UnsubscribeByToken(ctx context.Context, token uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET subscribed = FALSE, updated_at = NOW()
		WHERE unsubscribe_token = $1
	`, token)
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// Segments
// =============================================================================

// CreateSegment inserts a segment with its filter definition.
func (s *Store) CreateSegment(ctx context.Context, seg *Segment) error {
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	filtersJSON, err := json.Marshal(seg.Filters)
	if err != nil {
		return fmt.Errorf("marshal segment filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO segments (id, name, filters, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, seg.ID, seg.Name, filtersJSON)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

// CampaignSegments loads the segments linked to a campaign, filters parsed.
func (s *Store) CampaignSegments(ctx context.Context, campaignID uuid.UUID) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seg.id, seg.name, seg.filters, seg.created_at, seg.updated_at
		FROM segments seg
		JOIN campaign_segments cs ON cs.segment_id = seg.id
		WHERE cs.campaign_id = $1
		ORDER BY seg.created_at
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		var filtersJSON []byte
		if err := rows.Scan(&seg.ID, &seg.Name, &filtersJSON, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if len(filtersJSON) > 0 {
			if err := json.Unmarshal(filtersJSON, &seg.Filters); err != nil {
				return nil, fmt.Errorf("parse segment filters: %w", err)
			}
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// CampaignListIDs loads the contact list ids linked to a campaign.
func (s *Store) CampaignListIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_list_id FROM campaign_contact_lists WHERE campaign_id = $1
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign lists: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan list id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// Templates
// =============================================================================

// CreateTemplate inserts an email template.
func (s *Store) CreateTemplate(ctx context.Context, t *EmailTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_templates (id, name, subject, html_content, footer_html, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, t.ID, t.Name, t.Subject, t.HTMLContent, t.FooterHTML)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// GetTemplate loads a template by id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*EmailTemplate, error) {
	t := &EmailTemplate{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subject, html_content, COALESCE(footer_html, ''), created_at, updated_at
		FROM email_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLContent, &t.FooterHTML, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// =============================================================================
// Campaigns
// =============================================================================

// CreateCampaign inserts a campaign with its list and segment links.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign, listIDs, segmentIDs []uuid.UUID) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}

	var templateID interface{}
	if c.EmailTemplateID != nil {
		templateID = *c.EmailTemplateID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, email_template_id, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, c.ID, c.Name, templateID, c.Status, c.ScheduledAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}

	for _, listID := range listIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO campaign_contact_lists (campaign_id, contact_list_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, c.ID, listID); err != nil {
			return fmt.Errorf("link contact list: %w", err)
		}
	}
	for _, segID := range segmentIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO campaign_segments (campaign_id, segment_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, c.ID, segID); err != nil {
			return fmt.Errorf("link segment: %w", err)
		}
	}
	return nil
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c := &Campaign{}
	var templateID sql.NullString
	var scheduledAt, sentAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email_template_id, status, scheduled_at, sent_at,
		       total_recipients, successfully_sent, failed_to_send, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(
		&c.ID, &c.Name, &templateID, &c.Status, &scheduledAt, &sentAt,
		&c.TotalRecipients, &c.SuccessfullySent, &c.FailedToSend, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if templateID.Valid {
		if parsed, err := uuid.Parse(templateID.String); err == nil {
			c.EmailTemplateID = &parsed
		}
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	return c, nil
}

// ResetForDispatch atomically moves a campaign into the sending state and
// clears the previous run: counters zeroed, sent_at cleared. Returns false
// when the campaign is not in a dispatchable status (or does not exist).
func (s *Store) ResetForDispatch(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', successfully_sent = 0, failed_to_send = 0,
		    sent_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, pq.Array(DispatchableStatuses))
	if err != nil {
		return false, fmt.Errorf("reset for dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTotalRecipients snapshots the resolved recipient count for this run.
func (s *Store) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("set total recipients: %w", err)
	}
	return nil
}

// MarkCampaignFailed finalizes a campaign as failed with sent_at stamped.
// Used by the dispatcher for empty recipient sets.
func (s *Store) MarkCampaignFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'failed', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	return nil
}

// Counter fields accepted by IncrementCounter.
const (
	CounterSent   = "successfully_sent"
	CounterFailed = "failed_to_send"
)

// IncrementCounter atomically bumps one of the two run counters. This is
// the only code path that mutates them; callers invoke it exactly once
// per terminal outcome.
func (s *Store) IncrementCounter(ctx context.Context, campaignID uuid.UUID, field string) error {
	var q string
	switch field {
	case CounterSent:
		q = `UPDATE campaigns SET successfully_sent = successfully_sent + 1, updated_at = NOW() WHERE id = $1`
	case CounterFailed:
		q = `UPDATE campaigns SET failed_to_send = failed_to_send + 1, updated_at = NOW() WHERE id = $1`
	default:
		return fmt.Errorf("unknown counter field %q", field)
	}
	if _, err := s.db.ExecContext(ctx, q, campaignID); err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	return nil
}

// =============================================================================
// Send logs
// =============================================================================

// UpsertSendLog records the outcome of one send attempt, keyed by
// (campaign, contact, email). Re-running the worker for the same pair
// updates the existing row, so retries never duplicate history.
func (s *Store) UpsertSendLog(ctx context.Context, l *SendLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	var contactID interface{}
	if l.ContactID != nil {
		contactID = *l.ContactID
	}
	errMsg := l.ErrorMessage
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_send_logs
			(id, campaign_id, contact_id, email_address, status, message_id, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NOW())
		ON CONFLICT (campaign_id, contact_id, email_address) DO UPDATE SET
			status = EXCLUDED.status,
			message_id = EXCLUDED.message_id,
			error_message = EXCLUDED.error_message,
			sent_at = NOW()
	`, l.ID, l.CampaignID, contactID, l.EmailAddress, l.Status, l.MessageID, errMsg)
	if err != nil {
		return fmt.Errorf("upsert send log: %w", err)
	}
	return nil
}

// MarkOpened stamps the first open for a (campaign, contact) pair.
// Subsequent opens are ignored.
func (s *Store) MarkOpened(ctx context.Context, campaignID, contactID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_send_logs SET opened_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND opened_at IS NULL
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("mark opened: %w", err)
	}
	return nil
}

// MarkClicked stamps the first click for a (campaign, contact) pair.
func (s *Store) MarkClicked(ctx context.Context, campaignID, contactID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_send_logs SET clicked_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND clicked_at IS NULL
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("mark clicked: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
