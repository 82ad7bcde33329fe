// Package mailing holds the domain model and persistence layer for the
// campaign send pipeline: contacts, lists, segments, templates, campaigns
// and per-recipient send logs.
package mailing

import (
	"time"

	"github.com/google/uuid"
)

// Campaign lifecycle statuses.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
	StatusArchived  = "archived"
)

// Send log outcomes.
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
)

// DispatchableStatuses are the campaign statuses the dispatcher accepts.
// "sending" is included so a stuck campaign can be reprocessed.
var DispatchableStatuses = []string{
	StatusDraft, StatusScheduled, StatusQueued, StatusRetrying, StatusFailed, StatusSending,
}

// IsDispatchable reports whether a campaign in the given status may be
// (re)dispatched.
func IsDispatchable(status string) bool {
	for _, s := range DispatchableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ContactList is a named grouping of contacts.
type ContactList struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is an individual recipient. Email may be empty for contacts
// identified by other means; such contacts are never part of a recipient
// set. The unsubscribe token is generated lazily on first persist.
type Contact struct {
	ID               uuid.UUID         `json:"id"`
	ContactListID    *uuid.UUID        `json:"contact_list_id,omitempty"`
	Email            string            `json:"email"`
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	Company          string            `json:"company"`
	JobTitle         string            `json:"job_title"`
	CustomFields     map[string]string `json:"custom_fields,omitempty"`
	Subscribed       bool              `json:"subscribed"`
	UnsubscribeToken uuid.UUID         `json:"unsubscribe_token"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SegmentFilters is a saved dynamic filter over contacts. All populated
// conditions must hold (AND). Stored as the segments.filters JSONB column.
type SegmentFilters struct {
	// Subscribed is "true", "false" or "" (not filtered).
	Subscribed string `json:"subscribed,omitempty"`
	// Company is a case-insensitive substring match.
	Company string `json:"company,omitempty"`
	// CustomFields matches a single key/value equality. Extra keys are
	// each required to match.
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	// ContactLists restricts to members of the given lists.
	ContactLists []uuid.UUID `json:"contact_lists,omitempty"`
}

// Segment is a named, reusable dynamic filter. Membership is evaluated
// live at dispatch time, never materialized.
type Segment struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Filters   SegmentFilters `json:"filters"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EmailTemplate holds subject, body and footer HTML, all rendered with
// merge tags. The footer is expected to carry the unsubscribe tag.
type EmailTemplate struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	FooterHTML  string    `json:"footer_html"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Campaign is one bulk send run. The three counters describe the current
// run only; they are reset on every dispatch.
type Campaign struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	EmailTemplateID  *uuid.UUID `json:"email_template_id,omitempty"`
	Status           string     `json:"status"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	TotalRecipients  int        `json:"total_recipients"`
	SuccessfullySent int        `json:"successfully_sent"`
	FailedToSend     int        `json:"failed_to_send"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SendLog is one row per (campaign, contact, email) send attempt. The
// email snapshot keeps history after contact deletion; retries upsert the
// same row.
type SendLog struct {
	ID           uuid.UUID  `json:"id"`
	CampaignID   uuid.UUID  `json:"campaign_id"`
	ContactID    *uuid.UUID `json:"contact_id,omitempty"`
	EmailAddress string     `json:"email_address"`
	Status       string     `json:"status"`
	MessageID    string     `json:"message_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       time.Time  `json:"sent_at"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	ClickedAt    *time.Time `json:"clicked_at,omitempty"`
}

// Recipient is a resolved (contact, email) pair produced by the
// recipient resolver and enqueued by the dispatcher.
type Recipient struct {
	ContactID uuid.UUID
	Email     string
}
