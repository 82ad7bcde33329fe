package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/mailing"
)

type fakeTransport struct {
	err  error
	sent []*EmailMessage
}

func (f *fakeTransport) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &SendResult{MessageID: "ses-msg-1", SentAt: time.Now()}, nil
}

func newTestPool(t *testing.T, transport MailTransport) (*SendWorkerPool, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	store := mailing.NewStore(db)
	pool := NewSendWorkerPool(PoolConfig{
		MaxAttempts:    3,
		FromName:       "Acme News",
		FromEmail:      "news@acme.example",
		CompanyName:    "Acme",
		CompanyAddress: "1 Acme Way",
	}, NewQueue(db), store, mailing.NewTemplateService(), mailing.NewURLBuilder("https://mail.acme.example"), transport, NewCompletionTracker(db))
	return pool, mock, func() { db.Close() }
}

func expectCampaignRow(mock sqlmock.Sqlmock, campaignID, templateID uuid.UUID, total, sent, failed int) {
	now := time.Now()
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "email_template_id", "status", "scheduled_at", "sent_at",
			"total_recipients", "successfully_sent", "failed_to_send", "created_at", "updated_at",
		}).AddRow(campaignID, "Launch", templateID, "sending", nil, nil, total, sent, failed, now, now))
}

func expectTemplateRow(mock sqlmock.Sqlmock, templateID uuid.UUID, subject, body, footer string) {
	now := time.Now()
	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "subject", "html_content", "footer_html", "created_at", "updated_at",
		}).AddRow(templateID, "newsletter", subject, body, footer, now, now))
}

func expectContactRow(mock sqlmock.Sqlmock, contactID uuid.UUID, email string, subscribed bool) {
	now := time.Now()
	mock.ExpectQuery("FROM contacts WHERE id").
		WithArgs(contactID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "contact_list_id", "email", "first_name", "last_name", "company", "job_title",
			"custom_fields", "subscribed", "unsubscribe_token", "created_at", "updated_at",
		}).AddRow(contactID, nil, email, "Jane", "Doe", "Acme", "CTO", nil, subscribed, uuid.New(), now, now))
}

// expectFinalize mocks the completion tracker transaction finding the
// campaign complete and assigning finalStatus.
func expectFinalize(mock sqlmock.Sqlmock, campaignID uuid.UUID, total, sent, failed int, finalStatus string) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, total_recipients, successfully_sent, failed_to_send").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_recipients", "successfully_sent", "failed_to_send"}).
			AddRow("sending", total, sent, failed))
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, finalStatus).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestProcessItemSuccess(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com"}

	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID,
		"Hi {{ first_name }}",
		"<html><body>Hello {{ first_name }} from {{ your_company_name }}</body></html>",
		"<p><a href=\"{{ unsubscribe_url }}\">Unsubscribe</a></p>")
	expectContactRow(mock, contactID, "jane@example.com", true)

	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET successfully_sent").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 1, 0, "sent")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("transport sent %d messages, want 1", len(transport.sent))
	}
	msg := transport.sent[0]
	if msg.Subject != "Hi Jane" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTMLContent, "Hello Jane from Acme") {
		t.Errorf("body not personalized: %q", msg.HTMLContent)
	}
	if !strings.Contains(msg.HTMLContent, "/unsubscribe/") {
		t.Errorf("unsubscribe link missing: %q", msg.HTMLContent)
	}
	if !strings.Contains(msg.HTMLContent, "/t/open/"+campaignID.String()) {
		t.Errorf("tracking pixel missing: %q", msg.HTMLContent)
	}
	if msg.TextContent == "" || strings.Contains(msg.TextContent, "<body>") {
		t.Errorf("plaintext fallback wrong: %q", msg.TextContent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["sent"]; got != 1 {
		t.Errorf("sent stat = %d, want 1", got)
	}
}

func TestProcessItemTransportErrorReschedules(t *testing.T) {
	transport := &fakeTransport{err: errors.New("throttled")}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com", Attempts: 0}

	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID, "Subject", "<p>Body</p>", "")
	expectContactRow(mock, contactID, "jane@example.com", true)

	// Failure log upserted, item rescheduled: no counter, no completion check.
	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["retried"]; got != 1 {
		t.Errorf("retried stat = %d, want 1", got)
	}
	if got := pool.Stats()["failed"]; got != 0 {
		t.Errorf("failed stat = %d, want 0", got)
	}
}

func TestProcessItemTransportErrorExhaustsRetries(t *testing.T) {
	transport := &fakeTransport{err: errors.New("550 mailbox unavailable")}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	// Third attempt: two failures already recorded.
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com", Attempts: 2}

	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID, "Subject", "<p>Body</p>", "")
	expectContactRow(mock, contactID, "jane@example.com", true)

	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET failed_to_send").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 0, 1, "failed")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["failed"]; got != 1 {
		t.Errorf("failed stat = %d, want 1", got)
	}
}

// A failure logged before the contact is loaded attributes the log to
// the queue row's contact id. If that contact was deleted since
// enqueue, the insert trips the foreign key; the log must land anyway
// under a null contact reference instead of wedging the item in
// processing.
func TestProcessItemFailureLogSurvivesDeletedContact(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com", Attempts: 0}

	// Campaign with no template assigned: terminal failure before the
	// contact row is ever read.
	now := time.Now()
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "email_template_id", "status", "scheduled_at", "sent_at",
			"total_recipients", "successfully_sent", "failed_to_send", "created_at", "updated_at",
		}).AddRow(campaignID, "Launch", nil, "sending", nil, nil, 1, 0, 0, now, now))

	mock.ExpectExec("INSERT INTO campaign_send_logs").
		WithArgs(sqlmock.AnyArg(), campaignID, contactID, "jane@example.com", "failed", "", sqlmock.AnyArg()).
		WillReturnError(errors.New(`pq: insert or update on table "campaign_send_logs" violates foreign key constraint`))
	mock.ExpectExec("INSERT INTO campaign_send_logs").
		WithArgs(sqlmock.AnyArg(), campaignID, nil, "jane@example.com", "failed", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET failed_to_send").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 0, 1, "failed")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["failed"]; got != 1 {
		t.Errorf("failed stat = %d, want 1", got)
	}
}

func TestProcessItemUnsubscribedContactIsSkipped(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com"}

	expectCampaignRow(mock, campaignID, templateID, 2, 1, 0)
	expectTemplateRow(mock, templateID, "Subject", "<p>Body</p>", "")
	expectContactRow(mock, contactID, "jane@example.com", false)

	// Skip: log row written, failed_to_send untouched.
	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))

	// Counters (1+0) don't cover the 2 recipients, but the queue is
	// drained, so the campaign still finalizes as sent.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, total_recipients, successfully_sent, failed_to_send").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_recipients", "successfully_sent", "failed_to_send"}).
			AddRow("sending", 2, 1, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE campaigns SET status").
		WithArgs(campaignID, "sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Error("unsubscribed contact must not be emailed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["skipped"]; got != 1 {
		t.Errorf("skipped stat = %d, want 1", got)
	}
	if got := pool.Stats()["failed"]; got != 0 {
		t.Errorf("failed stat = %d, want 0", got)
	}
}

func TestProcessItemVanishedContactIsSkipped(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "gone@example.com"}

	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID, "Subject", "<p>Body</p>", "")
	mock.ExpectQuery("FROM contacts WHERE id").
		WithArgs(contactID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))

	// Completion check finds the campaign already finalized elsewhere.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, total_recipients, successfully_sent, failed_to_send").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "total_recipients", "successfully_sent", "failed_to_send"}).
			AddRow("sent", 1, 1, 0))
	mock.ExpectRollback()

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if got := pool.Stats()["skipped"]; got != 1 {
		t.Errorf("skipped stat = %d, want 1", got)
	}
}

func TestProcessItemBodySyntaxErrorIsTerminal(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com"}

	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID, "Subject", "<p>{% broken</p>", "")
	expectContactRow(mock, contactID, "jane@example.com", true)

	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET failed_to_send").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 0, 1, "failed")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Error("broken body must not be delivered")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessItemSubjectSyntaxErrorFallsBack(t *testing.T) {
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com"}

	rawSubject := "Hi {{ first_name !"
	expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
	expectTemplateRow(mock, templateID, rawSubject, "<p>Body</p>", "")
	expectContactRow(mock, contactID, "jane@example.com", true)

	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET successfully_sent").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 1, 0, "sent")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("message not delivered")
	}
	if transport.sent[0].Subject != rawSubject {
		t.Errorf("Subject = %q, want raw fallback %q", transport.sent[0].Subject, rawSubject)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessItemMissingSenderConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := mailing.NewStore(db)
	pool := NewSendWorkerPool(PoolConfig{MaxAttempts: 3}, NewQueue(db), store,
		mailing.NewTemplateService(), mailing.NewURLBuilder("https://mail.acme.example"),
		&fakeTransport{}, NewCompletionTracker(db))

	campaignID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: uuid.New(), Email: "jane@example.com"}

	// No loads happen: the precondition fails first. Terminal failure.
	mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET failed_to_send").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
	expectFinalize(mock, campaignID, 1, 0, 1, "failed")

	if err := pool.ProcessItem(context.Background(), item); err != nil {
		t.Fatalf("ProcessItem() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProcessItemIdempotentLogUpsert(t *testing.T) {
	// Re-running a send for the same (campaign, contact) pair hits the
	// same upsert statement; the database keys the row, so no duplicate
	// history can appear. This exercises both invocations end to end.
	transport := &fakeTransport{}
	pool, mock, cleanup := newTestPool(t, transport)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	contactID := uuid.New()
	item := QueueItem{ID: uuid.New(), CampaignID: campaignID, ContactID: contactID, Email: "jane@example.com"}

	for i := 0; i < 2; i++ {
		expectCampaignRow(mock, campaignID, templateID, 1, 0, 0)
		expectTemplateRow(mock, templateID, "Subject", "<p>Body</p>", "")
		expectContactRow(mock, contactID, "jane@example.com", true)
		mock.ExpectExec("INSERT INTO campaign_send_logs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE campaigns SET successfully_sent").
			WithArgs(campaignID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE campaign_send_queue").WillReturnResult(sqlmock.NewResult(0, 1))
		expectFinalize(mock, campaignID, 1, 1, 0, "sent")
	}

	for i := 0; i < 2; i++ {
		if err := pool.ProcessItem(context.Background(), item); err != nil {
			t.Fatalf("ProcessItem() run %d error: %v", i+1, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
