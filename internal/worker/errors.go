package worker

import (
	"errors"
	"fmt"
)

// Sentinel errors for per-recipient outcomes. The send worker maps each
// to a terminal log status; none of them are retryable.
var (
	// ErrMissingSenderConfig means the platform from-address is not set.
	ErrMissingSenderConfig = errors.New("sender identity not configured")

	// ErrMissingTemplate means the campaign has no email template attached.
	ErrMissingTemplate = errors.New("campaign has no email template")

	// ErrCampaignNotFound means the campaign row vanished after enqueue.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrRecipientNotFound means the contact was deleted between dispatch
	// and send. The recipient is skipped, not failed.
	ErrRecipientNotFound = errors.New("contact no longer exists")

	// ErrRecipientUnsubscribed means the contact opted out after dispatch.
	ErrRecipientUnsubscribed = errors.New("contact unsubscribed")
)

// TemplateSyntaxError reports an unparseable merge template. Which field
// broke decides severity: a bad subject falls back to the raw string,
// a bad body or footer fails the recipient.
type TemplateSyntaxError struct {
	Field string // "subject", "body", "footer"
	Err   error
}

func (e *TemplateSyntaxError) Error() string {
	return fmt.Sprintf("template syntax error in %s: %v", e.Field, e.Err)
}

func (e *TemplateSyntaxError) Unwrap() error { return e.Err }

// TransportError wraps a provider delivery failure. These are the only
// errors the send worker retries.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error should put the queue item back
// with a backoff instead of recording a terminal outcome.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
