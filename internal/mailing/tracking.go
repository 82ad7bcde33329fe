package mailing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// URLBuilder produces the public tracking and unsubscribe URLs embedded
// into outgoing email.
type URLBuilder struct {
	BaseURL string
}

// NewURLBuilder creates a builder rooted at the site base URL.
func NewURLBuilder(baseURL string) *URLBuilder {
	return &URLBuilder{BaseURL: strings.TrimRight(baseURL, "/")}
}

// UnsubscribeURL returns the one-click unsubscribe link for a contact token.
func (b *URLBuilder) UnsubscribeURL(token uuid.UUID) string {
	return fmt.Sprintf("%s/unsubscribe/%s", b.BaseURL, token)
}

// OpenPixelURL returns the open-tracking pixel endpoint for one recipient.
func (b *URLBuilder) OpenPixelURL(campaignID, contactID uuid.UUID) string {
	return fmt.Sprintf("%s/t/open/%s/%s", b.BaseURL, campaignID, contactID)
}

// PixelTag returns the invisible img tag injected into tracked HTML.
func (b *URLBuilder) PixelTag(campaignID, contactID uuid.UUID) string {
	return fmt.Sprintf(
		`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		b.OpenPixelURL(campaignID, contactID))
}
