package mailing

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestURLBuilder(t *testing.T) {
	b := NewURLBuilder("https://mail.example.com/")
	token := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	unsub := b.UnsubscribeURL(token)
	if unsub != "https://mail.example.com/unsubscribe/"+token.String() {
		t.Errorf("UnsubscribeURL() = %q", unsub)
	}

	pixel := b.OpenPixelURL(campaignID, contactID)
	want := "https://mail.example.com/t/open/" + campaignID.String() + "/" + contactID.String()
	if pixel != want {
		t.Errorf("OpenPixelURL() = %q, want %q", pixel, want)
	}

	tag := b.PixelTag(campaignID, contactID)
	if !strings.Contains(tag, pixel) {
		t.Errorf("PixelTag() missing pixel URL: %q", tag)
	}
	if !strings.Contains(tag, `width="1" height="1"`) {
		t.Errorf("PixelTag() not a 1x1 image: %q", tag)
	}
}
