//go:build ignore
// +build ignore

// Seeds a demo contact list, template, and scheduled campaign for local
// development.
//
// Usage:
//
//	DATABASE_URL=postgres://localhost/campaigns go run scripts/seed_demo_data.go --contacts=50
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/mailing"
)

func main() {
	numContacts := flag.Int("contacts", 25, "number of demo contacts to create")
	scheduleIn := flag.Duration("schedule-in", 2*time.Minute, "how far in the future to schedule the campaign")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store := mailing.NewStore(db)

	list := &mailing.ContactList{Name: "Demo List"}
	if err := store.CreateContactList(ctx, list); err != nil {
		log.Fatalf("create list: %v", err)
	}

	for i := 0; i < *numContacts; i++ {
		listID := list.ID
		c := &mailing.Contact{
			ContactListID: &listID,
			Email:         fmt.Sprintf("demo+%03d@example.com", i),
			FirstName:     fmt.Sprintf("Demo%03d", i),
			LastName:      "Tester",
			Company:       "Example Corp",
			Subscribed:    i%10 != 0, // every tenth contact opted out
			CustomFields:  map[string]string{"plan": []string{"free", "pro"}[i%2]},
		}
		if err := store.CreateContact(ctx, c); err != nil {
			log.Fatalf("create contact %d: %v", i, err)
		}
	}

	seg := &mailing.Segment{
		Name: "Pro plan",
		Filters: mailing.SegmentFilters{
			Subscribed:   "true",
			CustomFields: map[string]string{"plan": "pro"},
		},
	}
	if err := store.CreateSegment(ctx, seg); err != nil {
		log.Fatalf("create segment: %v", err)
	}

	tpl := &mailing.EmailTemplate{
		Name:    "Demo Newsletter",
		Subject: "Hello {{ first_name | default: \"there\" }}!",
		HTMLContent: `<html><body>
<h1>Hi {{ first_name }},</h1>
<p>This is a demo campaign from {{ your_company_name }}.</p>
{{ tracking_pixel }}
</body></html>`,
		FooterHTML: `<p style="color:#888;font-size:12px;">{{ company_address }} &middot; <a href="{{ unsubscribe_url }}">Unsubscribe</a></p>`,
	}
	if err := store.CreateTemplate(ctx, tpl); err != nil {
		log.Fatalf("create template: %v", err)
	}

	scheduledAt := time.Now().Add(*scheduleIn)
	tplID := tpl.ID
	campaign := &mailing.Campaign{
		Name:            "Demo Campaign",
		EmailTemplateID: &tplID,
		Status:          mailing.StatusScheduled,
		ScheduledAt:     &scheduledAt,
	}
	if err := store.CreateCampaign(ctx, campaign, []uuid.UUID{list.ID}, []uuid.UUID{seg.ID}); err != nil {
		log.Fatalf("create campaign: %v", err)
	}

	log.Printf("seeded list=%s segment=%s template=%s campaign=%s (scheduled %s)",
		list.ID, seg.ID, tpl.ID, campaign.ID, scheduledAt.Format(time.RFC3339))
}
