package mailing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Resolver computes the audience of a campaign from its linked contact
// lists and segments.
type Resolver struct {
	store *Store
}

// NewResolver creates an audience resolver.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the deduplicated set of sendable recipients for a
// campaign: subscribed contacts with a non-empty email address that are
// either members of a linked list or match at least one linked segment.
// A campaign with no lists and no segments resolves to an empty set.
func (r *Resolver) Resolve(ctx context.Context, campaignID uuid.UUID) ([]Recipient, error) {
	listIDs, err := r.store.CampaignListIDs(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	segments, err := r.store.CampaignSegments(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(listIDs) == 0 && len(segments) == 0 {
		return nil, nil
	}

	query, args := buildRecipientQuery(listIDs, segments)
	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.ContactID, &rec.Email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logger.Debug("resolved campaign audience",
		"campaign_id", campaignID.String(),
		"lists", len(listIDs),
		"segments", len(segments),
		"recipients", len(out))
	return out, nil
}

// buildRecipientQuery assembles the audience query. Baseline filters
// (subscribed, non-empty email) apply to everyone; list membership and
// segment matches are OR'd together, and within a segment the individual
// filters are AND'd. Results are deduplicated by contact id.
func buildRecipientQuery(listIDs []uuid.UUID, segments []Segment) (string, []interface{}) {
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var branches []string
	if len(listIDs) > 0 {
		branches = append(branches,
			fmt.Sprintf("c.contact_list_id = ANY(%s)", next(pq.Array(listIDs))))
	}
	for _, seg := range segments {
		if cond := segmentCondition(seg.Filters, next); cond != "" {
			branches = append(branches, cond)
		}
	}
	if len(branches) == 0 {
		// Linked segments all had empty filter sets: match nobody rather
		// than everybody.
		branches = append(branches, "FALSE")
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT c.id, c.email
		FROM contacts c
		WHERE c.subscribed = TRUE AND c.email IS NOT NULL AND c.email <> ''
		  AND (%s)
		ORDER BY c.id
	`, strings.Join(branches, " OR "))
	return query, args
}

// segmentCondition renders one segment's filters as a single AND group.
// An empty filter set yields an empty condition.
func segmentCondition(f SegmentFilters, next func(interface{}) string) string {
	var conds []string
	switch strings.ToLower(f.Subscribed) {
	case "true":
		conds = append(conds, "c.subscribed = TRUE")
	case "false":
		conds = append(conds, "c.subscribed = FALSE")
	}
	if f.Company != "" {
		conds = append(conds, fmt.Sprintf("c.company ILIKE %s", next("%"+f.Company+"%")))
	}
	for key, val := range f.CustomFields {
		conds = append(conds, fmt.Sprintf("c.custom_fields ->> %s = %s", next(key), next(val)))
	}
	if len(f.ContactLists) > 0 {
		conds = append(conds, fmt.Sprintf("c.contact_list_id = ANY(%s)", next(pq.Array(f.ContactLists))))
	}
	if len(conds) == 0 {
		return ""
	}
	return "(" + strings.Join(conds, " AND ") + ")"
}
