package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ctisec/misp-postgres-ingester/misp"
)

// EventRow is the target shape for events_minimal.
type EventRow struct {
	ID               int64
	OrgID            int64
	Info             string
	UUID             string
	Date             string
	AttributeCount   int64
	LastModified     *time.Time
	ThreatLevelID    int64
	PublishTimestamp *time.Time
	FeedName         *string
	OrgcName         *string
}

// CorrelationRow is the target shape for attribute_correlations. Edges are
// directional, exactly as supplied by the source.
type CorrelationRow struct {
	AttrID           int64
	RelatedAttrID    int64
	RelatedEventID   int64
	RelationshipType string
	FirstSeen        *time.Time
	LastSeen         *time.Time
	Comment          string
}

// AttributeRow is the target shape for attributes_minimal, columns in load
// order. Geography fields stay nil at load time and are populated only by the
// enrichment pass.
type AttributeRow struct {
	ID        int64
	EventID   int64
	Category  string
	Type      string
	Value     string
	ToIDs     bool
	UUID      string
	CreatedTS *time.Time
	Comment   string
	FirstSeen *time.Time
	LastSeen  *time.Time

	CountryName *string
	CountryCode *string
	RegionName  *string
	City        *string

	RelatedEventInfo string
	EventInfo        string
	EventGalaxyNames string
}

// parseUnixSeconds parses a unix-seconds string; malformed input maps to nil.
func parseUnixSeconds(s string) *time.Time {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}

// seenTimeLayouts are the textual fallbacks for first_seen/last_seen values.
var seenTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// parseSeenTime parses first_seen/last_seen values, which arrive either as
// unix microseconds or as ISO text. Malformed input maps to nil.
func parseSeenTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMicro(n).UTC()
		return &t
	}
	for _, layout := range seenTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// scrub replaces embedded line breaks in free-text fields with spaces so the
// bulk-load wire format stays one record per line.
func scrub(s string) string {
	if !strings.ContainsAny(s, "\n\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// truncateRunes caps s at n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BuildEventRow maps a fetched event detail record to its warehouse row; the
// platform's modification timestamp becomes last_modified.
func BuildEventRow(ev misp.Event) EventRow {
	return EventRow{
		ID:               ev.ID.Int64(),
		OrgID:            ev.OrgID.Int64(),
		Info:             ev.Info,
		UUID:             ev.UUID,
		Date:             ev.Date,
		AttributeCount:   ev.AttributeCount.Int64(),
		LastModified:     parseUnixSeconds(string(ev.Timestamp)),
		ThreatLevelID:    ev.ThreatLevelID.Int64(),
		PublishTimestamp: parseUnixSeconds(string(ev.PublishTimestamp)),
		FeedName:         nullableString(ev.Feed.Name),
		OrgcName:         nullableString(ev.Orgc.Name),
	}
}

// ExtractCorrelations emits one edge candidate per embedded related-attribute
// entry. No in-memory dedup; the storage conflict target enforces uniqueness.
func ExtractCorrelations(attrs []misp.Attribute) []CorrelationRow {
	var edges []CorrelationRow
	for _, a := range attrs {
		aid := a.ID.Int64()
		for _, r := range a.RelatedAttributes {
			edges = append(edges, CorrelationRow{
				AttrID:           aid,
				RelatedAttrID:    r.ID.Int64(),
				RelatedEventID:   r.EventID.Int64(),
				RelationshipType: r.ObjectRelation,
				FirstSeen:        parseSeenTime(string(r.FirstSeen)),
				LastSeen:         parseSeenTime(string(r.LastSeen)),
				Comment:          r.Comment,
			})
		}
	}
	return edges
}

// BuildIDValueIndex maps attribute id to value for related-attribute lookups.
// Run-scoped; rebuilt from scratch each run.
func BuildIDValueIndex(attrs []misp.Attribute) map[int64]string {
	idx := make(map[int64]string, len(attrs))
	for _, a := range attrs {
		idx[a.ID.Int64()] = a.Value
	}
	return idx
}

// BuildAttributeRow maps one attribute plus its owning and related events to
// the fixed warehouse row shape.
func BuildAttributeRow(a misp.Attribute, events map[int64]misp.Event, idToValue map[int64]string) AttributeRow {
	eventID := a.EventID.Int64()

	relParts := make([]string, 0, len(a.RelatedAttributes))
	for _, r := range a.RelatedAttributes {
		relEvent := events[r.EventID.Int64()]
		desc := truncateRunes(scrub(relEvent.Info), 50)
		relParts = append(relParts, fmt.Sprintf("%d:%s|%s", r.EventID.Int64(), desc, idToValue[r.ID.Int64()]))
	}

	owner := events[eventID]
	galaxyNames := make([]string, 0, len(owner.Galaxies))
	for _, g := range owner.Galaxies {
		galaxyNames = append(galaxyNames, g.Name)
	}

	return AttributeRow{
		ID:        a.ID.Int64(),
		EventID:   eventID,
		Category:  a.Category,
		Type:      a.Type,
		Value:     scrub(a.Value),
		ToIDs:     a.ToIDs,
		UUID:      a.UUID,
		CreatedTS: parseUnixSeconds(string(a.Timestamp)),
		Comment:   scrub(a.Comment),
		FirstSeen: parseSeenTime(string(a.FirstSeen)),
		LastSeen:  parseSeenTime(string(a.LastSeen)),

		RelatedEventInfo: strings.Join(relParts, ", "),
		EventInfo:        scrub(owner.Info),
		EventGalaxyNames: strings.Join(galaxyNames, ", "),
	}
}

// BuildAttributeRows maps a fetched attribute set to warehouse rows.
func BuildAttributeRows(attrs []misp.Attribute, events map[int64]misp.Event, idToValue map[int64]string) []AttributeRow {
	rows := make([]AttributeRow, 0, len(attrs))
	for _, a := range attrs {
		rows = append(rows, BuildAttributeRow(a, events, idToValue))
	}
	return rows
}
