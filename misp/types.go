package misp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexID handles MISP's habit of returning numeric identifiers as either JSON
// strings or numbers depending on endpoint and version.
type FlexID int64

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric id %q: %w", data, err)
	}
	*f = FlexID(n)
	return nil
}

func (f FlexID) Int64() int64 { return int64(f) }

// FlexString handles wire fields that arrive as either JSON strings or bare
// numbers, such as unix timestamps. The raw digits of a number are kept as-is
// for downstream parsing.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string value %q: %w", data, err)
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(data)
	return nil
}

// RelatedAttribute is an embedded correlation entry on a fetched attribute.
type RelatedAttribute struct {
	ID             FlexID     `json:"id"`
	EventID        FlexID     `json:"event_id"`
	ObjectRelation string     `json:"object_relation"`
	FirstSeen      FlexString `json:"first_seen"`
	LastSeen       FlexString `json:"last_seen"`
	Comment        string     `json:"comment"`
}

// Attribute is an indicator record as returned by attributes/restSearch.
type Attribute struct {
	ID        FlexID     `json:"id"`
	EventID   FlexID     `json:"event_id"`
	Category  string     `json:"category"`
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	ToIDs     bool       `json:"to_ids"`
	UUID      string     `json:"uuid"`
	Timestamp FlexString `json:"timestamp"`
	Comment   string     `json:"comment"`
	FirstSeen FlexString `json:"first_seen"`
	LastSeen  FlexString `json:"last_seen"`

	RelatedAttributes []RelatedAttribute `json:"RelatedAttribute"`
}

// Galaxy carries the only galaxy field the warehouse denormalizes.
type Galaxy struct {
	Name string `json:"name"`
}

// Event is the event detail record returned by events/view.
type Event struct {
	ID               FlexID     `json:"id"`
	OrgID            FlexID     `json:"org_id"`
	Info             string     `json:"info"`
	UUID             string     `json:"uuid"`
	Date             string     `json:"date"`
	AttributeCount   FlexID     `json:"attribute_count"`
	Timestamp        FlexString `json:"timestamp"`
	ThreatLevelID    FlexID     `json:"threat_level_id"`
	PublishTimestamp FlexString `json:"publish_timestamp"`

	Feed struct {
		Name string `json:"name"`
	} `json:"Feed"`
	Orgc struct {
		Name string `json:"name"`
	} `json:"Orgc"`
	Galaxies []Galaxy `json:"Galaxy"`
}

// restSearch response envelope: {"response": {"Attribute": [...]}}
type attributeSearchResponse struct {
	Response struct {
		Attributes []Attribute `json:"Attribute"`
	} `json:"response"`
}

// events/view response envelope: {"Event": {...}}
type eventViewResponse struct {
	Event Event `json:"Event"`
}
