package schema

import (
	"encoding/json"
	"fmt"
)

// Kind tags an event with its domain meaning. The set of known kinds is
// closed; unknown kinds are carried verbatim as RawDocument so newer
// clients' events survive a round-trip through an older build.
type Kind string

const (
	KindObservation Kind = "observation"
	KindInspection  Kind = "inspection"
	KindIncident    Kind = "incident"
	KindNote        Kind = "note"
)

// Document is the typed payload union. Exactly one concrete type exists per
// known Kind, plus RawDocument for everything else.
type Document interface {
	Kind() Kind
}

// GeoPoint is a WGS84 coordinate captured with an observation.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Observation records a sighting in the field.
type Observation struct {
	Subject  string    `json:"subject"`
	Count    int       `json:"count"`
	Location *GeoPoint `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

func (Observation) Kind() Kind { return KindObservation }

// Inspection records the outcome of checking an asset.
type Inspection struct {
	AssetID  string   `json:"asset_id"`
	Result   string   `json:"result"` // pass, fail, needs_followup
	Findings []string `json:"findings,omitempty"`
}

func (Inspection) Kind() Kind { return KindInspection }

// Incident records something that went wrong and needs attention.
type Incident struct {
	Severity    string `json:"severity"` // low, medium, high, critical
	Description string `json:"description"`
	ReportedBy  string `json:"reported_by,omitempty"`
}

func (Incident) Kind() Kind { return KindIncident }

// Note is free-form text attached to no particular structure.
type Note struct {
	Text string `json:"text"`
}

func (Note) Kind() Kind { return KindNote }

// RawDocument carries a payload of an unknown kind without interpreting it.
type RawDocument struct {
	RawKind Kind            `json:"-"`
	Data    json.RawMessage `json:"-"`
}

func (r RawDocument) Kind() Kind { return r.RawKind }

// EncodePayload serializes a document for storage or the wire.
func EncodePayload(doc Document) ([]byte, error) {
	if raw, ok := doc.(RawDocument); ok {
		return raw.Data, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", doc.Kind(), err)
	}
	return data, nil
}

// DecodePayload deserializes payload bytes into the typed document for the
// given kind. Unknown kinds come back as RawDocument with the bytes intact.
func DecodePayload(kind Kind, data []byte) (Document, error) {
	var doc Document
	switch kind {
	case KindObservation:
		doc = &Observation{}
	case KindInspection:
		doc = &Inspection{}
	case KindIncident:
		doc = &Incident{}
	case KindNote:
		doc = &Note{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return RawDocument{RawKind: kind, Data: raw}, nil
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	// Return the value, not the pointer we unmarshalled into.
	switch d := doc.(type) {
	case *Observation:
		return *d, nil
	case *Inspection:
		return *d, nil
	case *Incident:
		return *d, nil
	case *Note:
		return *d, nil
	}
	return doc, nil
}
