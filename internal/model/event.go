package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a typed record derived from a metadata assertion, the unit of
// input to a handler function. The JSON field holds the type-specific
// payload as opaque text; source, analyzer and the subject/object
// identifiers are held in columns and hydrated back into the JSON only when
// an event is presented to a handler or an API consumer.
type Event struct {
	ID       int64
	Source   MetadataSource
	Analyzer EventAnalyzer
	// AssertionID is a weak reference to the originating metadata
	// assertion, -1 when the event was imported directly.
	AssertionID int64
	Subject     *Identifier
	Object      *Identifier
	JSON        string
	Created     time.Time
}

// hydratedFields are held in event columns, not in the stored JSON text.
func isHydratedField(field string) bool {
	switch field {
	case "event_id", "source", "analyzer",
		"subject", "subject_type", "subject_uri",
		"object", "object_type", "object_uri":
		return true
	}
	return false
}

// ParseEvent loads an event from its public JSON representation, as
// received from the API or an import file. The object must parse and carry
// at least source, analyzer, type and subject. Hydrated fields are split
// out into the struct; the remainder is re-serialized as the stored JSON.
func ParseEvent(input string) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(input), &fields); err != nil {
		return nil, fmt.Errorf("parsing event JSON: %w", err)
	}

	stringField := func(name string) (string, error) {
		raw, ok := fields[name]
		if !ok {
			return "", fmt.Errorf("event JSON missing %q", name)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("event field %q is not a string", name)
		}
		return s, nil
	}

	sourceStr, err := stringField("source")
	if err != nil {
		return nil, err
	}
	analyzerStr, err := stringField("analyzer")
	if err != nil {
		return nil, err
	}
	if _, err := stringField("type"); err != nil {
		return nil, err
	}
	subjectStr, err := stringField("subject")
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ID:          -1,
		Source:      SourceFromString(sourceStr),
		Analyzer:    AnalyzerFromString(analyzerStr),
		AssertionID: -1,
	}

	subject := ParseIdentifier(subjectStr)
	ev.Subject = &subject

	if raw, ok := fields["object"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			object := ParseIdentifier(s)
			ev.Object = &object
		}
	}
	if raw, ok := fields["event_id"]; ok {
		// Events may be submitted with an id; it is ignored on insertion
		// and reassigned by the database.
		var id int64
		if err := json.Unmarshal(raw, &id); err == nil {
			ev.ID = id
		}
	}

	remainder := make(map[string]json.RawMessage, len(fields))
	for name, raw := range fields {
		if !isHydratedField(name) {
			remainder[name] = raw
		}
	}
	stored, err := json.Marshal(remainder)
	if err != nil {
		return nil, fmt.Errorf("serializing event JSON: %w", err)
	}
	ev.JSON = string(stored)

	return ev, nil
}

// PublicJSON serializes the event to its public representation: the stored
// payload with source, analyzer, event id and identifiers hydrated back in.
// This is the object handler functions receive.
func (ev *Event) PublicJSON() (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(ev.JSON), &fields); err != nil {
		return "", fmt.Errorf("parsing stored event %d: %w", ev.ID, err)
	}

	setString := func(name, value string) {
		raw, _ := json.Marshal(value)
		fields[name] = raw
	}

	idRaw, _ := json.Marshal(ev.ID)
	fields["event_id"] = idRaw
	setString("source", ev.Source.String())
	setString("analyzer", ev.Analyzer.String())

	if ev.Subject != nil {
		setString("subject", ev.Subject.StableString())
		setString("subject_type", ev.Subject.Type.Label())
		if uri := ev.Subject.URI(); uri != "" {
			setString("subject_uri", uri)
		}
	}
	if ev.Object != nil {
		setString("object", ev.Object.StableString())
		setString("object_type", ev.Object.Type.Label())
		if uri := ev.Object.URI(); uri != "" {
			setString("object_uri", uri)
		}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("serializing event %d: %w", ev.ID, err)
	}
	return string(out), nil
}
