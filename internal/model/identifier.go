package model

import "strings"

// IdentifierType classifies a scholarly identifier.
type IdentifierType int

const (
	IdentifierDoi    IdentifierType = 1
	IdentifierOrcid  IdentifierType = 2
	IdentifierRor    IdentifierType = 3
	IdentifierURI    IdentifierType = 4
	IdentifierString IdentifierType = 5
	IdentifierIsbn   IdentifierType = 6
)

// Label is the type string handed to handler functions.
func (t IdentifierType) Label() string {
	switch t {
	case IdentifierDoi:
		return "doi"
	case IdentifierOrcid:
		return "orcid"
	case IdentifierRor:
		return "ror"
	case IdentifierURI:
		return "uri"
	case IdentifierIsbn:
		return "isbn"
	}
	return "string"
}

// Identifier is a stable reference to an entity: a DOI, ORCID, ROR id, a
// generic URI, or an opaque string. Value holds the normalized form without
// scheme or resolver prefix (e.g. "10.5555/12345678" for a DOI).
type Identifier struct {
	Type  IdentifierType
	Value string
}

// ParseIdentifier normalizes the common textual forms. DOIs are accepted as
// "doi:...", "https://doi.org/..." or a bare "10.x/..." string; ORCID and
// ROR as their canonical URLs or prefixed forms. Anything that looks like a
// URL becomes a URI identifier, everything else an opaque string.
func ParseIdentifier(input string) Identifier {
	s := strings.TrimSpace(input)

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "doi:"):
		return Identifier{Type: IdentifierDoi, Value: s[len("doi:"):]}
	case strings.HasPrefix(lower, "https://doi.org/"):
		return Identifier{Type: IdentifierDoi, Value: s[len("https://doi.org/"):]}
	case strings.HasPrefix(lower, "http://doi.org/"):
		return Identifier{Type: IdentifierDoi, Value: s[len("http://doi.org/"):]}
	case strings.HasPrefix(lower, "10.") && strings.Contains(s, "/"):
		return Identifier{Type: IdentifierDoi, Value: s}
	case strings.HasPrefix(lower, "orcid:"):
		return Identifier{Type: IdentifierOrcid, Value: s[len("orcid:"):]}
	case strings.HasPrefix(lower, "https://orcid.org/"):
		return Identifier{Type: IdentifierOrcid, Value: s[len("https://orcid.org/"):]}
	case strings.HasPrefix(lower, "ror:"):
		return Identifier{Type: IdentifierRor, Value: s[len("ror:"):]}
	case strings.HasPrefix(lower, "https://ror.org/"):
		return Identifier{Type: IdentifierRor, Value: s[len("https://ror.org/"):]}
	case strings.HasPrefix(lower, "isbn:"):
		return Identifier{Type: IdentifierIsbn, Value: s[len("isbn:"):]}
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return Identifier{Type: IdentifierURI, Value: s}
	}
	return Identifier{Type: IdentifierString, Value: s}
}

// StableString is the compact canonical form stored in event JSON and shown
// to handlers, e.g. "doi:10.5555/12345678".
func (id Identifier) StableString() string {
	switch id.Type {
	case IdentifierDoi:
		return "doi:" + id.Value
	case IdentifierOrcid:
		return "orcid:" + id.Value
	case IdentifierRor:
		return "ror:" + id.Value
	case IdentifierIsbn:
		return "isbn:" + id.Value
	}
	return id.Value
}

// URI returns a resolvable URL form where one exists, or "" otherwise.
func (id Identifier) URI() string {
	switch id.Type {
	case IdentifierDoi:
		return "https://doi.org/" + id.Value
	case IdentifierOrcid:
		return "https://orcid.org/" + id.Value
	case IdentifierRor:
		return "https://ror.org/" + id.Value
	case IdentifierURI:
		return id.Value
	}
	return ""
}
